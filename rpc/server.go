package rpc

import (
	"context"
	"errors"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/usecase"
	"google.golang.org/grpc"
)

var logger = logrus.WithField("component", "rpc")

// MarketData is the read side of usecase.MarketFeed.
type MarketData interface {
	OrderBookView(depth int) (*usecase.OrderBookView, error)
	CandlesView() *usecase.CandlesView
	StatusView() *usecase.StatusView
}

type SnapshotSource interface {
	GetOrderBookSnapshot(ctx context.Context, limit int) (*domain.OrderBookSnapshot, error)
}

type server struct {
	marketData               MarketData
	orderbookSnapshotUseCase SnapshotSource
	validationService        *usecase.ValidationService
}

func NewServer(marketData MarketData, snapshots SnapshotSource, validation *usecase.ValidationService) *server {
	return &server{
		marketData:               marketData,
		orderbookSnapshotUseCase: snapshots,
		validationService:        validation,
	}
}

// Serve runs the gRPC server on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, srv MarketDataServiceServer) error {
	s := grpc.NewServer()
	RegisterMarketDataServiceServer(s, srv)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logger.Infof("grpc server listening at %v", lis.Addr())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func ListenAndServe(ctx context.Context, addr string, srv MarketDataServiceServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, lis, srv)
}
