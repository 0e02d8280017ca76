package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/usecase"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func (s *server) GetOrderBook(ctx context.Context, in *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	depth, err := s.validationService.Depth(int(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	view, err := s.marketData.OrderBookView(depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(view)
}

func (s *server) GetOrderBookSnapshot(ctx context.Context, in *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	depth, err := s.validationService.Depth(int(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snapshot)
}

func (s *server) GetCandles(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.marketData.CandlesView())
}

func (s *server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.marketData.StatusView())
}

// toStruct goes through JSON so the gRPC and HTTP responses share one shape.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrOrderBookNotReady):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, usecase.ErrInvalidDepth):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
