package usecase

import (
	"context"
	"errors"

	"github.com/spooky-finn/go-marketfeed/domain"
)

type localSnapshotSource interface {
	Snapshot(limit int) (*domain.OrderBookSnapshot, error)
}

type OrderBookSnapshotUseCase struct {
	local    localSnapshotSource
	syncAPI  domain.ProviderSyncAPI
	provider string
	symbol   *domain.MarketSymbol
}

func NewOrderBookSnapshotUseCase(
	connManager domain.ConnManager, feed *MarketFeed,
) (*OrderBookSnapshotUseCase, error) {
	syncAPI, err := connManager.SyncAPI(feed.config.Provider)
	if err != nil {
		return nil, err
	}

	return &OrderBookSnapshotUseCase{
		local:    feed,
		syncAPI:  syncAPI,
		provider: feed.config.Provider,
		symbol:   feed.config.Symbol,
	}, nil
}

// GetOrderBookSnapshot returns the snapshot of the local order book, or the
// provider's snapshot while the local book is still initializing.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(ctx context.Context, limit int) (*domain.OrderBookSnapshot, error) {
	snapshot, err := o.local.Snapshot(limit)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, domain.ErrOrderBookNotReady) {
		return nil, err
	}

	logger.Debugf("orderbook is initing, provider snapshot returned: Provider=%s, Symbol=%s", o.provider, o.symbol.String())
	return o.syncAPI.OrderBookSnapshot(ctx, o.symbol, limit)
}
