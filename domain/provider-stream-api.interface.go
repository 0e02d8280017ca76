package domain

import "context"

type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol *MarketSymbol, limit int) (*OrderBookSnapshot, error)
}

type ProviderStreamAPI interface {
	TradeStream(ctx context.Context, symbol *MarketSymbol) (*Subscription[*Trade], error)
	DepthDiffStream(ctx context.Context, symbol *MarketSymbol) (*Subscription[*OrderBookUpdate], error)
}

// Subscription is a live feed. Stream and Status are closed once the
// subscription ends; Unsubscribe is idempotent and nothing is delivered after it
// returns. Reconnect forces the underlying connection to be re-established.
type Subscription[T any] struct {
	Stream      <-chan T
	Status      <-chan ConnectionStatus
	Unsubscribe func()
	Reconnect   func()
	Topic       string
}
