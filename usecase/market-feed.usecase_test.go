package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketfeed/domain"
	promclient "github.com/spooky-finn/go-marketfeed/infrastructure/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamAPI struct {
	trades        chan *domain.Trade
	tradeStatuses chan domain.ConnectionStatus
	depth         chan *domain.OrderBookUpdate
	depthStatuses chan domain.ConnectionStatus
	reconnects    atomic.Int32
}

func newFakeStreamAPI() *fakeStreamAPI {
	return &fakeStreamAPI{
		trades:        make(chan *domain.Trade, 16),
		tradeStatuses: make(chan domain.ConnectionStatus, 16),
		depth:         make(chan *domain.OrderBookUpdate, 16),
		depthStatuses: make(chan domain.ConnectionStatus, 16),
	}
}

func (f *fakeStreamAPI) TradeStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.Trade], error) {
	return &domain.Subscription[*domain.Trade]{
		Stream:      f.trades,
		Status:      f.tradeStatuses,
		Unsubscribe: func() {},
		Reconnect:   func() { f.reconnects.Add(1) },
		Topic:       "trade",
	}, nil
}

func (f *fakeStreamAPI) DepthDiffStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	return &domain.Subscription[*domain.OrderBookUpdate]{
		Stream:      f.depth,
		Status:      f.depthStatuses,
		Unsubscribe: func() {},
		Reconnect:   func() { f.reconnects.Add(1) },
		Topic:       "depth",
	}, nil
}

// fakeSyncAPI returns snapshot once gate is closed.
type fakeSyncAPI struct {
	snapshot *domain.OrderBookSnapshot
	gate     chan struct{}
	calls    atomic.Int32
}

func (f *fakeSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.snapshot, nil
}

type fakeConnManager struct {
	stream *fakeStreamAPI
	sync   *fakeSyncAPI
}

func (cm *fakeConnManager) StreamAPI(provider string) (domain.ProviderStreamAPI, error) {
	if provider != "test" {
		return nil, domain.ErrUnknownProvider
	}
	return cm.stream, nil
}

func (cm *fakeConnManager) SyncAPI(provider string) (domain.ProviderSyncAPI, error) {
	if provider != "test" {
		return nil, domain.ErrUnknownProvider
	}
	return cm.sync, nil
}

func (cm *fakeConnManager) Validator(provider string) (domain.IDepthUpdateValidator, error) {
	return &domain.DepthUpdateValidator{}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	tobs    []domain.TopOfBook
	candles []domain.Candle
}

func (p *recordingPublisher) PublishTopOfBook(tob domain.TopOfBook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tobs = append(p.tobs, tob)
}

func (p *recordingPublisher) PublishCandle(candle domain.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles = append(p.candles, candle)
}

func (p *recordingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tobs), len(p.candles)
}

func testSnapshot() *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: 1000,
		Bids:         [][]string{{"100", "1"}, {"99", "2"}, {"98", "3"}},
		Asks:         [][]string{{"101", "1.5"}, {"102", "2"}},
	}
}

func trade(ts int64, price, qty string) *domain.Trade {
	return &domain.Trade{
		Timestamp: ts,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
	}
}

type feedFixture struct {
	feed      *MarketFeed
	stream    *fakeStreamAPI
	sync      *fakeSyncAPI
	publisher *recordingPublisher
	cancel    context.CancelFunc
	done      chan error
}

func newFeed(t *testing.T, gate chan struct{}) *feedFixture {
	t.Helper()

	symbol, err := domain.NewMarketSymbol("btc", "usdt")
	require.NoError(t, err)

	fx := &feedFixture{
		stream:    newFakeStreamAPI(),
		sync:      &fakeSyncAPI{snapshot: testSnapshot(), gate: gate},
		publisher: &recordingPublisher{},
		done:      make(chan error, 1),
	}

	feed, err := NewMarketFeed(&fakeConnManager{stream: fx.stream, sync: fx.sync}, FeedConfig{
		Provider:           "test",
		Symbol:             symbol,
		SnapshotRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	fx.feed = feed.WithMetrics(promclient.NewMetrics()).WithPublisher(fx.publisher)

	return fx
}

func (fx *feedFixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	fx.cancel = cancel
	go func() { fx.done <- fx.feed.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-fx.done:
		case <-time.After(time.Second):
			t.Error("market feed did not stop")
		}
	})
}

func TestNewMarketFeed_UnknownProvider(t *testing.T) {
	symbol, _ := domain.NewMarketSymbol("btc", "usdt")
	cm := &fakeConnManager{stream: newFakeStreamAPI(), sync: &fakeSyncAPI{}}

	_, err := NewMarketFeed(cm, FeedConfig{Provider: "kraken", Symbol: symbol})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = NewMarketFeed(cm, FeedConfig{Provider: "test"})
	assert.Error(t, err)
}

func TestMarketFeed_CandlesFromTrades(t *testing.T) {
	fx := newFeed(t, nil)
	fx.start(t)

	fx.stream.trades <- trade(60000, "100", "1")
	fx.stream.trades <- trade(90000, "110", "2")
	fx.stream.trades <- trade(120000, "105", "0.5")

	assert.Eventually(t, func() bool {
		_, candles := fx.publisher.counts()
		return candles == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		view := fx.feed.CandlesView()
		return view.Current != nil && view.Current.BucketStart == 120000
	}, time.Second, 5*time.Millisecond)

	view := fx.feed.CandlesView()
	assert.Equal(t, "btc_usdt", view.Symbol)
	require.Len(t, view.Candles, 1)
	assert.Equal(t, int64(60000), view.Candles[0].BucketStart)
	assert.Equal(t, "100", view.Candles[0].Open.String())
	assert.Equal(t, "110", view.Candles[0].Close.String())
	assert.Equal(t, "3", view.Candles[0].Volume.String())

	require.NotNil(t, view.SessionOpen)
	assert.Equal(t, "100", view.SessionOpen.String())
	require.NotNil(t, view.LastPrice)
	assert.Equal(t, "105", view.LastPrice.String())
	require.NotNil(t, view.PercentChange)
	assert.True(t, view.PercentChange.Equal(decimal.NewFromInt(5)))
}

func TestMarketFeed_EmptyCandlesView(t *testing.T) {
	fx := newFeed(t, nil)

	view := fx.feed.CandlesView()
	assert.Empty(t, view.Candles)
	assert.Nil(t, view.Current)
	assert.Nil(t, view.SessionOpen)
	assert.Nil(t, view.PercentChange)
}

func TestMarketFeed_OrderBookView(t *testing.T) {
	fx := newFeed(t, nil)
	fx.start(t)

	fx.stream.depth <- domain.NewOrderBookUpdate([][]string{{"100", "4"}}, nil, 1001, 1001)

	assert.Eventually(t, func() bool {
		view, err := fx.feed.OrderBookView(2)
		return err == nil && view.LastUpdateID == 1001
	}, time.Second, 5*time.Millisecond)

	view, err := fx.feed.OrderBookView(2)
	require.NoError(t, err)

	assert.Equal(t, "test", view.Provider)
	assert.Equal(t, "100", view.BestBid.Price.String())
	assert.Equal(t, "4", view.BestBid.Size.String())
	assert.Equal(t, "101", view.BestAsk.Price.String())
	assert.Equal(t, "1", view.Spread.String())
	assert.Equal(t, "100.5", view.MidPrice.String())
	assert.False(t, view.Crossed)

	require.Len(t, view.Bids, 2)
	assert.Equal(t, "99", view.Bids[1].Price.String())
	assert.Equal(t, "6", view.Bids[1].Total.String(), "total is cumulative from the best level")
	require.Len(t, view.Asks, 2)
	assert.Equal(t, "3.5", view.Asks[1].Total.String())

	tobs, _ := fx.publisher.counts()
	assert.GreaterOrEqual(t, tobs, 2, "top of book is published after the snapshot and the update")
}

func TestMarketFeed_OrderBookNotReady(t *testing.T) {
	fx := newFeed(t, make(chan struct{}))
	fx.start(t)

	_, err := fx.feed.OrderBookView(10)
	assert.ErrorIs(t, err, domain.ErrOrderBookNotReady)

	status := fx.feed.StatusView()
	assert.Equal(t, domain.OrderBookStatus_Empty, status.Book)
}

func TestMarketFeed_StatusAndReady(t *testing.T) {
	fx := newFeed(t, nil)
	fx.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := fx.feed.Ready(ctx)

	fx.stream.depthStatuses <- domain.ConnectionStatus_Connecting
	fx.stream.depthStatuses <- domain.ConnectionStatus_Connected

	select {
	case <-ready:
		t.Fatal("ready before the trade stream connected")
	case <-time.After(20 * time.Millisecond):
	}

	fx.stream.tradeStatuses <- domain.ConnectionStatus_Connected

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("not ready after book snapshot and trade connection")
	}

	assert.Eventually(t, func() bool {
		return fx.feed.StatusView().FullyConnected
	}, time.Second, 5*time.Millisecond)

	fx.stream.tradeStatuses <- domain.ConnectionStatus_Disconnected
	fx.stream.tradeStatuses <- domain.ConnectionStatus_Reconnecting

	assert.Eventually(t, func() bool {
		return fx.feed.StatusView().Reconnecting
	}, time.Second, 5*time.Millisecond)

	status := fx.feed.StatusView()
	assert.Equal(t, domain.ConnectionStatus_Reconnecting, status.Trade)
	assert.Equal(t, domain.ConnectionStatus_Connected, status.Depth)
	assert.False(t, status.FullyConnected)
	assert.Equal(t, "btc_usdt", status.Symbol)
}

func TestMarketFeed_Latency(t *testing.T) {
	fx := newFeed(t, nil)
	fx.feed.now = func() time.Time { return time.UnixMilli(60250) }
	fx.start(t)

	fx.stream.trades <- trade(60000, "100", "1")

	assert.Eventually(t, func() bool {
		return fx.feed.StatusView().TradeLatencyMs == 250
	}, time.Second, 5*time.Millisecond)
}

func TestMarketFeed_Reconnect(t *testing.T) {
	fx := newFeed(t, nil)
	fx.start(t)

	assert.Eventually(t, func() bool {
		fx.feed.Reconnect()
		return fx.stream.reconnects.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestMarketFeed_TradeStreamClosed(t *testing.T) {
	fx := newFeed(t, nil)
	close(fx.stream.trades)

	err := fx.feed.Run(context.Background())
	assert.True(t, errors.Is(err, ErrTradeStreamClosed))

	status := fx.feed.StatusView()
	assert.Equal(t, domain.ConnectionStatus_Disconnected, status.Trade)
}
