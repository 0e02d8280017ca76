package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/helpers"
	promclient "github.com/spooky-finn/go-marketfeed/infrastructure/prometheus"
	"golang.org/x/sync/errgroup"
)

var logger = logrus.WithField("component", "market-feed")

var ErrTradeStreamClosed = errors.New("trade stream closed")

// Publisher receives the top of book after every change and every sealed candle.
type Publisher interface {
	PublishTopOfBook(tob domain.TopOfBook)
	PublishCandle(candle domain.Candle)
}

type FeedConfig struct {
	Provider           string
	Symbol             *domain.MarketSymbol
	SnapshotLimit      int
	SnapshotRetryDelay time.Duration
	MaxBufferedUpdates int
	CandleInterval     time.Duration
	MaxCandles         int
}

// MarketFeed runs the order book maintainer and the trade aggregation for one
// symbol and serves read-only views of both.
type MarketFeed struct {
	config     FeedConfig
	streamAPI  domain.ProviderStreamAPI
	maintainer *domain.OrderbookMaintainer
	board      *domain.ConnStatusBoard
	metrics    *promclient.Metrics
	publisher  Publisher
	now        func() time.Time

	candlesMu sync.RWMutex
	candles   *domain.CandleAggregator

	mu             sync.Mutex
	tradeReconnect func()
	bookReady      chan struct{}
	bookReadyOnce  sync.Once
	tradeReady     chan struct{}
	tradeReadyOnce sync.Once
}

func NewMarketFeed(connManager domain.ConnManager, config FeedConfig) (*MarketFeed, error) {
	if config.Symbol == nil {
		return nil, fmt.Errorf("market feed: symbol is required")
	}

	streamAPI, err := connManager.StreamAPI(config.Provider)
	if err != nil {
		return nil, err
	}
	syncAPI, err := connManager.SyncAPI(config.Provider)
	if err != nil {
		return nil, err
	}
	validator, err := connManager.Validator(config.Provider)
	if err != nil {
		return nil, err
	}

	f := &MarketFeed{
		config:     config,
		streamAPI:  streamAPI,
		board:      domain.NewConnStatusBoard(),
		now:        time.Now,
		candles:    domain.NewCandleAggregator(config.CandleInterval, config.MaxCandles),
		bookReady:  make(chan struct{}),
		tradeReady: make(chan struct{}),
	}

	f.maintainer = domain.NewOrderBookMaintainer(streamAPI, syncAPI, validator, domain.MaintainerConfig{
		Provider:           config.Provider,
		Symbol:             config.Symbol,
		SnapshotLimit:      config.SnapshotLimit,
		SnapshotRetryDelay: config.SnapshotRetryDelay,
		MaxBufferedUpdates: config.MaxBufferedUpdates,
	}).WithObserver(&bookObserver{feed: f})

	return f, nil
}

func (f *MarketFeed) WithMetrics(metrics *promclient.Metrics) *MarketFeed {
	f.metrics = metrics
	return f
}

func (f *MarketFeed) WithPublisher(publisher Publisher) *MarketFeed {
	f.publisher = publisher
	return f
}

// Run blocks until ctx is cancelled or one of the streams fails for good.
func (f *MarketFeed) Run(ctx context.Context) error {
	log := logger.WithFields(logrus.Fields{
		"provider": f.config.Provider,
		"symbol":   f.config.Symbol.String(),
	})
	log.Info("starting market feed")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.maintainer.Run(ctx)
	})
	g.Go(func() error {
		return f.runTrades(ctx)
	})
	g.Go(func() error {
		select {
		case <-f.Ready(ctx):
			log.Info("order book and trade stream are live")
		case <-ctx.Done():
		}
		return nil
	})

	err := g.Wait()
	f.board.Set(domain.Feed_Trade, domain.ConnectionStatus_Disconnected)
	f.board.Set(domain.Feed_Depth, domain.ConnectionStatus_Disconnected)
	return err
}

// Ready fires once the book has been initialized and the trade stream has
// connected for the first time.
func (f *MarketFeed) Ready(ctx context.Context) <-chan struct{} {
	return helpers.WithLatestFrom(ctx, f.bookReady, f.tradeReady)
}

// Reconnect forces both transports to reconnect.
func (f *MarketFeed) Reconnect() {
	f.maintainer.Reconnect()

	f.mu.Lock()
	reconnect := f.tradeReconnect
	f.mu.Unlock()
	if reconnect != nil {
		reconnect()
	}
}

func (f *MarketFeed) runTrades(ctx context.Context) error {
	subscription, err := f.streamAPI.TradeStream(ctx, f.config.Symbol)
	if err != nil {
		return fmt.Errorf("subscribe to trade stream: %w", err)
	}
	defer subscription.Unsubscribe()

	f.mu.Lock()
	f.tradeReconnect = subscription.Reconnect
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.tradeReconnect = nil
		f.mu.Unlock()
	}()

	logger.Debugf("subscribed to trade stream %s", subscription.Topic)

	statuses := subscription.Status
	for {
		select {
		case <-ctx.Done():
			return nil

		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			f.setStatus(domain.Feed_Trade, status)
			if status == domain.ConnectionStatus_Connected {
				f.tradeReadyOnce.Do(func() { close(f.tradeReady) })
			}

		case trade, ok := <-subscription.Stream:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrTradeStreamClosed
			}
			f.handleTrade(trade)
		}
	}
}

func (f *MarketFeed) handleTrade(trade *domain.Trade) {
	f.observeLatency(domain.Feed_Trade, trade.Timestamp)

	f.candlesMu.Lock()
	sealed := f.candles.AddTrade(trade)
	f.candlesMu.Unlock()

	if f.metrics != nil {
		f.metrics.Trades.Inc()
	}
	if sealed == nil {
		return
	}

	logger.WithFields(logrus.Fields{
		"bucket": sealed.BucketStart,
		"close":  sealed.Close.String(),
	}).Debug("candle sealed")

	if f.metrics != nil {
		f.metrics.SealedCandles.Inc()
	}
	if f.publisher != nil {
		f.publisher.PublishCandle(*sealed)
	}
}

func (f *MarketFeed) setStatus(feed domain.Feed, status domain.ConnectionStatus) {
	f.board.Set(feed, status)
	if f.metrics != nil {
		f.metrics.SetConnectionStatus(feed, status)
	}
	logger.WithField("feed", feed).Infof("transport %s", status)
}

// observeLatency records arrival time minus the exchange event time in ms.
func (f *MarketFeed) observeLatency(feed domain.Feed, eventTime int64) {
	if eventTime <= 0 {
		return
	}
	latency := f.now().Sub(time.UnixMilli(eventTime))
	f.board.SetLatency(feed, latency)
	if f.metrics != nil {
		f.metrics.ObserveLatency(feed, latency)
	}
}

// bookObserver runs on the maintainer goroutine.
type bookObserver struct {
	feed *MarketFeed
}

func (o *bookObserver) OnSnapshot(ob *domain.OrderBook) {
	o.feed.bookReadyOnce.Do(func() { close(o.feed.bookReady) })
	o.publishBook(ob)
}

func (o *bookObserver) OnUpdate(ob *domain.OrderBook, update *domain.OrderBookUpdate, err error) {
	metrics := o.feed.metrics

	switch {
	case err == nil:
		o.feed.observeLatency(domain.Feed_Depth, update.EventTime)
		if metrics != nil {
			metrics.DepthUpdates.WithLabelValues(promclient.ResultApplied).Inc()
			if ob.IsCrossed() {
				metrics.CrossedBooks.Inc()
			}
		}
		o.publishBook(ob)
	case metrics == nil:
	case errors.Is(err, domain.ErrOrderBookUpdateIsOutdated):
		metrics.DepthUpdates.WithLabelValues(promclient.ResultOutdated).Inc()
	case errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence):
		metrics.DepthUpdates.WithLabelValues(promclient.ResultGap).Inc()
	default:
		metrics.DepthUpdates.WithLabelValues(promclient.ResultMalformed).Inc()
	}
}

func (o *bookObserver) OnResync(ob *domain.OrderBook) {
	if o.feed.metrics != nil {
		o.feed.metrics.Resyncs.Inc()
		o.feed.metrics.ObserveBook(ob)
	}
}

func (o *bookObserver) OnStatus(status domain.ConnectionStatus) {
	o.feed.setStatus(domain.Feed_Depth, status)
}

func (o *bookObserver) publishBook(ob *domain.OrderBook) {
	if o.feed.metrics != nil {
		o.feed.metrics.ObserveBook(ob)
	}
	if o.feed.publisher != nil {
		o.feed.publisher.PublishTopOfBook(ob.TopOfBook())
	}
}
