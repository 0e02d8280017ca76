// Package redis publishes the top of book and sealed candles to Redis so other
// services can read them without connecting to the exchange.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/helpers"
)

var logger = logrus.WithField("component", "redis")

const (
	defaultQueueSize = 1024
	writeTimeout     = 2 * time.Second
)

type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a client and pings it.
func Connect(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func BBOKey(symbol *domain.MarketSymbol) string {
	return "marketfeed:" + symbol.String() + ":bbo"
}

func CandlesChannel(symbol *domain.MarketSymbol) string {
	return "marketfeed:" + symbol.String() + ":candles"
}

type event struct {
	tob    *domain.TopOfBook
	candle *domain.Candle
}

// Publisher queues events from the feed goroutines and writes them from Run.
// When Redis is slower than the feed the newest events are dropped.
type Publisher struct {
	rdb    *redis.Client
	symbol *domain.MarketSymbol
	events chan event
}

func NewPublisher(rdb *redis.Client, symbol *domain.MarketSymbol) *Publisher {
	return &Publisher{
		rdb:    rdb,
		symbol: symbol,
		events: make(chan event, defaultQueueSize),
	}
}

func (p *Publisher) PublishTopOfBook(tob domain.TopOfBook) {
	p.enqueue(event{tob: &tob})
}

func (p *Publisher) PublishCandle(candle domain.Candle) {
	p.enqueue(event{candle: &candle})
}

func (p *Publisher) enqueue(e event) {
	select {
	case p.events <- e:
	default:
		logger.Warn("publish queue is full, dropping event")
	}
}

// Run writes queued events until ctx is done. Write errors are logged and the
// event is dropped.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.events:
			var err error
			if e.tob != nil {
				err = p.writeTopOfBook(ctx, *e.tob)
			} else {
				err = p.writeCandle(ctx, *e.candle)
			}
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("redis write failed")
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

func (p *Publisher) writeTopOfBook(ctx context.Context, tob domain.TopOfBook) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	key := BBOKey(p.symbol)
	if err := p.rdb.HSet(ctx, key, TopOfBookFields(tob)).Err(); err != nil {
		return fmt.Errorf("redis: set bbo %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) writeCandle(ctx context.Context, candle domain.Candle) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	channel := CandlesChannel(p.symbol)
	if err := p.rdb.Publish(ctx, channel, helpers.ToJsonString(candle)).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// TopOfBookFields flattens the top of book into hash fields. Missing sides are
// written as empty strings so stale values never survive a one-sided book.
func TopOfBookFields(tob domain.TopOfBook) map[string]interface{} {
	fields := map[string]interface{}{
		"bid":          "",
		"bidSize":      "",
		"ask":          "",
		"askSize":      "",
		"spread":       tob.Spread.String(),
		"mid":          tob.MidPrice.String(),
		"crossed":      fmt.Sprint(tob.Crossed),
		"lastUpdateId": fmt.Sprint(tob.LastUpdateID),
		"ts":           helpers.IntToString(tob.UpdatedAt),
	}
	if tob.BestBid != nil {
		fields["bid"] = tob.BestBid.Price.String()
		fields["bidSize"] = tob.BestBid.Size.String()
	}
	if tob.BestAsk != nil {
		fields["ask"] = tob.BestAsk.Price.String()
		fields["askSize"] = tob.BestAsk.Size.String()
	}
	return fields
}
