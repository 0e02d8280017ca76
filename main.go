package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/config"
	"github.com/spooky-finn/go-marketfeed/httpapi"
	promclient "github.com/spooky-finn/go-marketfeed/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketfeed/infrastructure/redis"
	"github.com/spooky-finn/go-marketfeed/provider"
	"github.com/spooky-finn/go-marketfeed/provider/binance"
	"github.com/spooky-finn/go-marketfeed/provider/kucoin"
	"github.com/spooky-finn/go-marketfeed/provider/stream"
	"github.com/spooky-finn/go-marketfeed/rpc"
	"github.com/spooky-finn/go-marketfeed/usecase"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).WithField("path", *configPath).Fatal("failed to load config")
	}
	if err := config.SetupLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("failed to setup logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Error("market feed stopped")
		os.Exit(1)
	}
	logrus.Info("market feed stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	symbol, err := cfg.MarketSymbol()
	if err != nil {
		return err
	}

	backoff := stream.NewBackoff(cfg.Stream.MinReconnectDelay.Duration, cfg.Stream.MaxReconnectDelay.Duration, cfg.Stream.JitterFactor)
	connManager := provider.NewConnectionManager(provider.Config{
		BinanceSync: binance.SyncConfig{
			Endpoint:          cfg.Binance.RestEndpoint,
			Timeout:           cfg.Binance.RequestTimeout.Duration,
			RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		},
		BinanceStream: binance.StreamConfig{
			Endpoint:         cfg.Binance.StreamEndpoint,
			Backoff:          backoff,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout.Duration,
			ReadTimeout:      cfg.Stream.ReadTimeout.Duration,
		},
		KucoinSync: kucoin.SyncConfig{
			Endpoint:   cfg.Kucoin.RestEndpoint,
			ApiKey:     cfg.Kucoin.ApiKey,
			Secret:     cfg.Kucoin.Secret,
			Passphrase: cfg.Kucoin.Passphrase,
		},
		KucoinStream: kucoin.StreamConfig{
			Backoff:          backoff,
			PingInterval:     cfg.Kucoin.PingInterval.Duration,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout.Duration,
			ReadTimeout:      cfg.Stream.ReadTimeout.Duration,
		},
	})

	feed, err := usecase.NewMarketFeed(connManager, usecase.FeedConfig{
		Provider:           cfg.Provider,
		Symbol:             symbol,
		SnapshotLimit:      cfg.Book.SnapshotLimit,
		SnapshotRetryDelay: cfg.Book.SnapshotRetryDelay.Duration,
		MaxBufferedUpdates: cfg.Book.MaxBufferedUpdates,
		CandleInterval:     cfg.Candles.Interval.Duration,
		MaxCandles:         cfg.Candles.MaxCandles,
	})
	if err != nil {
		return err
	}

	metrics := promclient.NewMetrics()
	feed.WithMetrics(metrics)

	var publisher *redis.Publisher
	if cfg.Redis.Enabled {
		rdb, err := redis.Connect(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		publisher = redis.NewPublisher(rdb, symbol)
		defer publisher.Close()
		feed.WithPublisher(publisher)
	}

	snapshots, err := usecase.NewOrderBookSnapshotUseCase(connManager, feed)
	if err != nil {
		return err
	}
	validation := usecase.NewValidationService(&usecase.ValidationServiceConfig{
		DefaultDepth: cfg.Book.ViewDepth,
		MaxDepth:     cfg.Book.MaxViewDepth,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(ctx)
	})

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(feed, snapshots, validation, httpapi.Options{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Metrics:        metrics.Handler(),
		})
		g.Go(func() error {
			return api.ListenAndServe(ctx, cfg.HTTP.Addr)
		})
	} else if cfg.HTTP.MetricsAddr != "" {
		g.Go(func() error {
			return promclient.StartPromClientServer(ctx, cfg.HTTP.MetricsAddr, metrics)
		})
	}

	if cfg.GRPC.Enabled {
		g.Go(func() error {
			return rpc.ListenAndServe(ctx, cfg.GRPC.Addr, rpc.NewServer(feed, snapshots, validation))
		})
	}

	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
