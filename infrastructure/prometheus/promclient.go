package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
)

var logger = logrus.WithField("component", "promclient")

const namespace = "marketfeed"

// Depth update outcomes used as the "result" label.
const (
	ResultApplied   = "applied"
	ResultOutdated  = "outdated"
	ResultGap       = "gap"
	ResultMalformed = "malformed"
)

var publicStatuses = []domain.ConnectionStatus{
	domain.ConnectionStatus_Connecting,
	domain.ConnectionStatus_Connected,
	domain.ConnectionStatus_Reconnecting,
	domain.ConnectionStatus_Disconnected,
}

// Metrics owns its registry so several feeds (and tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	OpenOrderBook    *prometheus.GaugeVec
	ConnectionStatus *prometheus.GaugeVec
	BookDepth        *prometheus.GaugeVec
	LastUpdateID     prometheus.Gauge
	DepthUpdates     *prometheus.CounterVec
	CrossedBooks     prometheus.Counter
	Resyncs          prometheus.Counter
	Reconnects       *prometheus.CounterVec
	Trades           prometheus.Counter
	SealedCandles    prometheus.Counter
	Latency          *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		OpenOrderBook: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_order_book",
			Help:      "1 while the local order book of the provider is ready",
		}, []string{"provider", "symbol"}),
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current status of each feed",
		}, []string{"feed", "status"}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_depth_levels",
			Help:      "number of price levels per side",
		}, []string{"side"}),
		LastUpdateID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_last_update_id",
			Help:      "last update id applied to the book",
		}),
		DepthUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "depth_updates_total",
			Help:      "depth updates by outcome",
		}, []string{"result"}),
		CrossedBooks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crossed_book_total",
			Help:      "updates after which best bid >= best ask",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_resync_total",
			Help:      "snapshot refetches caused by a sequence gap",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "transitions to reconnecting per feed",
		}, []string{"feed"}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "trades aggregated into candles",
		}),
		SealedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_sealed_total",
			Help:      "candles closed by a trade in a later bucket",
		}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_latency_seconds",
			Help:      "arrival time minus exchange event time",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"feed"}),
	}

	m.Registry.MustRegister(
		m.OpenOrderBook,
		m.ConnectionStatus,
		m.BookDepth,
		m.LastUpdateID,
		m.DepthUpdates,
		m.CrossedBooks,
		m.Resyncs,
		m.Reconnects,
		m.Trades,
		m.SealedCandles,
		m.Latency,
		collectors.NewGoCollector(),
	)
	return m
}

// SetConnectionStatus flips the status gauges of the feed so only the current one is 1.
func (m *Metrics) SetConnectionStatus(feed domain.Feed, status domain.ConnectionStatus) {
	for _, s := range publicStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.ConnectionStatus.WithLabelValues(string(feed), string(s)).Set(value)
	}
	if status == domain.ConnectionStatus_Reconnecting {
		m.Reconnects.WithLabelValues(string(feed)).Inc()
	}
}

func (m *Metrics) ObserveBook(ob *domain.OrderBook) {
	m.BookDepth.WithLabelValues(domain.Bid.String()).Set(float64(ob.Bids.Len()))
	m.BookDepth.WithLabelValues(domain.Ask.String()).Set(float64(ob.Asks.Len()))
	m.LastUpdateID.Set(float64(ob.LastUpdateID))

	ready := 0.0
	if ob.IsReady() {
		ready = 1
	}
	m.OpenOrderBook.WithLabelValues(ob.Provider, ob.Symbol.String()).Set(ready)
}

func (m *Metrics) ObserveLatency(feed domain.Feed, latency time.Duration) {
	if latency < 0 {
		return
	}
	m.Latency.WithLabelValues(string(feed)).Observe(latency.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// StartPromClientServer serves /metrics on its own address until ctx is done.
// Used when the HTTP API is disabled.
func StartPromClientServer(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Infof("prometheus server listening at %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
