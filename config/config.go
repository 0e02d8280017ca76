// Package config loads the bridge configuration from a TOML file, a .env file
// and MARKETFEED_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spooky-finn/go-marketfeed/domain"
)

const (
	ProviderBinance = "binance"
	ProviderKucoin  = "kucoin"
)

var AvailableProviders = []string{ProviderBinance, ProviderKucoin}

type Config struct {
	Provider string `toml:"provider"`
	// Symbol uses the base_quote form, e.g. btc_usdt.
	Symbol   string `toml:"symbol"`
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
	Debug    bool   `toml:"debug"`

	Binance BinanceConfig `toml:"binance"`
	Kucoin  KucoinConfig  `toml:"kucoin"`
	Stream  StreamConfig  `toml:"stream"`
	Book    BookConfig    `toml:"book"`
	Candles CandlesConfig `toml:"candles"`
	HTTP    HTTPConfig    `toml:"http"`
	GRPC    GRPCConfig    `toml:"grpc"`
	Redis   RedisConfig   `toml:"redis"`
}

type BinanceConfig struct {
	RestEndpoint      string   `toml:"rest_endpoint"`
	StreamEndpoint    string   `toml:"stream_endpoint"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

type KucoinConfig struct {
	RestEndpoint string   `toml:"rest_endpoint"`
	ApiKey       string   `toml:"api_key"`
	Secret       string   `toml:"secret"`
	Passphrase   string   `toml:"passphrase"`
	PingInterval Duration `toml:"ping_interval"`
}

type StreamConfig struct {
	MinReconnectDelay Duration `toml:"min_reconnect_delay"`
	MaxReconnectDelay Duration `toml:"max_reconnect_delay"`
	JitterFactor      float64  `toml:"jitter_factor"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	// ReadTimeout closes a connection that has been silent for that long. Zero disables it.
	ReadTimeout Duration `toml:"read_timeout"`
}

type BookConfig struct {
	SnapshotLimit      int      `toml:"snapshot_limit"`
	SnapshotRetryDelay Duration `toml:"snapshot_retry_delay"`
	MaxBufferedUpdates int      `toml:"max_buffered_updates"`
	// ViewDepth is the default number of levels the read APIs return.
	ViewDepth    int `toml:"view_depth"`
	MaxViewDepth int `toml:"max_view_depth"`
}

type CandlesConfig struct {
	Interval   Duration `toml:"interval"`
	MaxCandles int      `toml:"max_candles"`
}

type HTTPConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// MetricsAddr serves /metrics alone when the HTTP API is disabled.
	MetricsAddr string `toml:"metrics_addr"`
}

type GRPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Duration decodes TOML strings such as "5s" or "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Provider: ProviderBinance,
		Symbol:   "btc_usdt",
		LogLevel: "info",
		Binance: BinanceConfig{
			RestEndpoint:      "https://api.binance.com",
			StreamEndpoint:    "wss://stream.binance.com:9443/ws",
			RequestTimeout:    Duration{10 * time.Second},
			RequestsPerSecond: 5,
		},
		Kucoin: KucoinConfig{
			RestEndpoint: "https://api.kucoin.com",
			PingInterval: Duration{18 * time.Second},
		},
		Stream: StreamConfig{
			MinReconnectDelay: Duration{time.Second},
			MaxReconnectDelay: Duration{8 * time.Second},
			JitterFactor:      0.2,
			HandshakeTimeout:  Duration{5 * time.Second},
		},
		Book: BookConfig{
			SnapshotLimit:      domain.DefaultSnapshotLimit,
			SnapshotRetryDelay: Duration{domain.DefaultSnapshotRetryDelay},
			MaxBufferedUpdates: domain.DefaultMaxBufferedUpdates,
			ViewDepth:          20,
			MaxViewDepth:       500,
		},
		Candles: CandlesConfig{
			Interval:   Duration{domain.DefaultCandleInterval},
			MaxCandles: domain.DefaultMaxCandles,
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			MetricsAddr:    ":9100",
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Addr:    ":50051",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

func (c *Config) MarketSymbol() (*domain.MarketSymbol, error) {
	return domain.NewMarketSymbolFromString(c.Symbol)
}

func (c *Config) Validate() error {
	if !isAvailableProvider(c.Provider) {
		return fmt.Errorf("provider %q is not supported, use one of %v", c.Provider, AvailableProviders)
	}
	if _, err := c.MarketSymbol(); err != nil {
		return fmt.Errorf("symbol: %w", err)
	}
	if c.Stream.MinReconnectDelay.Duration <= 0 || c.Stream.MaxReconnectDelay.Duration < c.Stream.MinReconnectDelay.Duration {
		return fmt.Errorf("stream: reconnect delays must satisfy 0 < min <= max")
	}
	if c.Stream.JitterFactor < 0 || c.Stream.JitterFactor >= 1 {
		return fmt.Errorf("stream: jitter_factor must be in [0, 1)")
	}
	if c.Book.ViewDepth <= 0 || c.Book.MaxViewDepth < c.Book.ViewDepth {
		return fmt.Errorf("book: view depths must satisfy 0 < view_depth <= max_view_depth")
	}
	return nil
}

func isAvailableProvider(provider string) bool {
	for _, p := range AvailableProviders {
		if p == provider {
			return true
		}
	}
	return false
}
