package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "MARKETFEED_"

// Load merges the TOML file at path over the defaults and applies environment
// overrides. A missing file is not an error, the defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Provider, "PROVIDER")
	setStr(&cfg.Symbol, "SYMBOL")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setBool(&cfg.LogJSON, "LOG_JSON")
	setBool(&cfg.Debug, "DEBUG")

	setStr(&cfg.Binance.RestEndpoint, "BINANCE_REST_ENDPOINT")
	setStr(&cfg.Binance.StreamEndpoint, "BINANCE_STREAM_ENDPOINT")
	setDuration(&cfg.Binance.RequestTimeout, "BINANCE_REQUEST_TIMEOUT")
	setFloat64(&cfg.Binance.RequestsPerSecond, "BINANCE_REQUESTS_PER_SECOND")

	setStr(&cfg.Kucoin.RestEndpoint, "KUCOIN_REST_ENDPOINT")
	setStr(&cfg.Kucoin.ApiKey, "KUCOIN_API_KEY")
	setStr(&cfg.Kucoin.Secret, "KUCOIN_SECRET")
	setStr(&cfg.Kucoin.Passphrase, "KUCOIN_PASSPHRASE")
	setDuration(&cfg.Kucoin.PingInterval, "KUCOIN_PING_INTERVAL")

	setDuration(&cfg.Stream.MinReconnectDelay, "STREAM_MIN_RECONNECT_DELAY")
	setDuration(&cfg.Stream.MaxReconnectDelay, "STREAM_MAX_RECONNECT_DELAY")
	setFloat64(&cfg.Stream.JitterFactor, "STREAM_JITTER_FACTOR")
	setDuration(&cfg.Stream.HandshakeTimeout, "STREAM_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Stream.ReadTimeout, "STREAM_READ_TIMEOUT")

	setInt(&cfg.Book.SnapshotLimit, "BOOK_SNAPSHOT_LIMIT")
	setDuration(&cfg.Book.SnapshotRetryDelay, "BOOK_SNAPSHOT_RETRY_DELAY")
	setInt(&cfg.Book.MaxBufferedUpdates, "BOOK_MAX_BUFFERED_UPDATES")
	setInt(&cfg.Book.ViewDepth, "BOOK_VIEW_DEPTH")
	setInt(&cfg.Book.MaxViewDepth, "BOOK_MAX_VIEW_DEPTH")

	setDuration(&cfg.Candles.Interval, "CANDLES_INTERVAL")
	setInt(&cfg.Candles.MaxCandles, "CANDLES_MAX_CANDLES")

	setBool(&cfg.HTTP.Enabled, "HTTP_ENABLED")
	setStr(&cfg.HTTP.Addr, "HTTP_ADDR")
	setStringSlice(&cfg.HTTP.AllowedOrigins, "HTTP_ALLOWED_ORIGINS")
	setStr(&cfg.HTTP.MetricsAddr, "HTTP_METRICS_ADDR")

	setBool(&cfg.GRPC.Enabled, "GRPC_ENABLED")
	setStr(&cfg.GRPC.Addr, "GRPC_ADDR")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
}

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}

	cleaned := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
