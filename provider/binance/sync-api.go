package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spooky-finn/go-marketfeed/domain"
	"golang.org/x/time/rate"
)

const (
	DefaultRestEndpoint = "https://api.binance.com"
	depthPath           = "/api/v3/depth"
	maxDepthLimit       = 5000
	defaultTimeout      = 10 * time.Second
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

type SyncConfig struct {
	Endpoint string
	Timeout  time.Duration
	// RequestsPerSecond throttles snapshot requests, the depth endpoint is weight heavy.
	RequestsPerSecond float64
}

type BinanceSyncAPI struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewBinanceSyncAPI(config SyncConfig) *BinanceSyncAPI {
	if config.Endpoint == "" {
		config.Endpoint = DefaultRestEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &BinanceSyncAPI{
		endpoint: strings.TrimSuffix(config.Endpoint, "/"),
		client:   &http.Client{Timeout: config.Timeout},
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (api *BinanceSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	if limit <= 0 || limit > maxDepthLimit {
		limit = maxDepthLimit
	}

	if err := api.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", symbol.Upper(""))
	query.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.endpoint+depthPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	res, err := api.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d: %.256s", ErrUnexpectedStatus, res.StatusCode, body)
	}

	snapshot := &domain.OrderBookSnapshot{}
	if err = json.Unmarshal(body, snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, data: %.256s", err, body)
	}
	snapshot.Source = domain.OrderBookSource_Provider

	logger.WithField("lastUpdateId", snapshot.LastUpdateId).Debugf("fetched %s depth snapshot", symbol.Upper(""))
	return snapshot, nil
}
