package kucoin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
)

var logger = logrus.WithField("component", "kucoin")

const DefaultRestEndpoint = "https://api.kucoin.com"

type SyncConfig struct {
	Endpoint   string
	ApiKey     string
	Secret     string
	Passphrase string
}

type KucoinSyncAPI struct {
	apiService *kucoin.ApiService
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

func NewKucoinSyncAPI(config SyncConfig) *KucoinSyncAPI {
	if config.Endpoint == "" {
		config.Endpoint = DefaultRestEndpoint
	}

	return &KucoinSyncAPI{
		apiService: kucoin.NewApiService(
			kucoin.ApiBaseURIOption(config.Endpoint),
			kucoin.ApiKeyOption(config.ApiKey),
			kucoin.ApiSecretOption(config.Secret),
			kucoin.ApiPassPhraseOption(config.Passphrase),
		),
	}
}

// WsConnOpts requests a public websocket token. Tokens are single use per
// connection, so it is called before every dial.
func (api *KucoinSyncAPI) WsConnOpts(ctx context.Context) (*kucoin.WebSocketTokenModel, error) {
	resp, err := withContext(ctx, api.apiService.WebSocketPublicToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get ws connection options: %w", err)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err = resp.ReadData(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, resp.Message)
	}
	if len(data.Servers) == 0 {
		return nil, fmt.Errorf("no instance servers in ws token response")
	}

	return data, nil
}

// OrderBookSnapshot uses the public aggregated part order book, which comes in
// depths of 20 and 100.
func (api *KucoinSyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	depth := int64(100)
	if limit > 0 && limit <= 20 {
		depth = 20
	}

	s := symbol.Upper("-")
	resp, err := withContext(ctx, func() (*kucoin.ApiResponse, error) {
		return api.apiService.AggregatedPartOrderBook(s, depth)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}

	data := &OrderBookSnapshot{}
	if err = resp.ReadData(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, resp.RawData)
	}

	lastUpdId, err := strconv.ParseUint(data.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sequence to int: %w, response: %s", err, resp.RawData)
	}

	logger.WithField("sequence", lastUpdId).Debugf("fetched %s depth snapshot", s)

	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: lastUpdId,
		Bids:         limitLevels(data.Bids, limit),
		Asks:         limitLevels(data.Asks, limit),
	}, nil
}

func limitLevels(levels [][]string, limit int) [][]string {
	if limit > 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}

// withContext runs a blocking SDK call and gives up when ctx is done.
func withContext(ctx context.Context, call func() (*kucoin.ApiResponse, error)) (*kucoin.ApiResponse, error) {
	type result struct {
		resp *kucoin.ApiResponse
		err  error
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		resp, err := call()
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
