package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/provider/stream"
)

var logger = logrus.WithField("component", "binance")

const DefaultStreamEndpoint = "wss://stream.binance.com:9443/ws"

type TradeData struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeId   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId uint64     `json:"U"`
	FinalUpdateId uint64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ResponseMessage is the reply to a SUBSCRIBE/UNSUBSCRIBE request.
type ResponseMessage struct {
	Result json.RawMessage `json:"result"`
	Id     *int64          `json:"id"`
}

type StreamConfig struct {
	Endpoint         string
	Backoff          *stream.Backoff
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

// BinanceStreamAPI opens one raw stream connection per subscription.
type BinanceStreamAPI struct {
	config StreamConfig
}

func NewBinanceStreamAPI(config StreamConfig) *BinanceStreamAPI {
	if config.Endpoint == "" {
		config.Endpoint = DefaultStreamEndpoint
	}
	config.Endpoint = strings.TrimSuffix(config.Endpoint, "/")

	return &BinanceStreamAPI{config: config}
}

func (bs *BinanceStreamAPI) TradeStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.Trade], error) {
	topic := fmt.Sprintf("%s@trade", symbol.Join(""))
	return stream.Subscribe(ctx, bs.newClient(topic), topic, DecodeTrade)
}

func (bs *BinanceStreamAPI) DepthDiffStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	topic := fmt.Sprintf("%s@depth@100ms", symbol.Join(""))
	return stream.Subscribe(ctx, bs.newClient(topic), topic, DecodeDepthUpdate)
}

func (bs *BinanceStreamAPI) newClient(topic string) *stream.Client {
	return stream.NewClient(stream.Options{
		Name:             "binance:" + topic,
		URL:              stream.StaticURL(bs.config.Endpoint + "/" + topic),
		Backoff:          bs.config.Backoff,
		HandshakeTimeout: bs.config.HandshakeTimeout,
		ReadTimeout:      bs.config.ReadTimeout,
	})
}

// missingEvent tells request responses, which are skipped, from payloads that
// lost their event type.
func missingEvent(msg []byte) error {
	var resp ResponseMessage
	if err := json.Unmarshal(msg, &resp); err == nil && resp.Id != nil {
		return stream.ErrSkipMessage
	}
	return fmt.Errorf("message has no event type: %s", msg)
}

func DecodeTrade(msg []byte) (*domain.Trade, error) {
	var data TradeData
	if err := json.Unmarshal(msg, &data); err != nil {
		return nil, err
	}
	if data.Event == "" {
		return nil, missingEvent(msg)
	}
	if data.Event != "trade" {
		return nil, fmt.Errorf("unexpected event %q", data.Event)
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return nil, fmt.Errorf("trade price %q: %w", data.Price, err)
	}
	qty, err := decimal.NewFromString(data.Quantity)
	if err != nil {
		return nil, fmt.Errorf("trade quantity %q: %w", data.Quantity, err)
	}

	return &domain.Trade{
		Timestamp: data.EventTime,
		Price:     price,
		Quantity:  qty,
	}, nil
}

func DecodeDepthUpdate(msg []byte) (*domain.OrderBookUpdate, error) {
	var data DepthUpdateData
	if err := json.Unmarshal(msg, &data); err != nil {
		return nil, err
	}
	if data.Event == "" {
		return nil, missingEvent(msg)
	}
	if data.Event != "depthUpdate" {
		return nil, fmt.Errorf("unexpected event %q", data.Event)
	}
	if data.FirstUpdateId > data.FinalUpdateId {
		return nil, fmt.Errorf("update range %d-%d is reversed", data.FirstUpdateId, data.FinalUpdateId)
	}

	update := domain.NewOrderBookUpdate(data.Bids, data.Asks, data.FirstUpdateId, data.FinalUpdateId)
	update.EventTime = data.EventTime
	return update, nil
}
