package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/provider/stream"
)

const (
	DefaultPingInterval = 18 * time.Second

	messageTypeWelcome = "welcome"
	messageTypeAck     = "ack"
	messageTypePong    = "pong"
	messageTypeError   = "error"
	messageTypeMessage = "message"
)

type WsTokenProvider interface {
	WsConnOpts(ctx context.Context) (*kucoin.WebSocketTokenModel, error)
}

type StreamConfig struct {
	Backoff          *stream.Backoff
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

type KucoinStreamAPI struct {
	tokens WsTokenProvider
	config StreamConfig
}

// DownstreamMessage is the envelope of every frame the server pushes.
type DownstreamMessage struct {
	Id      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type DepthUpdateModel struct {
	Changes       OrderBookChanges `json:"changes"`
	SequenceEnd   uint64           `json:"sequenceEnd"`
	SequenceStart uint64           `json:"sequenceStart"`
	Symbol        string           `json:"symbol"`
	Time          int64            `json:"time"`
}

type OrderBookChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type MatchModel struct {
	Sequence string `json:"sequence"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	TradeId  string `json:"tradeId"`
	// nanoseconds
	Time string `json:"time"`
}

func NewKucoinStreamAPI(tokens WsTokenProvider, config StreamConfig) *KucoinStreamAPI {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}

	return &KucoinStreamAPI{
		tokens: tokens,
		config: config,
	}
}

func (s *KucoinStreamAPI) TradeStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.Trade], error) {
	topic := fmt.Sprintf("/market/match:%s", symbol.Upper("-"))
	return stream.Subscribe(ctx, s.newClient(topic), topic, DecodeMatch)
}

func (s *KucoinStreamAPI) DepthDiffStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	topic := fmt.Sprintf("/market/level2:%s", symbol.Upper("-"))
	return stream.Subscribe(ctx, s.newClient(topic), topic, DecodeDepthUpdate)
}

func (s *KucoinStreamAPI) newClient(topic string) *stream.Client {
	return stream.NewClient(stream.Options{
		Name: "kucoin:" + topic,
		URL:  s.resolveEndpoint,
		OnConnect: func(ctx context.Context, conn *stream.Conn) error {
			return conn.WriteJSON(kucoin.NewSubscribeMessage(topic, false))
		},
		Ping: func(conn *stream.Conn) error {
			return conn.WriteJSON(kucoin.NewPingMessage())
		},
		PingInterval:     s.config.PingInterval,
		Backoff:          s.config.Backoff,
		HandshakeTimeout: s.config.HandshakeTimeout,
		ReadTimeout:      s.config.ReadTimeout,
	})
}

func (s *KucoinStreamAPI) resolveEndpoint(ctx context.Context) (string, error) {
	opts, err := s.tokens.WsConnOpts(ctx)
	if err != nil {
		return "", err
	}

	server, err := opts.Servers.RandomServer()
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("token", opts.Token)
	query.Set("connectId", uuid.NewString())

	return server.Endpoint + "?" + query.Encode(), nil
}

// unwrap returns the data of a "message" frame. Control frames are skipped.
func unwrap(msg []byte) (*DownstreamMessage, error) {
	m := &DownstreamMessage{}
	if err := json.Unmarshal(msg, m); err != nil {
		return nil, err
	}

	switch m.Type {
	case messageTypeMessage:
		return m, nil
	case messageTypeWelcome, messageTypeAck, messageTypePong:
		return nil, stream.ErrSkipMessage
	case messageTypeError:
		return nil, fmt.Errorf("server error: %s", m.Data)
	default:
		return nil, fmt.Errorf("unexpected message type %q", m.Type)
	}
}

func DecodeDepthUpdate(msg []byte) (*domain.OrderBookUpdate, error) {
	m, err := unwrap(msg)
	if err != nil {
		return nil, err
	}

	data := &DepthUpdateModel{}
	if err := json.Unmarshal(m.Data, data); err != nil {
		return nil, err
	}
	if data.SequenceStart > data.SequenceEnd {
		return nil, fmt.Errorf("update range %d-%d is reversed", data.SequenceStart, data.SequenceEnd)
	}

	update := domain.NewOrderBookUpdate(data.Changes.Bids, data.Changes.Asks, data.SequenceStart, data.SequenceEnd)
	update.EventTime = data.Time
	return update, nil
}

func DecodeMatch(msg []byte) (*domain.Trade, error) {
	m, err := unwrap(msg)
	if err != nil {
		return nil, err
	}

	data := &MatchModel{}
	if err := json.Unmarshal(m.Data, data); err != nil {
		return nil, err
	}

	ns, err := strconv.ParseInt(data.Time, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("match time %q: %w", data.Time, err)
	}
	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return nil, fmt.Errorf("match price %q: %w", data.Price, err)
	}
	size, err := decimal.NewFromString(data.Size)
	if err != nil {
		return nil, fmt.Errorf("match size %q: %w", data.Size, err)
	}

	return &domain.Trade{
		Timestamp: time.Duration(ns).Milliseconds(),
		Price:     price,
		Quantity:  size,
	}, nil
}
