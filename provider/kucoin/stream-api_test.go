package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/provider/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	endpoint string
	err      error
}

func (f *fakeTokens) WsConnOpts(ctx context.Context) (*kucoin.WebSocketTokenModel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &kucoin.WebSocketTokenModel{
		Token: "public-token",
		Servers: kucoin.WebSocketServersModel{
			&kucoin.WebSocketServerModel{Endpoint: f.endpoint, Protocol: "websocket"},
		},
	}, nil
}

func TestDecodeDepthUpdate(t *testing.T) {
	msg := []byte(`{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"changes":{"asks":[["18906","0.00331","14103845"]],"bids":[]},"sequenceEnd":14103845,"sequenceStart":14103844,"symbol":"BTC-USDT","time":1663747970273}}`)

	update, err := DecodeDepthUpdate(msg)
	require.NoError(t, err)

	assert.Equal(t, uint64(14103844), update.FirstUpdateID)
	assert.Equal(t, uint64(14103845), update.LastUpdateID)
	assert.Equal(t, int64(1663747970273), update.EventTime)
	assert.Equal(t, [][]string{{"18906", "0.00331", "14103845"}}, update.Asks)
	assert.Empty(t, update.Bids)
}

func TestDecodeMatch(t *testing.T) {
	msg := []byte(`{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"sequence":"1545896669145","symbol":"BTC-USDT","side":"buy","size":"0.01022222","price":"0.08200000","tradeId":"5c24c5da03aa673885cd67aa","time":"1545913818099033203"}}`)

	trade, err := DecodeMatch(msg)
	require.NoError(t, err)

	assert.Equal(t, int64(1545913818099), trade.Timestamp, "nanoseconds are truncated to milliseconds")
	assert.Equal(t, "0.082", trade.Price.String())
	assert.Equal(t, "0.01022222", trade.Quantity.String())
}

func TestDecode_ControlFrames(t *testing.T) {
	for _, msg := range []string{
		`{"id":"hQvf8jkno","type":"welcome"}`,
		`{"id":"1545910590801","type":"ack"}`,
		`{"id":"1545910590801","type":"pong"}`,
	} {
		_, err := DecodeDepthUpdate([]byte(msg))
		assert.ErrorIs(t, err, stream.ErrSkipMessage, msg)

		_, err = DecodeMatch([]byte(msg))
		assert.ErrorIs(t, err, stream.ErrSkipMessage, msg)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{name: "server error", msg: `{"id":"1","type":"error","data":"topic not found"}`},
		{name: "unknown type", msg: `{"type":"notice"}`},
		{name: "not json", msg: `level2`},
		{name: "reversed range", msg: `{"type":"message","data":{"changes":{"asks":[],"bids":[]},"sequenceStart":10,"sequenceEnd":9}}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			update, err := DecodeDepthUpdate([]byte(test.msg))
			assert.Nil(t, update)
			require.Error(t, err)
			assert.NotErrorIs(t, err, stream.ErrSkipMessage)
		})
	}

	_, err := DecodeMatch([]byte(`{"type":"message","data":{"price":"1","size":"1","time":"soon"}}`))
	assert.Error(t, err)
}

func TestResolveEndpoint(t *testing.T) {
	api := NewKucoinStreamAPI(&fakeTokens{endpoint: "wss://ws-api-spot.kucoin.com/"}, StreamConfig{})

	first, err := api.resolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "wss://ws-api-spot.kucoin.com/?"))
	assert.Contains(t, first, "token=public-token")
	assert.Contains(t, first, "connectId=")

	second, err := api.resolveEndpoint(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "every connection gets its own connect id")

	failing := NewKucoinStreamAPI(&fakeTokens{err: errors.New("token denied")}, StreamConfig{})
	_, err = failing.resolveEndpoint(context.Background())
	assert.Error(t, err)
}

func TestKucoinStreamAPI_SubscribeAndPing(t *testing.T) {
	frames := make(chan map[string]interface{}, 8)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "public-token", r.URL.Query().Get("token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"welcome-1","type":"welcome"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			frame := map[string]interface{}{}
			if json.Unmarshal(msg, &frame) != nil {
				continue
			}
			select {
			case frames <- frame:
			default:
			}

			if frame["type"] == "subscribe" {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","type":"ack"}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"price":"100","size":"2","time":"60000000000"}}`))
			}
		}
	}))
	defer server.Close()

	api := NewKucoinStreamAPI(
		&fakeTokens{endpoint: "ws" + strings.TrimPrefix(server.URL, "http")},
		StreamConfig{
			PingInterval: 20 * time.Millisecond,
			Backoff:      stream.NewBackoff(10*time.Millisecond, 20*time.Millisecond, 0),
		},
	)
	symbol, _ := domain.NewMarketSymbol("btc", "usdt")

	sub, err := api.TradeStream(context.Background(), symbol)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, "/market/match:BTC-USDT", sub.Topic)

	select {
	case frame := <-frames:
		assert.Equal(t, "subscribe", frame["type"])
		assert.Equal(t, "/market/match:BTC-USDT", frame["topic"])
		assert.Equal(t, false, frame["privateChannel"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe frame")
	}

	select {
	case trade := <-sub.Stream:
		assert.Equal(t, int64(60000), trade.Timestamp)
		assert.Equal(t, "100", trade.Price.String())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade")
	}

	select {
	case frame := <-frames:
		assert.Equal(t, "ping", frame["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping frame")
	}
}
