package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/provider/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTrade(t *testing.T) {
	msg := []byte(`{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"16500.10","q":"0.0015","T":1672515782134,"m":true}`)

	trade, err := DecodeTrade(msg)
	require.NoError(t, err)

	assert.Equal(t, int64(1672515782136), trade.Timestamp, "event time is the trade timestamp")
	assert.Equal(t, "16500.1", trade.Price.String())
	assert.Equal(t, "0.0015", trade.Quantity.String())
}

func TestDecodeTrade_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		skip bool
	}{
		{name: "subscription response", msg: `{"result":null,"id":1}`, skip: true},
		{name: "not json", msg: `trade`},
		{name: "empty object", msg: `{}`},
		{name: "no event type", msg: `{"E":1,"p":"1","q":"1"}`},
		{name: "wrong event", msg: `{"e":"aggTrade","E":1,"p":"1","q":"1"}`},
		{name: "bad price", msg: `{"e":"trade","E":1,"p":"abc","q":"1"}`},
		{name: "bad quantity", msg: `{"e":"trade","E":1,"p":"1","q":""}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			trade, err := DecodeTrade([]byte(test.msg))
			assert.Nil(t, trade)
			require.Error(t, err)
			assert.Equal(t, test.skip, err == stream.ErrSkipMessage)
		})
	}
}

func TestDecodeDepthUpdate(t *testing.T) {
	msg := []byte(`{"e":"depthUpdate","E":1672515782136,"s":"BTCUSDT","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","0"]]}`)

	update, err := DecodeDepthUpdate(msg)
	require.NoError(t, err)

	assert.Equal(t, uint64(157), update.FirstUpdateID)
	assert.Equal(t, uint64(160), update.LastUpdateID)
	assert.Equal(t, int64(1672515782136), update.EventTime)
	assert.Equal(t, [][]string{{"0.0024", "10"}}, update.Bids)
	assert.Equal(t, [][]string{{"0.0026", "100"}, {"0.0027", "0"}}, update.Asks)
}

func TestDecodeDepthUpdate_Errors(t *testing.T) {
	_, err := DecodeDepthUpdate([]byte(`{"result":null,"id":1}`))
	assert.ErrorIs(t, err, stream.ErrSkipMessage)

	_, err = DecodeDepthUpdate([]byte(`{"U":1,"u":2,"b":[],"a":[]}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, stream.ErrSkipMessage, "a payload without event type is malformed, not a control frame")

	_, err = DecodeDepthUpdate([]byte(`{"e":"depthUpdate","U":10,"u":9}`))
	assert.Error(t, err)

	_, err = DecodeDepthUpdate([]byte(`{"e":"depthUpdate","U":"x"}`))
	assert.Error(t, err)
}

func TestBinanceStreamAPI_TradeStream(t *testing.T) {
	paths := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":60000,"p":"100","q":"1"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	api := NewBinanceStreamAPI(StreamConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		Backoff:  stream.NewBackoff(10*time.Millisecond, 20*time.Millisecond, 0),
	})
	symbol, _ := domain.NewMarketSymbol("btc", "usdt")

	sub, err := api.TradeStream(context.Background(), symbol)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, "btcusdt@trade", sub.Topic)
	assert.Equal(t, "/ws/btcusdt@trade", <-paths)

	select {
	case trade := <-sub.Stream:
		assert.Equal(t, int64(60000), trade.Timestamp)
		assert.Equal(t, "100", trade.Price.String())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade")
	}
}

func TestBinanceStreamAPI_DepthTopic(t *testing.T) {
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	api := NewBinanceStreamAPI(StreamConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/",
		Backoff:  stream.NewBackoff(time.Hour, time.Hour, 0),
	})
	symbol, _ := domain.NewMarketSymbol("btc", "usdt")

	sub, err := api.DepthDiffStream(context.Background(), symbol)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, "btcusdt@depth@100ms", sub.Topic)
	assert.Equal(t, "/ws/btcusdt@depth@100ms", <-paths)
}
