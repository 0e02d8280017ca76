package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(ts int64, price string, qty string) *Trade {
	return &Trade{
		Timestamp: ts,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
	}
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(expected).Equal(actual), "%s: expected %s, got %s", msg, expected, actual)
}

func TestCandleAggregator_SameBucket(t *testing.T) {
	agg := NewCandleAggregator(time.Minute, 60)

	assert.Nil(t, agg.AddTrade(trade(60000, "100", "1")))
	assert.Nil(t, agg.AddTrade(trade(61000, "102", "0.5")))
	assert.Nil(t, agg.AddTrade(trade(62000, "98", "2")))
	assert.Nil(t, agg.AddTrade(trade(63000, "101", "1")))

	c := agg.CurrentCandle()
	require.NotNil(t, c)
	assert.Equal(t, int64(60000), c.BucketStart)
	assertDecimal(t, "100", c.Open, "open")
	assertDecimal(t, "102", c.High, "high")
	assertDecimal(t, "98", c.Low, "low")
	assertDecimal(t, "101", c.Close, "close")
	assertDecimal(t, "4.5", c.Volume, "volume")
	assert.Equal(t, 0, agg.Len(), "nothing sealed yet")

	sealed := agg.AddTrade(trade(120000, "103", "1"))
	require.NotNil(t, sealed, "trade in the next bucket must seal the open candle")
	assert.Equal(t, int64(60000), sealed.BucketStart)
	assertDecimal(t, "100", sealed.Open, "sealed open")
	assertDecimal(t, "102", sealed.High, "sealed high")
	assertDecimal(t, "98", sealed.Low, "sealed low")
	assertDecimal(t, "101", sealed.Close, "sealed close")

	current := agg.CurrentCandle()
	require.NotNil(t, current)
	assert.Equal(t, int64(120000), current.BucketStart)
	assertDecimal(t, "103", current.Open, "new candle open")

	assert.Len(t, agg.Candles(), 1)
	assert.Len(t, agg.AllCandles(), 2)
}

func TestCandleAggregator_FirstTradeReturnsNil(t *testing.T) {
	agg := NewCandleAggregator(0, 0)

	assert.Nil(t, agg.AddTrade(trade(1, "1", "1")))
	require.NotNil(t, agg.CurrentCandle())
	assert.Equal(t, int64(0), agg.CurrentCandle().BucketStart)

	last, ok := agg.LastPrice()
	require.True(t, ok)
	assertDecimal(t, "1", last, "last price from the open candle")
}

func TestCandleAggregator_BucketStart(t *testing.T) {
	agg := NewCandleAggregator(time.Minute, 60)

	tests := []struct {
		ts       int64
		expected int64
	}{
		{ts: 0, expected: 0},
		{ts: 59999, expected: 0},
		{ts: 60000, expected: 60000},
		{ts: 1700000012345, expected: 1699999980000},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, agg.bucketStart(test.ts), "ts %d", test.ts)
		assert.Zero(t, agg.bucketStart(test.ts)%60000)
	}
}

func TestCandleAggregator_HistoryEviction(t *testing.T) {
	agg := NewCandleAggregator(time.Minute, 60)

	for i := 1; i <= 65; i++ {
		agg.AddTrade(trade(int64(i)*60000, decimal.NewFromInt(int64(i)).String(), "1"))
	}

	history := agg.Candles()
	assert.Len(t, history, 60)
	// 64 sealed, the first 4 evicted; the 65th trade is still open.
	assertDecimal(t, "5", history[0].Open, "oldest candle after eviction")
	assertDecimal(t, "64", history[59].Open, "newest sealed candle")

	open, ok := agg.SessionOpen()
	require.True(t, ok)
	assertDecimal(t, "5", open, "session open")

	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].BucketStart, history[i-1].BucketStart)
	}
}

func TestCandleAggregator_ProcessingOrder(t *testing.T) {
	agg := NewCandleAggregator(time.Minute, 60)

	agg.AddTrade(trade(65000, "105", "1"))
	agg.AddTrade(trade(61000, "100", "1"))

	c := agg.CurrentCandle()
	require.NotNil(t, c)
	assertDecimal(t, "105", c.Open, "open follows the first processed trade")
	assertDecimal(t, "100", c.Close, "close follows the last processed trade")
	assertDecimal(t, "100", c.Low, "low")
	assertDecimal(t, "105", c.High, "high")
}

func TestCandleAggregator_PercentChange(t *testing.T) {
	t.Run("exact decimal", func(t *testing.T) {
		agg := NewCandleAggregator(time.Minute, 60)
		agg.AddTrade(trade(60000, "100", "1"))
		agg.AddTrade(trade(120000, "110", "1"))

		pct, ok := agg.PercentChange()
		require.True(t, ok)
		assert.Equal(t, "10", pct.String())
	})

	t.Run("single open candle", func(t *testing.T) {
		agg := NewCandleAggregator(time.Minute, 60)
		agg.AddTrade(trade(60000, "200", "1"))
		agg.AddTrade(trade(61000, "190", "1"))

		pct, ok := agg.PercentChange()
		require.True(t, ok)
		assert.Equal(t, "-5", pct.String())
	})

	t.Run("no data", func(t *testing.T) {
		agg := NewCandleAggregator(time.Minute, 60)
		_, ok := agg.PercentChange()
		assert.False(t, ok)
		_, ok = agg.LastPrice()
		assert.False(t, ok)
	})

	t.Run("zero open", func(t *testing.T) {
		agg := NewCandleAggregator(time.Minute, 60)
		agg.AddTrade(trade(60000, "0", "1"))
		agg.AddTrade(trade(61000, "5", "1"))

		_, ok := agg.PercentChange()
		assert.False(t, ok, "percent change is undefined for a zero open")
	})
}

func TestCandleAggregator_Reset(t *testing.T) {
	agg := NewCandleAggregator(time.Minute, 60)
	agg.AddTrade(trade(60000, "100", "1"))
	agg.AddTrade(trade(120000, "101", "1"))

	agg.Reset()

	assert.Nil(t, agg.CurrentCandle())
	assert.Empty(t, agg.AllCandles())
	_, ok := agg.SessionOpen()
	assert.False(t, ok)
}
