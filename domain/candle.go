package domain

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
)

const (
	DefaultCandleInterval = time.Minute
	DefaultMaxCandles     = 60
)

var hundred = decimal.NewFromInt(100)

type Trade struct {
	Timestamp int64           `json:"ts"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"qty"`
}

// Candle is one OHLCV bucket. BucketStart is in ms and a multiple of the interval.
type Candle struct {
	BucketStart int64           `json:"t"`
	Open        decimal.Decimal `json:"o"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Close       decimal.Decimal `json:"c"`
	Volume      decimal.Decimal `json:"v"`
}

func newCandle(bucketStart int64, trade *Trade) *Candle {
	return &Candle{
		BucketStart: bucketStart,
		Open:        trade.Price,
		High:        trade.Price,
		Low:         trade.Price,
		Close:       trade.Price,
		Volume:      trade.Quantity,
	}
}

func (c *Candle) add(trade *Trade) {
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Close = trade.Price
	c.Volume = c.Volume.Add(trade.Quantity)
}

// CandleAggregator buckets trades into fixed intervals in the order they are
// added, not in timestamp order. It keeps a rolling window of sealed candles
// plus the open one. Not safe for concurrent use.
type CandleAggregator struct {
	intervalMs int64
	maxCandles int

	candles deque.Deque[Candle]
	current *Candle
}

func NewCandleAggregator(interval time.Duration, maxCandles int) *CandleAggregator {
	if interval <= 0 {
		interval = DefaultCandleInterval
	}
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}

	return &CandleAggregator{
		intervalMs: interval.Milliseconds(),
		maxCandles: maxCandles,
	}
}

// AddTrade folds the trade into the open candle. When the trade belongs to
// another bucket the open candle is sealed and returned, otherwise nil.
func (a *CandleAggregator) AddTrade(trade *Trade) *Candle {
	bucket := a.bucketStart(trade.Timestamp)

	if a.current != nil && a.current.BucketStart == bucket {
		a.current.add(trade)
		return nil
	}

	var completed *Candle
	if a.current != nil {
		sealed := *a.current
		a.candles.PushBack(sealed)
		if a.candles.Len() > a.maxCandles {
			a.candles.PopFront()
		}
		completed = &sealed
	}

	a.current = newCandle(bucket, trade)
	return completed
}

func (a *CandleAggregator) CurrentCandle() *Candle {
	if a.current == nil {
		return nil
	}
	c := *a.current
	return &c
}

// Candles returns the sealed candles, oldest first.
func (a *CandleAggregator) Candles() []Candle {
	result := make([]Candle, a.candles.Len())
	for i := 0; i < a.candles.Len(); i++ {
		result[i] = a.candles.At(i)
	}
	return result
}

// AllCandles returns the sealed candles followed by the open one.
func (a *CandleAggregator) AllCandles() []Candle {
	result := a.Candles()
	if a.current != nil {
		result = append(result, *a.current)
	}
	return result
}

// SessionOpen is the open of the oldest candle still held.
func (a *CandleAggregator) SessionOpen() (decimal.Decimal, bool) {
	if a.candles.Len() > 0 {
		return a.candles.Front().Open, true
	}
	if a.current != nil {
		return a.current.Open, true
	}
	return decimal.Zero, false
}

func (a *CandleAggregator) LastPrice() (decimal.Decimal, bool) {
	if a.current != nil {
		return a.current.Close, true
	}
	if a.candles.Len() > 0 {
		return a.candles.Back().Close, true
	}
	return decimal.Zero, false
}

// PercentChange is (last-open)/open*100; false when there is no data or open is zero.
func (a *CandleAggregator) PercentChange() (decimal.Decimal, bool) {
	open, ok := a.SessionOpen()
	if !ok || open.IsZero() {
		return decimal.Zero, false
	}
	last, ok := a.LastPrice()
	if !ok {
		return decimal.Zero, false
	}

	return last.Sub(open).Mul(hundred).Div(open), true
}

func (a *CandleAggregator) Len() int {
	return a.candles.Len()
}

func (a *CandleAggregator) Reset() {
	a.candles.Clear()
	a.current = nil
}

func (a *CandleAggregator) bucketStart(ts int64) int64 {
	start := ts - ts%a.intervalMs
	if ts < 0 && ts%a.intervalMs != 0 {
		start -= a.intervalMs
	}
	return start
}
