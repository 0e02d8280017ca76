package usecase

import (
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketfeed/domain"
)

type LevelView struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	// Total is the cumulative size from the best level down to this one.
	Total decimal.Decimal `json:"total"`
}

type OrderBookView struct {
	Provider     string             `json:"provider"`
	Symbol       string             `json:"symbol"`
	LastUpdateID uint64             `json:"lastUpdateId"`
	UpdatedAt    int64              `json:"updatedAt"`
	BestBid      *domain.PriceLevel `json:"bestBid"`
	BestAsk      *domain.PriceLevel `json:"bestAsk"`
	Spread       decimal.Decimal    `json:"spread"`
	MidPrice     decimal.Decimal    `json:"midPrice"`
	BidVWAP      decimal.Decimal    `json:"bidVwap"`
	AskVWAP      decimal.Decimal    `json:"askVwap"`
	Crossed      bool               `json:"crossed"`
	Bids         []LevelView        `json:"bids"`
	Asks         []LevelView        `json:"asks"`
}

type CandlesView struct {
	Symbol  string          `json:"symbol"`
	Candles []domain.Candle `json:"candles"`
	Current *domain.Candle  `json:"current"`
	// nil until the first trade, PercentChange also while the session open is zero
	SessionOpen   *decimal.Decimal `json:"sessionOpen"`
	LastPrice     *decimal.Decimal `json:"lastPrice"`
	PercentChange *decimal.Decimal `json:"percentChange"`
}

type StatusView struct {
	domain.ConnStatusView
	Provider      string                 `json:"provider"`
	Symbol        string                 `json:"symbol"`
	Book          domain.OrderBookStatus `json:"book"`
	OutOfSequence int64                  `json:"outOfSequence"`
}

// OrderBookView copies the top depth levels of each side. It returns
// domain.ErrOrderBookNotReady until the first snapshot is loaded.
func (f *MarketFeed) OrderBookView(depth int) (*OrderBookView, error) {
	var view *OrderBookView
	err := f.maintainer.View(func(ob *domain.OrderBook) {
		tob := ob.TopOfBook()
		view = &OrderBookView{
			Provider:     f.config.Provider,
			Symbol:       f.config.Symbol.String(),
			LastUpdateID: tob.LastUpdateID,
			UpdatedAt:    tob.UpdatedAt,
			BestBid:      tob.BestBid,
			BestAsk:      tob.BestAsk,
			Spread:       tob.Spread,
			MidPrice:     tob.MidPrice,
			BidVWAP:      ob.VWAP(domain.Bid, depth),
			AskVWAP:      ob.VWAP(domain.Ask, depth),
			Crossed:      tob.Crossed,
			Bids:         levelViews(ob.Bids, depth),
			Asks:         levelViews(ob.Asks, depth),
		}
	})
	return view, err
}

func (f *MarketFeed) CandlesView() *CandlesView {
	f.candlesMu.RLock()
	defer f.candlesMu.RUnlock()

	view := &CandlesView{
		Symbol:  f.config.Symbol.String(),
		Candles: f.candles.Candles(),
		Current: f.candles.CurrentCandle(),
	}
	if open, ok := f.candles.SessionOpen(); ok {
		view.SessionOpen = &open
	}
	if last, ok := f.candles.LastPrice(); ok {
		view.LastPrice = &last
	}
	if change, ok := f.candles.PercentChange(); ok {
		view.PercentChange = &change
	}
	return view
}

func (f *MarketFeed) StatusView() *StatusView {
	return &StatusView{
		ConnStatusView: f.board.View(),
		Provider:       f.config.Provider,
		Symbol:         f.config.Symbol.String(),
		Book:           f.maintainer.Status(),
		OutOfSequence:  f.maintainer.OutOfSequenceCount(),
	}
}

// Snapshot returns the local book in the exchange snapshot format.
func (f *MarketFeed) Snapshot(limit int) (*domain.OrderBookSnapshot, error) {
	return f.maintainer.Snapshot(limit)
}

func levelViews(side domain.BookSide, depth int) []LevelView {
	levels := side.Top(depth)
	views := make([]LevelView, len(levels))
	for i, level := range levels {
		views[i] = LevelView{
			Price: level.Price,
			Size:  level.Size,
			Total: side.Cumul[i],
		}
	}
	return views
}
