package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "orderbook")

type OrderBookSource string
type OrderBookStatus string
type Side int

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"

	OrderBookStatus_Empty    OrderBookStatus = "Empty"
	OrderBookStatus_Ok       OrderBookStatus = "Ok"
	OrderBookStatus_Outdated OrderBookStatus = "Outdated"
)

const (
	Bid Side = iota
	Ask
)

const btreeDegree = 32

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

type OrderBookSnapshot struct {
	Source       OrderBookSource `json:"source"`
	LastUpdateId uint64          `json:"lastUpdateId"`
	Bids         [][]string      `json:"bids"`
	Asks         [][]string      `json:"asks"`
}

// OrderBookUpdate is one depth diff covering the id range [FirstUpdateID, LastUpdateID].
type OrderBookUpdate struct {
	FirstUpdateID uint64
	LastUpdateID  uint64
	Bids          [][]string
	Asks          [][]string
	// EventTime is the exchange timestamp in ms, zero when the feed omits it.
	EventTime int64
}

func NewOrderBookUpdate(bids [][]string, asks [][]string, firstUpdateID, lastUpdateID uint64) *OrderBookUpdate {
	return &OrderBookUpdate{
		Bids:          bids,
		Asks:          asks,
		FirstUpdateID: firstUpdateID,
		LastUpdateID:  lastUpdateID,
	}
}

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSide is a materialized view of one side of the book. Levels are sorted
// best first and Cumul[i] is the total size of Levels[0..i]. A BookSide is
// rebuilt on every mutation and never modified afterwards, so it can be handed
// to readers without copying.
type BookSide struct {
	Levels []PriceLevel      `json:"levels"`
	Cumul  []decimal.Decimal `json:"cumul"`
}

func (s BookSide) Len() int {
	return len(s.Levels)
}

func (s BookSide) Best() (PriceLevel, bool) {
	if len(s.Levels) == 0 {
		return PriceLevel{}, false
	}
	return s.Levels[0], true
}

func (s BookSide) Top(n int) []PriceLevel {
	if n < 0 || n > len(s.Levels) {
		n = len(s.Levels)
	}
	return s.Levels[:n]
}

// VWAP is sum(price*size)/sum(size) over the first depth levels, zero for an empty side.
func (s BookSide) VWAP(depth int) decimal.Decimal {
	top := s.Top(depth)
	if len(top) == 0 {
		return decimal.Zero
	}

	value := decimal.Zero
	size := decimal.Zero
	for _, level := range top {
		value = value.Add(level.Price.Mul(level.Size))
		size = size.Add(level.Size)
	}

	if !size.IsPositive() {
		return decimal.Zero
	}
	return value.Div(size)
}

// sideTree keeps one side ordered best first.
type sideTree struct {
	side Side
	tree *btree.BTreeG[PriceLevel]
}

func newSideTree(side Side) *sideTree {
	less := func(a, b PriceLevel) bool { return a.Price.LessThan(b.Price) }
	if side == Bid {
		less = func(a, b PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
	}

	return &sideTree{
		side: side,
		tree: btree.NewG[PriceLevel](btreeDegree, less),
	}
}

// set resizes, inserts or removes (size 0) the level at level.Price.
func (s *sideTree) set(level PriceLevel) {
	if !level.Size.IsPositive() {
		s.tree.Delete(level)
		return
	}
	s.tree.ReplaceOrInsert(level)
}

func (s *sideTree) materialize() BookSide {
	levels := make([]PriceLevel, 0, s.tree.Len())
	cumul := make([]decimal.Decimal, 0, s.tree.Len())
	sum := decimal.Zero

	s.tree.Ascend(func(level PriceLevel) bool {
		sum = sum.Add(level.Size)
		levels = append(levels, level)
		cumul = append(cumul, sum)
		return true
	})

	return BookSide{Levels: levels, Cumul: cumul}
}

// OrderBook is the local replica of the exchange book. It is not safe for
// concurrent mutation: one goroutine applies updates, readers must be
// synchronized by the owner.
type OrderBook struct {
	Provider       string
	Symbol         *MarketSymbol
	Bids           BookSide
	Asks           BookSide
	LastUpdateID   uint64
	LastUpdateTime int64

	status    OrderBookStatus
	crossed   bool
	bidTree   *sideTree
	askTree   *sideTree
	validator IDepthUpdateValidator
}

// NewOrderBook builds a ready book from a snapshot. Levels with a non-positive
// size are skipped.
func NewOrderBook(provider string, symbol *MarketSymbol, snapshot *OrderBookSnapshot) (*OrderBook, error) {
	ob := &OrderBook{
		Provider:  provider,
		Symbol:    symbol,
		status:    OrderBookStatus_Empty,
		bidTree:   newSideTree(Bid),
		askTree:   newSideTree(Ask),
		validator: &DepthUpdateValidator{},
	}

	if err := ob.InitFromSnapshot(snapshot); err != nil {
		return nil, err
	}
	return ob, nil
}

// WithValidator swaps the continuity rule, mostly for providers with their own sequencing.
func (ob *OrderBook) WithValidator(v IDepthUpdateValidator) *OrderBook {
	ob.validator = v
	return ob
}

// InitFromSnapshot replaces the whole book. It may be called any number of times.
func (ob *OrderBook) InitFromSnapshot(snapshot *OrderBookSnapshot) error {
	bids, err := parsePriceLevels(snapshot.Bids)
	if err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := parsePriceLevels(snapshot.Asks)
	if err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}

	ob.bidTree = newSideTree(Bid)
	ob.askTree = newSideTree(Ask)
	for _, level := range bids {
		if level.Size.IsPositive() {
			ob.bidTree.set(level)
		}
	}
	for _, level := range asks {
		if level.Size.IsPositive() {
			ob.askTree.set(level)
		}
	}

	ob.Bids = ob.bidTree.materialize()
	ob.Asks = ob.askTree.materialize()
	ob.LastUpdateID = snapshot.LastUpdateId
	ob.LastUpdateTime = time.Now().UnixMilli()
	ob.status = OrderBookStatus_Ok
	ob.checkCrossed()

	return nil
}

// ApplyUpdate applies one depth diff. Outdated updates and sequence gaps are
// reported through the validator errors and leave the book untouched; after a
// gap the book is marked Outdated and refuses further updates until it is
// re-initialized from a snapshot.
func (ob *OrderBook) ApplyUpdate(update *OrderBookUpdate) error {
	if ob.status != OrderBookStatus_Ok {
		return ErrOrderBookNotReady
	}

	if err := ob.validator.IsValidUpd(update, ob.LastUpdateID); err != nil {
		if ob.validator.IsErrOutOfSequence(err) {
			ob.status = OrderBookStatus_Outdated
		}
		return err
	}

	bids, err := parseLevelChanges(update.Bids)
	if err != nil {
		return fmt.Errorf("update %d bids: %w", update.LastUpdateID, err)
	}
	asks, err := parseLevelChanges(update.Asks)
	if err != nil {
		return fmt.Errorf("update %d asks: %w", update.LastUpdateID, err)
	}

	// Within one update the later entry for a price wins.
	if ob.applyChanges(ob.bidTree, bids) {
		ob.Bids = ob.bidTree.materialize()
	}
	if ob.applyChanges(ob.askTree, asks) {
		ob.Asks = ob.askTree.materialize()
	}

	ob.LastUpdateID = update.LastUpdateID
	ob.LastUpdateTime = time.Now().UnixMilli()

	if ob.checkCrossed() {
		bid, _ := ob.BestBid()
		ask, _ := ob.BestAsk()
		logger.WithFields(logrus.Fields{
			"lastUpdateId": ob.LastUpdateID,
			"bestBid":      bid.Price.String(),
			"bestAsk":      ask.Price.String(),
		}).Warn("order book is crossed")
	}

	return nil
}

// Reset drops all levels and returns the book to the unready state.
func (ob *OrderBook) Reset() {
	ob.bidTree = newSideTree(Bid)
	ob.askTree = newSideTree(Ask)
	ob.Bids = BookSide{}
	ob.Asks = BookSide{}
	ob.LastUpdateID = 0
	ob.crossed = false
	ob.status = OrderBookStatus_Empty
}

func (ob *OrderBook) Status() OrderBookStatus {
	return ob.status
}

func (ob *OrderBook) IsReady() bool {
	return ob.status == OrderBookStatus_Ok
}

// IsCrossed reports best bid >= best ask after the last applied change.
func (ob *OrderBook) IsCrossed() bool {
	return ob.crossed
}

func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	return ob.Bids.Best()
}

func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	return ob.Asks.Best()
}

// Spread is best ask minus best bid, zero when either side is empty.
func (ob *OrderBook) Spread() decimal.Decimal {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// MidPrice averages best bid and best ask, zero when either side is empty.
func (ob *OrderBook) MidPrice() decimal.Decimal {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
}

// TopOfBook is the best bid and ask with the derived prices, as published to
// downstream consumers.
type TopOfBook struct {
	BestBid      *PriceLevel     `json:"bestBid"`
	BestAsk      *PriceLevel     `json:"bestAsk"`
	Spread       decimal.Decimal `json:"spread"`
	MidPrice     decimal.Decimal `json:"midPrice"`
	Crossed      bool            `json:"crossed"`
	LastUpdateID uint64          `json:"lastUpdateId"`
	UpdatedAt    int64           `json:"updatedAt"`
}

func (ob *OrderBook) TopOfBook() TopOfBook {
	tob := TopOfBook{
		Spread:       ob.Spread(),
		MidPrice:     ob.MidPrice(),
		Crossed:      ob.crossed,
		LastUpdateID: ob.LastUpdateID,
		UpdatedAt:    ob.LastUpdateTime,
	}
	if bid, ok := ob.BestBid(); ok {
		tob.BestBid = &bid
	}
	if ask, ok := ob.BestAsk(); ok {
		tob.BestAsk = &ask
	}
	return tob
}

func (ob *OrderBook) TopLevels(n int) (bids []PriceLevel, asks []PriceLevel) {
	return ob.Bids.Top(n), ob.Asks.Top(n)
}

func (ob *OrderBook) VWAP(side Side, depth int) decimal.Decimal {
	if side == Bid {
		return ob.Bids.VWAP(depth)
	}
	return ob.Asks.VWAP(depth)
}

func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Source:       OrderBookSource_LocalOrderBook,
		LastUpdateId: ob.LastUpdateID,
		Bids:         serializePriceLevels(ob.limitDepth(ob.Bids.Levels, limit)),
		Asks:         serializePriceLevels(ob.limitDepth(ob.Asks.Levels, limit)),
	}
}

func (ob *OrderBook) limitDepth(depth []PriceLevel, limit int) []PriceLevel {
	if limit > 0 && len(depth) > limit {
		return depth[:limit]
	}

	return depth
}

func (ob *OrderBook) checkCrossed() bool {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	ob.crossed = okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
	return ob.crossed
}

// applyChanges skips changes carrying their own sequence number (KuCoin level2)
// that the book already reflects.
func (ob *OrderBook) applyChanges(tree *sideTree, changes []levelChange) bool {
	changed := false
	for _, change := range changes {
		if change.sequence != 0 && change.sequence <= ob.LastUpdateID {
			continue
		}
		tree.set(change.PriceLevel)
		changed = true
	}
	return changed
}

type levelChange struct {
	PriceLevel
	sequence uint64
}

// parseLevelChanges reads [price, size] or [price, size, sequence] tuples.
func parseLevelChanges(depth [][]string) ([]levelChange, error) {
	levels, err := parsePriceLevels(depth)
	if err != nil {
		return nil, err
	}

	result := make([]levelChange, len(levels))
	for i, level := range levels {
		result[i].PriceLevel = level
		if len(depth[i]) > 2 && depth[i][2] != "" {
			seq, err := strconv.ParseUint(depth[i][2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sequence %q: %w", depth[i][2], err)
			}
			result[i].sequence = seq
		}
	}

	return result, nil
}

// parsePriceLevels reads [price, size, ...] string tuples. Extra columns
// (KuCoin appends a per-level sequence) are ignored.
func parsePriceLevels(depth [][]string) ([]PriceLevel, error) {
	result := make([]PriceLevel, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			return nil, fmt.Errorf("malformed price level %v", level)
		}

		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", level[0], err)
		}
		size, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", level[1], err)
		}

		result = append(result, PriceLevel{Price: price, Size: size})
	}

	return result, nil
}

func serializePriceLevels(depth []PriceLevel) [][]string {
	result := make([][]string, len(depth))
	for i, level := range depth {
		result[i] = []string{level.Price.String(), level.Size.String()}
	}

	return result
}
