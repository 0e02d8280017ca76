package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

var ErrDepthStreamClosed = errors.New("depth stream closed")

const (
	DefaultSnapshotRetryDelay = 5 * time.Second
	DefaultSnapshotLimit      = 1000
	DefaultMaxBufferedUpdates = 10000
)

// OrderBookObserver receives everything the maintainer does to the book. All
// callbacks run on the maintainer goroutine, so the book may be read without
// locking inside them but must not be retained.
type OrderBookObserver interface {
	OnSnapshot(ob *OrderBook)
	OnUpdate(ob *OrderBook, update *OrderBookUpdate, err error)
	OnResync(ob *OrderBook)
	OnStatus(status ConnectionStatus)
}

type nopObserver struct{}

func (nopObserver) OnSnapshot(*OrderBook) {}
func (nopObserver) OnUpdate(*OrderBook, *OrderBookUpdate, error) {}
func (nopObserver) OnResync(*OrderBook) {}
func (nopObserver) OnStatus(ConnectionStatus) {}

type MaintainerConfig struct {
	Provider           string
	Symbol             *MarketSymbol
	SnapshotLimit      int
	SnapshotRetryDelay time.Duration
	MaxBufferedUpdates int
}

type snapshotResult struct {
	snapshot *OrderBookSnapshot
	err      error
}

// OrderbookMaintainer keeps a local order book in sync with a provider: it
// subscribes to the depth stream, buffers diffs until a snapshot is loaded and
// refetches the snapshot whenever a sequence gap is detected.
type OrderbookMaintainer struct {
	config    MaintainerConfig
	syncAPI   ProviderSyncAPI
	streamAPI ProviderStreamAPI
	validator IDepthUpdateValidator
	observer  OrderBookObserver

	mu        sync.RWMutex
	orderBook *OrderBook
	reconnect func()

	// owned by the Run goroutine
	depthUpdateQueue deque.Deque[*OrderBookUpdate]
	fetching         bool

	outOfSequenceCount atomic.Int64
}

func NewOrderBookMaintainer(
	stream ProviderStreamAPI,
	syncAPI ProviderSyncAPI,
	depthUpdateValidator IDepthUpdateValidator,
	config MaintainerConfig,
) *OrderbookMaintainer {
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = DefaultSnapshotLimit
	}
	if config.SnapshotRetryDelay <= 0 {
		config.SnapshotRetryDelay = DefaultSnapshotRetryDelay
	}
	if config.MaxBufferedUpdates <= 0 {
		config.MaxBufferedUpdates = DefaultMaxBufferedUpdates
	}
	if depthUpdateValidator == nil {
		depthUpdateValidator = &DepthUpdateValidator{}
	}

	return &OrderbookMaintainer{
		config:    config,
		syncAPI:   syncAPI,
		streamAPI: stream,
		validator: depthUpdateValidator,
		observer:  nopObserver{},
	}
}

func (m *OrderbookMaintainer) WithObserver(observer OrderBookObserver) *OrderbookMaintainer {
	m.observer = observer
	return m
}

// Run blocks until ctx is cancelled or the depth stream ends.
func (m *OrderbookMaintainer) Run(ctx context.Context) error {
	log := logger.WithFields(logrus.Fields{
		"provider": m.config.Provider,
		"symbol":   m.config.Symbol.String(),
	})

	subscription, err := m.streamAPI.DepthDiffStream(ctx, m.config.Symbol)
	if err != nil {
		return fmt.Errorf("subscribe to depth stream: %w", err)
	}
	defer subscription.Unsubscribe()

	m.mu.Lock()
	m.reconnect = subscription.Reconnect
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()
	}()

	log.Debugf("subscribed to depth update stream %s", subscription.Topic)

	snapshots := make(chan snapshotResult, 1)
	m.requestSnapshot(ctx, snapshots)

	var retry <-chan time.Time

	statuses := subscription.Status
	for {
		select {
		case <-ctx.Done():
			return nil

		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			m.observer.OnStatus(status)

		case update, ok := <-subscription.Stream:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDepthStreamClosed
			}
			m.handleUpdate(ctx, update, snapshots)

		case result := <-snapshots:
			m.fetching = false
			if result.err == nil {
				result.err = m.initOrderBook(result.snapshot)
			}
			if result.err != nil {
				log.WithError(result.err).Warnf("order book snapshot failed, retrying in %s", m.config.SnapshotRetryDelay)
				retry = time.After(m.config.SnapshotRetryDelay)
				continue
			}
			log.WithField("lastUpdateId", result.snapshot.LastUpdateId).Info("order book initialized from snapshot")
			m.drainQueue(ctx, snapshots)

		case <-retry:
			retry = nil
			m.requestSnapshot(ctx, snapshots)
		}
	}
}

// View calls fn with the current book under a read lock.
func (m *OrderbookMaintainer) View(fn func(ob *OrderBook)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.orderBook == nil || !m.orderBook.IsReady() {
		return ErrOrderBookNotReady
	}
	fn(m.orderBook)
	return nil
}

func (m *OrderbookMaintainer) Snapshot(limit int) (*OrderBookSnapshot, error) {
	var snapshot *OrderBookSnapshot
	err := m.View(func(ob *OrderBook) {
		snapshot = ob.TakeSnapshot(limit)
	})
	return snapshot, err
}

func (m *OrderbookMaintainer) Status() OrderBookStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.orderBook == nil {
		return OrderBookStatus_Empty
	}
	return m.orderBook.Status()
}

// Reconnect asks the depth transport for a manual reconnect. It is a no-op
// while Run is not active.
func (m *OrderbookMaintainer) Reconnect() {
	m.mu.RLock()
	reconnect := m.reconnect
	m.mu.RUnlock()

	if reconnect != nil {
		reconnect()
	}
}

// OutOfSequenceCount is the number of gaps that forced a resync.
func (m *OrderbookMaintainer) OutOfSequenceCount() int64 {
	return m.outOfSequenceCount.Load()
}

func (m *OrderbookMaintainer) isReady() bool {
	return m.orderBook != nil && m.orderBook.IsReady()
}

func (m *OrderbookMaintainer) handleUpdate(ctx context.Context, update *OrderBookUpdate, snapshots chan snapshotResult) {
	if !m.isReady() {
		m.enqueue(update)
		return
	}
	m.apply(ctx, update, snapshots)
}

func (m *OrderbookMaintainer) enqueue(update *OrderBookUpdate) {
	if m.depthUpdateQueue.Len() >= m.config.MaxBufferedUpdates {
		m.depthUpdateQueue.PopFront()
		logger.Warn("depth update buffer is full, dropping the oldest update")
	}
	m.depthUpdateQueue.PushBack(update)
}

func (m *OrderbookMaintainer) drainQueue(ctx context.Context, snapshots chan snapshotResult) {
	for m.depthUpdateQueue.Len() > 0 && m.isReady() {
		m.apply(ctx, m.depthUpdateQueue.PopFront(), snapshots)
	}
}

func (m *OrderbookMaintainer) apply(ctx context.Context, update *OrderBookUpdate, snapshots chan snapshotResult) {
	m.mu.Lock()
	err := m.orderBook.ApplyUpdate(update)
	m.mu.Unlock()

	m.observer.OnUpdate(m.orderBook, update, err)

	switch {
	case err == nil:
	case m.validator.IsErrOutdated(err):
		logger.Debugf("dropping outdated update %d-%d", update.FirstUpdateID, update.LastUpdateID)
	case m.validator.IsErrOutOfSequence(err):
		m.outOfSequenceCount.Add(1)
		logger.WithFields(logrus.Fields{
			"lastUpdateId":  m.orderBook.LastUpdateID,
			"firstUpdateId": update.FirstUpdateID,
		}).Warn("depth update sequence gap, resyncing order book")
		m.resync(ctx, update, snapshots)
	default:
		logger.WithError(err).Warn("dropping malformed depth update")
	}
}

// resync drops the book and requeues the update that revealed the gap so it is
// replayed against the next snapshot.
func (m *OrderbookMaintainer) resync(ctx context.Context, update *OrderBookUpdate, snapshots chan snapshotResult) {
	m.mu.Lock()
	m.orderBook.Reset()
	m.mu.Unlock()

	m.observer.OnResync(m.orderBook)

	m.depthUpdateQueue.Clear()
	m.depthUpdateQueue.PushBack(update)
	m.requestSnapshot(ctx, snapshots)
}

func (m *OrderbookMaintainer) initOrderBook(snapshot *OrderBookSnapshot) error {
	m.mu.Lock()
	var err error
	if m.orderBook == nil {
		var ob *OrderBook
		ob, err = NewOrderBook(m.config.Provider, m.config.Symbol, snapshot)
		if err == nil {
			m.orderBook = ob.WithValidator(m.validator)
		}
	} else {
		err = m.orderBook.InitFromSnapshot(snapshot)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.observer.OnSnapshot(m.orderBook)
	return nil
}

func (m *OrderbookMaintainer) requestSnapshot(ctx context.Context, out chan<- snapshotResult) {
	if m.fetching {
		return
	}
	m.fetching = true

	go func() {
		snapshot, err := m.syncAPI.OrderBookSnapshot(ctx, m.config.Symbol, m.config.SnapshotLimit)
		select {
		case out <- snapshotResult{snapshot: snapshot, err: err}:
		case <-ctx.Done():
		}
	}()
}
