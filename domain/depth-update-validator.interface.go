package domain

import "errors"

var (
	// A message was lost between the book and the update. The book has to be
	// rebuilt from a fresh snapshot.
	ErrOrderBookUpdateIsOutOfSequence = errors.New("order book update is out of sequence")
	// Update is older than the book, should just be skipped.
	ErrOrderBookUpdateIsOutdated = errors.New("order book update is outdated")
	ErrOrderBookNotReady         = errors.New("order book is not ready")
)

type IDepthUpdateValidator interface {
	// if return nil, the update is valid
	IsValidUpd(update *OrderBookUpdate, orderBookLastUpdId uint64) error
	IsErrOutOfSequence(err error) bool
	IsErrOutdated(err error) bool
}

// DepthUpdateValidator enforces the diff-depth continuity rule shared by
// Binance (U/u) and KuCoin (sequenceStart/sequenceEnd):
// drop any event where lastId <= book, accept firstId <= book+1.
type DepthUpdateValidator struct{}

func (v *DepthUpdateValidator) IsValidUpd(update *OrderBookUpdate, orderBookLastUpdId uint64) error {
	if update.LastUpdateID <= orderBookLastUpdId {
		return ErrOrderBookUpdateIsOutdated
	}

	if update.FirstUpdateID > orderBookLastUpdId+1 {
		return ErrOrderBookUpdateIsOutOfSequence
	}

	return nil
}

func (v *DepthUpdateValidator) IsErrOutOfSequence(err error) bool {
	return errors.Is(err, ErrOrderBookUpdateIsOutOfSequence)
}

func (v *DepthUpdateValidator) IsErrOutdated(err error) bool {
	return errors.Is(err, ErrOrderBookUpdateIsOutdated)
}
