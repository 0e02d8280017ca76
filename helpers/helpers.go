package helpers

import (
	"context"
	"encoding/json"
	"strconv"
)

// IntToString converts int64 to string.
func IntToString(i int64) string {
	return strconv.FormatInt(i, 10)
}

// ToJsonString converts any value to JSON string.
func ToJsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// WithLatestFrom returns a channel that is closed once both ch and ch2 have
// fired (or been closed). It gives up when ctx is done.
func WithLatestFrom(ctx context.Context, ch, ch2 <-chan struct{}) <-chan struct{} {
	resCh := make(chan struct{})

	go func() {
		for ch != nil || ch2 != nil {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				ch = nil
			case <-ch2:
				ch2 = nil
			}
		}
		close(resCh)
	}()

	return resCh
}
