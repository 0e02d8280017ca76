package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/spooky-finn/go-marketfeed/domain"
)

// ErrSkipMessage marks frames that are not data (acks, pongs, welcome) and are
// dropped without logging.
var ErrSkipMessage = errors.New("skip message")

type Decoder[T any] func(msg []byte) (T, error)

// Subscribe starts the client and decodes its frames into a typed subscription.
// Frames that fail to decode are logged and dropped; the connection is kept.
func Subscribe[T any](ctx context.Context, client *Client, topic string, decode Decoder[T]) (*domain.Subscription[T], error) {
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	out := make(chan T)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		for msg := range client.Messages() {
			value, err := decode(msg)
			if err != nil {
				if !errors.Is(err, ErrSkipMessage) {
					logger.WithField("topic", topic).WithError(err).Warnf("dropping malformed message: %.256s", msg)
				}
				continue
			}

			select {
			case out <- value:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			client.Close()
			wg.Wait()
		})
	}

	return &domain.Subscription[T]{
		Stream:      out,
		Status:      client.Status(),
		Unsubscribe: unsubscribe,
		Reconnect:   client.Reconnect,
		Topic:       topic,
	}, nil
}
