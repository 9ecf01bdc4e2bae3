// Package eventq provides small helpers for pushing events into bounded
// channels without blocking the producer.
package eventq

import "context"

// Offer performs a non-blocking send. It returns true when the value was
// sent and false when the channel is full or already closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context
// cancellation. It returns false if ctx is already done or the channel is
// full.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// Send blocks until the value is accepted or ctx is done. It returns false
// when the context was cancelled first.
func Send[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case ch <- value:
		return true
	case <-ctx.Done():
		return false
	}
}
