package delivery

import "context"

// Channel is a message broker connection. Publish returns only after the broker
// acknowledged the message; an error wrapping ErrPermanent is never retried.
type Channel interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic, msgID string, payload []byte) error
	Close() error
}
