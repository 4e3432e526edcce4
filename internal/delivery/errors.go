package delivery

import (
	"errors"
	"fmt"

	"poolstream/internal/model"
)

// ErrPermanent marks channel errors that no retry can fix, such as a payload the
// broker rejects. Channels wrap it with %w.
var ErrPermanent = errors.New("permanent delivery error")

// ErrorKind classifies a DeliveryError.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// DeliveryError reports a batch that was not acknowledged. DeadLettered is set once
// the batch has been written to the dead-letter sink.
type DeliveryError struct {
	Kind         ErrorKind
	BatchID      string
	Pool         string
	From         model.Position
	To           model.Position
	Count        int
	Attempts     int
	DeadLettered bool
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failure for batch %s (pool %s, %s..%s, %d records) after %d attempts: %v",
		e.Kind, e.BatchID, e.Pool, e.From, e.To, e.Count, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// DeadLetterError is returned when a failed batch could not be dead-lettered either.
type DeadLetterError struct {
	Delivery *DeliveryError
	Err      error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead-letter batch %s: %v (after %v)", e.Delivery.BatchID, e.Err, e.Delivery)
}

func (e *DeadLetterError) Unwrap() []error {
	return []error{e.Err, e.Delivery}
}
