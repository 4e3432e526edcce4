package observer

import "fmt"

// FatalError ends a Loop in StateFailed. The process should exit non-zero so its
// supervisor restarts it from the last checkpoint.
type FatalError struct {
	Pool  string
	Stage State
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("observer for pool %s failed while %s: %v", e.Pool, e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
