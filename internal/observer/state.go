package observer

// State is the lifecycle stage of a Loop.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ExhaustedPolicy decides what a batch that ran out of transient retries does to the loop.
type ExhaustedPolicy string

const (
	// ExhaustFail stops the loop in StateFailed after the batch is dead-lettered.
	ExhaustFail ExhaustedPolicy = "fail"
	// ExhaustDeadLetter keeps running once the batch is dead-lettered.
	ExhaustDeadLetter ExhaustedPolicy = "dead-letter"
)
