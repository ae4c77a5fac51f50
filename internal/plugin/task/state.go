package task

// State is the lifecycle position of a Task.
//
//	NotStarted -> Initializing -> {Parked <-> Executing} -> {Finished | Cancelled}
type State int32

const (
	NotStarted State = iota
	Initializing
	Parked
	Executing
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Initializing:
		return "initializing"
	case Parked:
		return "parked"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Finished || s == Cancelled }
