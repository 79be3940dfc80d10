package compute

// State is the lifecycle state of a Job.
type State int

// Job states. Completed and Failed are terminal.
const (
	Initialized State = iota
	BuffersStaged
	Submitted
	AwaitingReadback
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case BuffersStaged:
		return "BuffersStaged"
	case Submitted:
		return "Submitted"
	case AwaitingReadback:
		return "AwaitingReadback"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Completed || s == Failed }
