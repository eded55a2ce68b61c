package scheduler

// State is the node lifecycle state governing how frequently jobs run.
//
// StateStartup is the initial state. It is left exactly once, when the first
// chain-sync-class job completes successfully, advancing to whichever of
// foreground/background was last requested.
type State int

const (
	StateStartup State = iota
	StateForeground
	StateBackground
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	default:
		return "unknown"
	}
}
