package scheduler

import (
	"context"
	"time"
)

// GroupChainSync is the mutual-exclusion group of chain-sync-class jobs. Jobs
// in this group never run concurrently with each other, and the first
// successful completion of one of them moves the scheduler out of Startup.
const GroupChainSync = "chain-sync"

// Job is a named periodic task with one interval per lifecycle state. A state
// missing from Intervals disables the job while the scheduler is in that
// state.
type Job struct {
	Name string

	// Group names a mutual-exclusion group, or "" for none. Jobs sharing a
	// group are deferred, not skipped, while another member is running.
	Group string

	Intervals map[State]time.Duration

	Run func(ctx context.Context) error
}

// interval returns the job's interval in the given state and whether the job
// is enabled there.
func (j Job) interval(state State) (time.Duration, bool) {
	d, ok := j.Intervals[state]
	return d, ok
}
