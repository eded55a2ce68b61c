package chainwatch

// SyncReport summarizes one completed sync pass.
type SyncReport struct {
	// PassID uniquely identifies the pass in logs.
	PassID string

	// Tip is the chain head the watch-lists were reconciled against.
	Tip Tip

	// TipUpdated reports whether the pass moved the watcher's believed tip.
	TipUpdated bool

	// Confirmed and Unconfirmed count the events delivered to the sink.
	Confirmed   int
	Unconfirmed int

	// Iterations is the number of fixed-point iterations the pass took.
	Iterations int
}
