// Package chainwatch keeps a set of watched transactions and outputs
// reconciled against an external, possibly-forking chain view.
//
// The watcher delivers confirmation and unconfirmation events to a Sink with
// reorg-safe ordering: within a pass, every unconfirmation is delivered before
// any confirmation, confirmations are grouped by ascending block height, and
// the believed tip is only advanced after the sink has seen the full delta.
// Registrations are monotonic; a transaction or output, once watched, stays
// watched for the process lifetime.
package chainwatch

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/pkg/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

var (
	// ErrTipUnstable is returned when the chain tip kept moving during every
	// observation attempt of a pass. Transient: the caller retries on its
	// normal schedule.
	ErrTipUnstable = errors.New("chain tip unstable across observation attempts")

	// ErrNonConvergent is returned when a pass keeps producing new
	// registrations past the iteration cap. Permanent: it indicates a
	// runaway feedback loop between the sink and the watcher.
	ErrNonConvergent = errors.New("sync did not converge to a fixed point")

	// ErrImpossibleConfirmation is returned when the chain source reports a
	// confirmation above the tip it reported in the same observation.
	// Permanent: the source is feeding inconsistent data.
	ErrImpossibleConfirmation = errors.New("confirmation height above chain tip")
)

const (
	defaultMaxTipRetries = 5
	defaultMaxIterations = 25
)

// txState tracks what the watcher last told the sink about a transaction.
// A nil confirmation means the sink believes it unconfirmed.
type txState struct {
	confirmation *TxConfirmation
}

// outputState tracks a watched output and the spend already reported for it.
type outputState struct {
	script  []byte
	spentBy *chainhash.Hash
}

// Watcher owns the watch-lists and the reconciliation algorithm.
type Watcher struct {
	chain ChainSource
	sink  Sink

	maxTipRetries int
	maxIterations int

	// syncMu serializes passes: two Sync calls on the same watcher never
	// interleave.
	syncMu sync.Mutex

	// mu guards the watch-lists and tip. It is never held across a sink or
	// chain source call, so sinks may re-register from inside event handlers.
	mu      sync.Mutex
	txs     map[chainhash.Hash]*txState
	outputs map[wire.OutPoint]*outputState
	tip     *Tip
}

type config struct {
	maxTipRetries int
	maxIterations int
}

// Option configures a Watcher.
type Option func(*config)

// WithMaxTipRetries bounds how many times a pass re-reads the tip when it
// moves mid-observation. Default: 5.
func WithMaxTipRetries(n int) Option {
	return func(c *config) {
		c.maxTipRetries = n
	}
}

// WithMaxIterations bounds the fixed-point loop of a pass. Default: 25.
func WithMaxIterations(n int) Option {
	return func(c *config) {
		c.maxIterations = n
	}
}

// New creates a Watcher reconciling against chain and delivering to sink.
func New(chain ChainSource, sink Sink, opts ...Option) *Watcher {
	cfg := config{
		maxTipRetries: defaultMaxTipRetries,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Watcher{
		chain:         chain,
		sink:          sink,
		maxTipRetries: cfg.maxTipRetries,
		maxIterations: cfg.maxIterations,
		txs:           make(map[chainhash.Hash]*txState),
		outputs:       make(map[wire.OutPoint]*outputState),
	}
}

// RegisterTransaction adds a transaction to the watch-list. Registering an
// already-watched transaction is a no-op. No chain query happens here; the
// transaction is picked up by the next sync pass.
func (w *Watcher) RegisterTransaction(txid chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.txs[txid]; !ok {
		w.txs[txid] = &txState{}
	}
}

// RegisterOutput adds an output to the watch-list. Registering an
// already-watched outpoint is a no-op, even with a different script.
func (w *Watcher) RegisterOutput(outpoint wire.OutPoint, script []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.outputs[outpoint]; !ok {
		w.outputs[outpoint] = &outputState{script: script}
	}
}

// SeedFromSink registers every transaction the sink tracked before this
// process started. Seeded transactions start out as unconfirmed, so the
// first pass re-delivers their current confirmations.
func (w *Watcher) SeedFromSink(ctx context.Context) error {
	relevant, err := w.sink.RelevantTxids(ctx)
	if err != nil {
		return err
	}

	for _, tx := range relevant {
		w.RegisterTransaction(tx.Txid)
	}

	logger.Debug(ctx, "watch-list seeded from sink", "transactions", len(relevant))
	return nil
}

// RestoreTip installs a previously persisted tip as the watcher's starting
// belief. Only effective before the first pass; a tip committed by a pass is
// never overwritten.
func (w *Watcher) RestoreTip(tip Tip) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tip == nil {
		w.tip = &tip
	}
}

// WatchedCounts returns the current sizes of the two watch-lists.
func (w *Watcher) WatchedCounts() (txs, outputs int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.txs), len(w.outputs)
}

// Tip returns the tip committed by the last successful pass, or nil before
// the first one.
func (w *Watcher) Tip() *Tip {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tip == nil {
		return nil
	}
	tip := *w.tip
	return &tip
}

// Sync runs one reorg-safe reconciliation pass.
//
// The pass observes the chain under a tip-stability check, computes the delta
// against what the sink already knows, delivers unconfirmations then
// confirmations in ascending height order, commits the new state, and repeats
// until an iteration produces no new registrations. State is committed only
// after the sink accepted the iteration's events, so a failed pass never
// leaves the watch-lists half-updated; events from completed iterations may
// be re-delivered by a later pass (at-least-once).
func (w *Watcher) Sync(ctx context.Context) (SyncReport, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	report := SyncReport{PassID: uuid.NewString()}

	for iteration := 1; iteration <= w.maxIterations; iteration++ {
		report.Iterations = iteration

		obs, err := w.observe(ctx)
		if err != nil {
			return report, err
		}

		delta := w.computeDelta(obs)
		txsBefore, outputsBefore := w.WatchedCounts()

		if err := w.deliver(ctx, delta); err != nil {
			return report, err
		}
		w.commit(obs, delta)

		report.Unconfirmed += len(delta.unconfirmed)
		for _, block := range delta.confirmed {
			report.Confirmed += len(block.txids)
		}

		// New registrations can come from the sink's event handlers or from
		// spending transactions discovered by this iteration. Either way the
		// next iteration has to look at them before the pass can finish.
		txsAfter, outputsAfter := w.WatchedCounts()
		if txsAfter == txsBefore && outputsAfter == outputsBefore {
			return w.finish(ctx, obs.tip, report)
		}

		logger.Debug(ctx, "watch-list grew during iteration, continuing pass",
			"sync.pass_id", report.PassID,
			"sync.iteration", iteration,
			"watched.txs", txsAfter,
			"watched.outputs", outputsAfter,
		)
	}

	return report, ErrNonConvergent
}

// finish delivers the best-block event and commits the tip, completing a
// pass that reached its fixed point.
func (w *Watcher) finish(ctx context.Context, tip Tip, report SyncReport) (SyncReport, error) {
	report.Tip = tip

	w.mu.Lock()
	tipChanged := w.tip == nil || *w.tip != tip
	w.mu.Unlock()

	if tipChanged {
		if err := w.sink.BestBlockUpdated(ctx, tip.Height, tip.BlockHash); err != nil {
			return report, err
		}

		w.mu.Lock()
		w.tip = &tip
		w.mu.Unlock()
		report.TipUpdated = true
	}

	logger.Debug(ctx, "sync pass finished",
		"sync.pass_id", report.PassID,
		"sync.iterations", report.Iterations,
		"sync.confirmed", report.Confirmed,
		"sync.unconfirmed", report.Unconfirmed,
		"tip.height", tip.Height,
		"tip.hash", tip.BlockHash.String(),
	)
	return report, nil
}

// observation is a tip-stable snapshot of the chain's answers for every
// watched transaction and output.
type observation struct {
	tip        Tip
	txStatuses map[chainhash.Hash]*TxConfirmation
	spends     map[wire.OutPoint]*chainhash.Hash
}

// observe queries the chain for every watched item between two tip reads and
// keeps retrying while the tip moves, up to the configured bound. Results
// from an unstable attempt are discarded wholesale.
func (w *Watcher) observe(ctx context.Context) (observation, error) {
	for attempt := 1; attempt <= w.maxTipRetries; attempt++ {
		tipBefore, err := w.chain.CurrentTip(ctx)
		if err != nil {
			return observation{}, err
		}

		obs, err := w.queryWatchedItems(ctx)
		if err != nil {
			return observation{}, err
		}

		tipAfter, err := w.chain.CurrentTip(ctx)
		if err != nil {
			return observation{}, err
		}

		if tipBefore != tipAfter {
			logger.Debug(ctx, "tip moved during observation, retrying",
				"attempt", attempt,
				"tip.before", tipBefore.BlockHash.String(),
				"tip.after", tipAfter.BlockHash.String(),
			)
			continue
		}

		obs.tip = tipAfter
		for txid, conf := range obs.txStatuses {
			if conf != nil && conf.Height > obs.tip.Height {
				logger.Error(ctx, "chain source reported confirmation above tip",
					"txid", txid.String(),
					"confirmation.height", conf.Height,
					"tip.height", obs.tip.Height,
				)
				return observation{}, ErrImpossibleConfirmation
			}
		}

		return obs, nil
	}

	return observation{}, ErrTipUnstable
}

// queryWatchedItems asks the chain source about every currently watched
// transaction and output.
func (w *Watcher) queryWatchedItems(ctx context.Context) (observation, error) {
	w.mu.Lock()
	txids := make([]chainhash.Hash, 0, len(w.txs))
	for txid := range w.txs {
		txids = append(txids, txid)
	}
	outpoints := make([]wire.OutPoint, 0, len(w.outputs))
	for outpoint := range w.outputs {
		outpoints = append(outpoints, outpoint)
	}
	w.mu.Unlock()

	obs := observation{
		txStatuses: make(map[chainhash.Hash]*TxConfirmation, len(txids)),
		spends:     make(map[wire.OutPoint]*chainhash.Hash, len(outpoints)),
	}

	for _, txid := range txids {
		status, err := w.chain.TransactionStatus(ctx, txid)
		if err != nil {
			return observation{}, err
		}
		obs.txStatuses[txid] = status
	}

	for _, outpoint := range outpoints {
		spend, err := w.chain.OutputSpend(ctx, outpoint)
		if err != nil {
			return observation{}, err
		}
		obs.spends[outpoint] = spend
	}

	return obs, nil
}

// confirmedBlock groups the confirmation events of a single block.
type confirmedBlock struct {
	height    uint32
	blockHash chainhash.Hash
	txids     []chainhash.Hash
}

// delta is the set of events one iteration owes the sink, plus the spending
// transactions it discovered.
type delta struct {
	unconfirmed []chainhash.Hash
	confirmed   []confirmedBlock
	newSpends   map[wire.OutPoint]chainhash.Hash
}

// computeDelta compares the observation against the state the sink already
// knows. A transaction reorged into a different block lands in both lists:
// its unconfirmation is delivered before the new confirmation.
func (w *Watcher) computeDelta(obs observation) delta {
	w.mu.Lock()
	defer w.mu.Unlock()

	d := delta{newSpends: make(map[wire.OutPoint]chainhash.Hash)}

	byBlock := types.NewDefaultMap[Tip](func() []chainhash.Hash { return nil })
	for txid, state := range w.txs {
		observed, ok := obs.txStatuses[txid]
		if !ok {
			// Registered after the observation snapshot; next iteration
			// picks it up.
			continue
		}

		known := state.confirmation
		switch {
		case known == nil && observed == nil:
			// Still pending.
		case known == nil && observed != nil:
			block := Tip{Height: observed.Height, BlockHash: observed.BlockHash}
			byBlock.Set(block, append(byBlock.Get(block), txid))
		case known != nil && observed == nil:
			d.unconfirmed = append(d.unconfirmed, txid)
		case *known != *observed:
			d.unconfirmed = append(d.unconfirmed, txid)
			block := Tip{Height: observed.Height, BlockHash: observed.BlockHash}
			byBlock.Set(block, append(byBlock.Get(block), txid))
		}
	}

	for block, txids := range byBlock.ToMap() {
		sortTxids(txids)
		d.confirmed = append(d.confirmed, confirmedBlock{
			height:    block.Height,
			blockHash: block.BlockHash,
			txids:     txids,
		})
	}
	sortConfirmedBlocks(d.confirmed)
	sortTxids(d.unconfirmed)

	for outpoint, state := range w.outputs {
		spendTxid, ok := obs.spends[outpoint]
		if !ok || spendTxid == nil {
			continue
		}
		if state.spentBy == nil || *state.spentBy != *spendTxid {
			d.newSpends[outpoint] = *spendTxid
		}
	}

	return d
}

// deliver sends one iteration's events to the sink: unconfirmations first,
// then confirmations by ascending height. The watch-list mutex is not held
// here, so the sink is free to register new watch targets.
func (w *Watcher) deliver(ctx context.Context, d delta) error {
	for _, txid := range d.unconfirmed {
		if err := w.sink.TransactionUnconfirmed(ctx, txid); err != nil {
			return err
		}
	}

	for _, block := range d.confirmed {
		if err := w.sink.TransactionsConfirmed(ctx, block.height, block.blockHash, block.txids); err != nil {
			return err
		}
	}

	return nil
}

// commit applies a delivered delta to the watch-lists. Spending transactions
// join the transaction watch-list so their own confirmations are reconciled
// by the following iterations.
func (w *Watcher) commit(obs observation, d delta) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, txid := range d.unconfirmed {
		if state, ok := w.txs[txid]; ok {
			state.confirmation = nil
		}
	}

	for _, block := range d.confirmed {
		conf := TxConfirmation{Height: block.height, BlockHash: block.blockHash}
		for _, txid := range block.txids {
			if state, ok := w.txs[txid]; ok {
				confCopy := conf
				state.confirmation = &confCopy
			}
		}
	}

	for outpoint, spendTxid := range d.newSpends {
		if state, ok := w.outputs[outpoint]; ok {
			txidCopy := spendTxid
			state.spentBy = &txidCopy
		}
		if _, ok := w.txs[spendTxid]; !ok {
			w.txs[spendTxid] = &txState{}
		}
	}
}

// sortTxids keeps event delivery deterministic across passes.
func sortTxids(txids []chainhash.Hash) {
	slices.SortFunc(txids, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
}

func sortConfirmedBlocks(blocks []confirmedBlock) {
	slices.SortFunc(blocks, func(a, b confirmedBlock) int {
		return cmp.Compare(a.height, b.height)
	})
}
