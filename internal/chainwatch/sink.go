package chainwatch

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// RelevantTx is a transaction the sink already knows about from persisted
// state, used to seed the watch-list on startup. BlockHash is the block the
// sink last saw the transaction confirmed in, or nil if it was unconfirmed.
type RelevantTx struct {
	Txid      chainhash.Hash
	BlockHash *chainhash.Hash
}

// Sink consumes confirmation events produced by a sync pass. It is the party
// enforcing fund-safety invariants; the watcher guarantees it observes every
// reorg as an explicit unconfirmation before any conflicting confirmation.
//
// A sink may call back into Watcher.RegisterTransaction or
// Watcher.RegisterOutput while handling an event. Such registrations are
// folded into the same pass by the fixed-point loop.
type Sink interface {
	// TransactionsConfirmed delivers all transactions newly confirmed in the
	// given block. Calls are made in ascending block height order within a
	// pass.
	TransactionsConfirmed(ctx context.Context, height uint32, blockHash chainhash.Hash, txids []chainhash.Hash) error

	// TransactionUnconfirmed informs the sink that a previously confirmed
	// transaction is no longer confirmed. Within a pass, all unconfirmations
	// are delivered before any confirmation.
	TransactionUnconfirmed(ctx context.Context, txid chainhash.Hash) error

	// BestBlockUpdated is delivered once per pass, after all confirmation
	// events, when the tip has changed.
	BestBlockUpdated(ctx context.Context, height uint32, blockHash chainhash.Hash) error

	// RelevantTxids returns the transactions the sink tracked before the
	// current process started. Used by SeedFromSink.
	RelevantTxids(ctx context.Context) ([]RelevantTx, error)
}
