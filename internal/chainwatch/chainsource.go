package chainwatch

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrChainUnavailable wraps connectivity failures of the underlying chain
// source. A sync pass that fails with it leaves the watch-lists untouched and
// is retried by the scheduler on its normal cadence.
var ErrChainUnavailable = errors.New("chain source unavailable")

// Tip identifies the most recently known chain head.
type Tip struct {
	Height    uint32
	BlockHash chainhash.Hash
}

// TxConfirmation describes the block a transaction was confirmed in.
type TxConfirmation struct {
	Height    uint32
	BlockHash chainhash.Hash
}

// ChainSource supplies the blockchain queries the watcher needs to reconcile
// its watch-lists. Implementations are expected to answer from a single,
// possibly-forking chain view; the watcher itself detects and survives
// reorgs, so a source only has to report what it currently believes.
type ChainSource interface {
	// CurrentTip returns the chain head the source currently believes in.
	CurrentTip(ctx context.Context) (Tip, error)

	// TransactionStatus reports the confirmation of the given transaction,
	// or nil if the source considers it unconfirmed.
	TransactionStatus(ctx context.Context, txid chainhash.Hash) (*TxConfirmation, error)

	// OutputSpend reports the txid of the confirmed transaction spending the
	// given outpoint, or nil if the output is unspent as far as the source
	// can tell.
	OutputSpend(ctx context.Context, outpoint wire.OutPoint) (*chainhash.Hash, error)
}
