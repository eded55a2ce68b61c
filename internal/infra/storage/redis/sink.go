package redis

import (
	"context"
	"encoding/json"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	redis "github.com/redis/go-redis/v9"
)

const (
	// chainEventsStreamKey is the Redis stream carrying delivered chain events
	// in order, for consumption by the embedding application.
	chainEventsStreamKey = "lnwatch:chain:events"

	// watchedTxidsKey is the Redis set of transactions registered for
	// watching. It backs RelevantTxids so a restarted node re-seeds its
	// watch-list.
	watchedTxidsKey = "lnwatch:chain:watched-txids"
)

// Compile-time assertions for the sink and registry interfaces.
var (
	_ chainwatch.Sink = (*client)(nil)
	_ node.TxRegistry = (*client)(nil)
)

// TransactionsConfirmed appends one confirmation event per block to the chain
// events stream.
func (c *client) TransactionsConfirmed(ctx context.Context, height uint32, blockHash chainhash.Hash, txids []chainhash.Hash) error {
	ids := make([]string, len(txids))
	for i, txid := range txids {
		ids[i] = txid.String()
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	return c.conn.XAdd(ctx, &redis.XAddArgs{
		Stream: chainEventsStreamKey,
		Values: map[string]any{
			"type":       "transactions_confirmed",
			"height":     height,
			"block_hash": blockHash.String(),
			"txids":      string(data),
		},
	}).Err()
}

// TransactionUnconfirmed appends an unconfirmation event to the chain events
// stream.
func (c *client) TransactionUnconfirmed(ctx context.Context, txid chainhash.Hash) error {
	return c.conn.XAdd(ctx, &redis.XAddArgs{
		Stream: chainEventsStreamKey,
		Values: map[string]any{
			"type": "transaction_unconfirmed",
			"txid": txid.String(),
		},
	}).Err()
}

// BestBlockUpdated appends a tip advance event to the chain events stream.
func (c *client) BestBlockUpdated(ctx context.Context, height uint32, blockHash chainhash.Hash) error {
	return c.conn.XAdd(ctx, &redis.XAddArgs{
		Stream: chainEventsStreamKey,
		Values: map[string]any{
			"type":       "best_block_updated",
			"height":     height,
			"block_hash": blockHash.String(),
		},
	}).Err()
}

// RelevantTxids returns every transaction ever registered for watching.
func (c *client) RelevantTxids(ctx context.Context) ([]chainwatch.RelevantTx, error) {
	members, err := c.conn.SMembers(ctx, watchedTxidsKey).Result()
	if err != nil {
		return nil, err
	}

	relevant := make([]chainwatch.RelevantTx, 0, len(members))
	for _, member := range members {
		txid, err := chainhash.NewHashFromStr(member)
		if err != nil {
			// Skip corrupt entries rather than blocking every restart.
			continue
		}
		relevant = append(relevant, chainwatch.RelevantTx{Txid: *txid})
	}

	return relevant, nil
}

// AddWatchedTxid persists a registered transaction so it survives restarts.
func (c *client) AddWatchedTxid(ctx context.Context, txid chainhash.Hash) error {
	return c.conn.SAdd(ctx, watchedTxidsKey, txid.String()).Err()
}
