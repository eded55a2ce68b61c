package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	redis "github.com/redis/go-redis/v9"
)

// Compile-time assertion to ensure *client satisfies the node.TipStorage interface
var _ node.TipStorage = (*client)(nil)

// tipStorageKey is the Redis key holding the last fully synced chain tip.
const tipStorageKey = "lnwatch:chain:synced-tip"

// tipRecord is the persisted form of a chain tip checkpoint.
type tipRecord struct {
	Height    uint32 `json:"height"`
	BlockHash string `json:"block_hash"`
}

// SaveTip persists the last fully synced chain tip. It is called only after
// every event of a sync pass has been delivered, so a checkpoint always
// describes a state the sink has fully seen.
func (c *client) SaveTip(ctx context.Context, tip chainwatch.Tip) error {
	data, err := json.Marshal(tipRecord{
		Height:    tip.Height,
		BlockHash: tip.BlockHash.String(),
	})
	if err != nil {
		return err
	}

	return c.conn.Set(ctx, tipStorageKey, data, 0).Err()
}

// LoadLastSyncedTip returns the last persisted chain tip checkpoint, or nil
// when the node has never completed a sync pass.
func (c *client) LoadLastSyncedTip(ctx context.Context) (*chainwatch.Tip, error) {
	data, err := c.conn.Get(ctx, tipStorageKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var record tipRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt tip checkpoint: %w", err)
	}

	hash, err := chainhash.NewHashFromStr(record.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("corrupt tip checkpoint: %w", err)
	}

	return &chainwatch.Tip{Height: record.Height, BlockHash: *hash}, nil
}
