package esplora

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gabapcia/lnwatch/internal/chainwatch"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// errNotFound marks a 404 from the esplora API. Internal to the package:
// callers of the exported methods see a nil result instead.
var errNotFound = errors.New("esplora: resource not found")

type (
	// TxStatusResponse represents the /tx/:txid/status payload.
	TxStatusResponse struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	}

	// OutspendResponse represents the /tx/:txid/outspend/:vout payload.
	OutspendResponse struct {
		Spent  bool             `json:"spent"`
		Txid   string           `json:"txid"`
		Vin    uint32           `json:"vin"`
		Status TxStatusResponse `json:"status"`
	}
)

func parseTxStatus(body []byte) (*chainwatch.TxConfirmation, error) {
	var status TxStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("%w: malformed tx status: %v", chainwatch.ErrChainUnavailable, err)
	}

	if !status.Confirmed {
		return nil, nil
	}

	blockHash, err := chainhash.NewHashFromStr(status.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed block hash %q", chainwatch.ErrChainUnavailable, status.BlockHash)
	}

	return &chainwatch.TxConfirmation{
		Height:    status.BlockHeight,
		BlockHash: *blockHash,
	}, nil
}

func parseOutspend(body []byte) (*chainhash.Hash, error) {
	var outspend OutspendResponse
	if err := json.Unmarshal(body, &outspend); err != nil {
		return nil, fmt.Errorf("%w: malformed outspend: %v", chainwatch.ErrChainUnavailable, err)
	}

	if !outspend.Spent || !outspend.Status.Confirmed {
		return nil, nil
	}

	txid, err := chainhash.NewHashFromStr(outspend.Txid)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed spending txid %q", chainwatch.ErrChainUnavailable, outspend.Txid)
	}

	return txid, nil
}

func parseFeeEstimates(body []byte) (map[uint32]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed fee estimates: %v", chainwatch.ErrChainUnavailable, err)
	}

	estimates := make(map[uint32]float64, len(raw))
	for target, rate := range raw {
		blocks, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed fee target %q", chainwatch.ErrChainUnavailable, target)
		}
		estimates[uint32(blocks)] = rate
	}

	return estimates, nil
}
