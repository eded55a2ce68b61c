// Package esplora implements the chainwatch.ChainSource interface on top of a
// Blockstream-style esplora REST API.
package esplora

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-retryablehttp"
)

// client implements the chainwatch.ChainSource interface against an esplora
// REST endpoint.
type client struct {
	baseURL string
	conn    *retryablehttp.Client
}

// Ensure client implements the chainwatch.ChainSource and node.FeeEstimator
// interfaces at compile time.
var (
	_ chainwatch.ChainSource = (*client)(nil)
	_ node.FeeEstimator      = (*client)(nil)
)

// NewClient creates a new esplora chain source using the provided HTTP
// connection. The base URL points at the API root, e.g.
// "https://blockstream.info/api".
func NewClient(baseURL string, conn *retryablehttp.Client) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		conn:    conn,
	}
}

// get performs a GET request against the esplora API and returns the raw body.
// A missing resource is reported as errNotFound so callers can distinguish
// "unknown to the chain" from "chain unreachable".
func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chainwatch.ErrChainUnavailable, err)
	}

	res, err := c.conn.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chainwatch.ErrChainUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chainwatch.ErrChainUnavailable, err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned status %d", chainwatch.ErrChainUnavailable, path, res.StatusCode)
	}

	return body, nil
}

// CurrentTip returns the chain tip as a height plus block hash pair. Esplora
// has no atomic tip endpoint, so the pair is assembled from two requests; the
// caller's double-read protocol absorbs a tip moving in between.
func (c *client) CurrentTip(ctx context.Context) (chainwatch.Tip, error) {
	heightRaw, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return chainwatch.Tip{}, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(heightRaw)), 10, 32)
	if err != nil {
		return chainwatch.Tip{}, fmt.Errorf("%w: malformed tip height %q", chainwatch.ErrChainUnavailable, heightRaw)
	}

	hashRaw, err := c.get(ctx, "/blocks/tip/hash")
	if err != nil {
		return chainwatch.Tip{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(hashRaw)))
	if err != nil {
		return chainwatch.Tip{}, fmt.Errorf("%w: malformed tip hash %q", chainwatch.ErrChainUnavailable, hashRaw)
	}

	return chainwatch.Tip{Height: uint32(height), BlockHash: *hash}, nil
}

// TransactionStatus reports where the chain currently sees the transaction. A
// transaction esplora does not know about is simply unconfirmed.
func (c *client) TransactionStatus(ctx context.Context, txid chainhash.Hash) (*chainwatch.TxConfirmation, error) {
	body, err := c.get(ctx, "/tx/"+txid.String()+"/status")
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}

	return parseTxStatus(body)
}

// OutputSpend returns the txid spending the given output, or nil while the
// output is unspent. Unconfirmed spends are ignored: only a confirmed
// spending transaction is worth pulling into the watch-list.
func (c *client) OutputSpend(ctx context.Context, outpoint wire.OutPoint) (*chainhash.Hash, error) {
	path := fmt.Sprintf("/tx/%s/outspend/%d", outpoint.Hash.String(), outpoint.Index)
	body, err := c.get(ctx, path)
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}

	return parseOutspend(body)
}

// FeeEstimates returns the feerate in sat/vB for each confirmation target the
// endpoint advertises.
func (c *client) FeeEstimates(ctx context.Context) (map[uint32]float64, error) {
	body, err := c.get(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}

	return parseFeeEstimates(body)
}
