// Package lightning is a REST client for the embedding node daemon. It backs
// the notification collaborators: payment lookups, swap redemption and
// invoice issuance all go through the daemon's API.
package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabapcia/lnwatch/internal/notification"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNodeUnreachable is returned when the node daemon cannot be reached or
// answers with an unexpected status.
var ErrNodeUnreachable = errors.New("lightning node daemon unreachable")

// errNotFound marks a 404 from the daemon. Internal to the package: callers
// of the exported methods see a nil result instead.
var errNotFound = errors.New("lightning: resource not found")

// client implements the notification collaborator interfaces against the node
// daemon's REST API.
type client struct {
	baseURL string
	conn    *retryablehttp.Client
}

var (
	_ notification.PaymentStore  = (*client)(nil)
	_ notification.SwapService   = (*client)(nil)
	_ notification.InvoiceIssuer = (*client)(nil)
)

// NewClient creates a new node daemon client using the provided HTTP
// connection. The base URL points at the daemon's API root.
func NewClient(baseURL string, conn *retryablehttp.Client) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		conn:    conn,
	}
}

func (c *client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.conn.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case res.StatusCode >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrNodeUnreachable, path, res.StatusCode)
	}

	return body, nil
}

type (
	// PaymentResponse represents the /v1/payments/:hash payload.
	PaymentResponse struct {
		PaymentHash string `json:"payment_hash"`
		AmountSat   uint64 `json:"amount_sat"`
		Settled     bool   `json:"settled"`
	}

	// SwapResponse represents the /v1/swaps/in-progress payload.
	SwapResponse struct {
		Address     string `json:"address"`
		PaymentHash string `json:"payment_hash"`
	}

	// FeeResponse represents the /v1/fees/open-channel payload.
	FeeResponse struct {
		FeeMsat uint64 `json:"fee_msat"`
	}

	// InvoiceRequest is the body of POST /v1/invoices.
	InvoiceRequest struct {
		AmountMsat uint64 `json:"amount_msat"`
		Recipient  string `json:"recipient"`
	}

	// InvoiceResponse represents the created invoice.
	InvoiceResponse struct {
		PaymentHash string `json:"payment_hash"`
		AmountMsat  uint64 `json:"amount_msat"`
	}
)

// ConfirmedPayment looks up a settled incoming payment. A payment the daemon
// does not know about, or that has not settled yet, yields a nil result.
func (c *client) ConfirmedPayment(ctx context.Context, paymentHash string) (*notification.Payment, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/payments/"+paymentHash, nil)
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}

	var payment PaymentResponse
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, fmt.Errorf("%w: malformed payment: %v", ErrNodeUnreachable, err)
	}
	if !payment.Settled {
		return nil, nil
	}

	return &notification.Payment{
		Hash:      payment.PaymentHash,
		AmountSat: payment.AmountSat,
	}, nil
}

// InProgressSwap returns the swap currently awaiting an on-chain
// confirmation, or nil when there is none.
func (c *client) InProgressSwap(ctx context.Context) (*notification.Swap, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/swaps/in-progress", nil)
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}

	var swap SwapResponse
	if err := json.Unmarshal(body, &swap); err != nil {
		return nil, fmt.Errorf("%w: malformed swap: %v", ErrNodeUnreachable, err)
	}

	return &notification.Swap{
		Address:     swap.Address,
		PaymentHash: swap.PaymentHash,
	}, nil
}

// RedeemSwap asks the daemon to sweep the confirmed swap address into a
// lightning payment.
func (c *client) RedeemSwap(ctx context.Context, address string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/swaps/"+address+"/redeem", nil)
	if err == errNotFound {
		return fmt.Errorf("%w: no swap for address %s", ErrNodeUnreachable, address)
	}
	return err
}

// OpenChannelFeeMsat returns the fee a new channel would cost for receiving
// the given amount. Zero means the amount fits the existing inbound capacity.
func (c *client) OpenChannelFeeMsat(ctx context.Context, amountMsat uint64) (uint64, error) {
	path := "/v1/fees/open-channel?amount_msat=" + strconv.FormatUint(amountMsat, 10)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var fee FeeResponse
	if err := json.Unmarshal(body, &fee); err != nil {
		return 0, fmt.Errorf("%w: malformed fee: %v", ErrNodeUnreachable, err)
	}

	return fee.FeeMsat, nil
}

// IssueInvoice creates a bolt11 invoice for an incoming LNURL payment.
func (c *client) IssueInvoice(ctx context.Context, amountMsat uint64, recipient string) (notification.Invoice, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/invoices", InvoiceRequest{
		AmountMsat: amountMsat,
		Recipient:  recipient,
	})
	if err != nil {
		return notification.Invoice{}, err
	}

	var invoice InvoiceResponse
	if err := json.Unmarshal(body, &invoice); err != nil {
		return notification.Invoice{}, fmt.Errorf("%w: malformed invoice: %v", ErrNodeUnreachable, err)
	}

	return notification.Invoice{
		PaymentHash: invoice.PaymentHash,
		AmountMsat:  invoice.AmountMsat,
	}, nil
}
