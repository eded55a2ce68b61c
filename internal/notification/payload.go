package notification

import (
	"encoding/json"
	"fmt"

	"github.com/gabapcia/lnwatch/internal/pkg/validator"
)

// Payload templates, matching the push notification wire format.
const (
	templatePaymentReceived     = "payment_received"
	templateAddressTxsConfirmed = "address_txs_confirmed"
	templateLnurlPayRequest     = "lnurl_pay_request"
)

// payload is the union of parsed notification payloads.
type payload interface {
	enabledIn(toggles Toggles) bool
}

type paymentReceivedPayload struct {
	PaymentHash string `json:"payment_hash" validate:"required"`
}

func (paymentReceivedPayload) enabledIn(toggles Toggles) bool {
	return toggles.PaymentReceivedIsEnabled
}

type addressTxsConfirmedPayload struct {
	Address string `json:"address" validate:"required"`
}

func (addressTxsConfirmedPayload) enabledIn(toggles Toggles) bool {
	return toggles.AddressTxsConfirmedIsEnabled
}

type lnurlPayRequestPayload struct {
	ID           string  `json:"id" validate:"required"`
	AmountMsat   uint64  `json:"amount_msat" validate:"required"`
	Recipient    string  `json:"recipient" validate:"required"`
	PayerComment *string `json:"payer_comment"`
}

func (lnurlPayRequestPayload) enabledIn(toggles Toggles) bool {
	return toggles.LnurlPayRequestIsEnabled
}

// envelope is the outer payload structure: a template tag plus template
// specific data.
type envelope struct {
	Template string          `json:"template"`
	Data     json.RawMessage `json:"data"`
}

// parsePayload decodes and validates a raw notification payload. Any decode
// or validation problem is reported as ErrInvalidPayload.
func parsePayload(raw string) (payload, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var parsed payload
	switch env.Template {
	case templatePaymentReceived:
		parsed = new(paymentReceivedPayload)
	case templateAddressTxsConfirmed:
		parsed = new(addressTxsConfirmedPayload)
	case templateLnurlPayRequest:
		parsed = new(lnurlPayRequestPayload)
	default:
		return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidPayload, env.Template)
	}

	if err := json.Unmarshal(env.Data, parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := validator.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return parsed, nil
}
