package notification

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when the notification payload cannot be
// parsed or fails validation. Invalid input is never retried; the caller has
// to fix the request.
var ErrInvalidPayload = errors.New("notification payload not recognized")

// Code classifies a notification handling failure.
type Code string

const (
	// CodeNotificationDisabledInToggles rejects a payload whose category the
	// embedding application disabled. Returned before any chain access.
	CodeNotificationDisabledInToggles Code = "notification_disabled_in_notification_toggles"

	// CodeInProgressSwapNotFound rejects an address-txs-confirmed payload
	// that does not match any in-progress swap.
	CodeInProgressSwapNotFound Code = "in_progress_swap_not_found"

	// CodeInsufficientInboundLiquidity rejects an LNURL pay request whose
	// invoice would require opening a new channel.
	CodeInsufficientInboundLiquidity Code = "insufficient_inbound_liquidity"

	// CodeNodeUnavailable marks transient failures of the node's
	// collaborators (chain source, payment store, invoice issuer).
	CodeNodeUnavailable Code = "node_unavailable"

	// CodePermanentFailure marks invariant violations requiring developer
	// attention, such as reusing a consumed waker.
	CodePermanentFailure Code = "permanent_failure"
)

// Error is a typed notification handling failure. A deadline expiry is not an
// Error: it yields the NoMatchingEvent outcome instead.
type Error struct {
	Code  Code
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}
