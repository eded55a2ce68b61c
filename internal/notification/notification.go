package notification

// Toggles enables or disables handling per payload category. A payload whose
// category is disabled fails immediately without any chain access.
type Toggles struct {
	PaymentReceivedIsEnabled     bool
	AddressTxsConfirmedIsEnabled bool
	LnurlPayRequestIsEnabled     bool
}

// Notification is the closed set of outcomes a handled notification can
// produce. NoMatchingEvent is a successful outcome, not an error.
type Notification interface {
	notification()
}

// PaymentReceived reports that a previously issued bolt11 invoice was paid.
type PaymentReceived struct {
	AmountSat   uint64
	PaymentHash string
}

// OnchainPaymentSwappedIn reports that an on-chain receive completed and was
// swapped into a lightning payment.
type OnchainPaymentSwappedIn struct {
	AmountSat   uint64
	PaymentHash string
}

// LnurlInvoiceCreated reports that an invoice was issued for an incoming
// LNURL payment.
type LnurlInvoiceCreated struct {
	AmountSat uint64
}

// NoMatchingEvent reports that the expected event did not happen before the
// deadline.
type NoMatchingEvent struct{}

func (PaymentReceived) notification()         {}
func (OnchainPaymentSwappedIn) notification() {}
func (LnurlInvoiceCreated) notification()     {}
func (NoMatchingEvent) notification()         {}
