// Package notification answers "did the expected event happen before the
// deadline" for a node woken up by a push notification.
//
// Instead of starting the full periodic scheduler, a Waker drives a single
// deadline-bounded reconciliation loop over an already-seeded watcher and
// inspects the sink-observable state at a short poll interval. Hitting the
// deadline is a successful outcome (NoMatchingEvent), distinct from every
// error kind.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/pkg/x/chflow"
)

// defaultPollInterval is how often the waker re-checks the sink-observable
// state between sync passes.
const defaultPollInterval = 2 * time.Second

// Syncer runs one reconciliation pass. Satisfied by *chainwatch.Watcher.
type Syncer interface {
	SeedFromSink(ctx context.Context) error
	Sync(ctx context.Context) (chainwatch.SyncReport, error)
}

// Payment is a completed incoming payment as observed through the sink's
// persisted state.
type Payment struct {
	Hash      string
	AmountSat uint64
}

// PaymentStore looks up completed payments. A nil result without error means
// the payment has not completed yet.
type PaymentStore interface {
	ConfirmedPayment(ctx context.Context, paymentHash string) (*Payment, error)
}

// Swap is an in-progress on-chain to lightning swap.
type Swap struct {
	Address     string
	PaymentHash string
}

// SwapService exposes the swap state needed to redeem a confirmed on-chain
// receive. A nil swap without error means nothing is in progress.
type SwapService interface {
	InProgressSwap(ctx context.Context) (*Swap, error)
	RedeemSwap(ctx context.Context, address string) error
}

// Invoice is an issued bolt11 invoice.
type Invoice struct {
	PaymentHash string
	AmountMsat  uint64
}

// InvoiceIssuer creates invoices for incoming LNURL payments and probes the
// fee a new channel would cost for a given amount.
type InvoiceIssuer interface {
	OpenChannelFeeMsat(ctx context.Context, amountMsat uint64) (uint64, error)
	IssueInvoice(ctx context.Context, amountMsat uint64, recipient string) (Invoice, error)
}

// HandleState is the waker's position in its one-shot state machine:
// Idle -> Syncing -> {EventFound, TimedOut, Errored} -> Done.
type HandleState int

const (
	StateIdle HandleState = iota
	StateSyncing
	StateEventFound
	StateTimedOut
	StateErrored
	StateDone
)

func (s HandleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateEventFound:
		return "event_found"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Waker handles exactly one notification. No state is ever re-entered; a
// second Handle call on the same instance fails with a permanent error.
type Waker struct {
	syncer   Syncer
	payments PaymentStore
	swaps    SwapService
	invoices InvoiceIssuer

	pollInterval time.Duration

	mu       sync.Mutex
	state    HandleState
	consumed bool
}

type config struct {
	pollInterval time.Duration
}

// Option configures a Waker.
type Option func(*config)

// WithPollInterval sets the sink polling interval. Default: 2s.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// NewWaker creates a single-shot notification handler. The syncer is the
// minimal watcher context; it is seeded from the sink's persisted
// commitments before the first pass.
func NewWaker(syncer Syncer, payments PaymentStore, swaps SwapService, invoices InvoiceIssuer, opts ...Option) *Waker {
	cfg := config{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Waker{
		syncer:       syncer,
		payments:     payments,
		swaps:        swaps,
		invoices:     invoices,
		pollInterval: cfg.pollInterval,
	}
}

// State reports the waker's current state machine position.
func (w *Waker) State() HandleState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Waker) setState(state HandleState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Handle processes one notification payload under the given deadline.
//
// Disabled categories fail before any chain access. The deadline is a hard
// cutoff propagated through ctx into every collaborator call; state already
// committed by completed sync passes is consistent and safe to leave in
// place for a subsequently started full node.
func (w *Waker) Handle(ctx context.Context, rawPayload string, toggles Toggles, timeout time.Duration) (Notification, error) {
	w.mu.Lock()
	if w.consumed {
		w.mu.Unlock()
		return nil, newError(CodePermanentFailure, errors.New("waker already consumed"))
	}
	w.consumed = true
	w.mu.Unlock()

	outcome, err := w.handle(ctx, rawPayload, toggles, timeout)

	switch {
	case err != nil:
		w.setState(StateErrored)
	case outcome == (NoMatchingEvent{}):
		w.setState(StateTimedOut)
	default:
		w.setState(StateEventFound)
	}
	w.setState(StateDone)

	return outcome, err
}

func (w *Waker) handle(ctx context.Context, rawPayload string, toggles Toggles, timeout time.Duration) (Notification, error) {
	parsed, err := parsePayload(rawPayload)
	if err != nil {
		return nil, err
	}

	if !parsed.enabledIn(toggles) {
		return nil, newError(CodeNotificationDisabledInToggles, errors.New("payload category disabled by the embedding application"))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch p := parsed.(type) {
	case *paymentReceivedPayload:
		return w.handlePaymentReceived(ctx, p)
	case *addressTxsConfirmedPayload:
		return w.handleAddressTxsConfirmed(ctx, p)
	case *lnurlPayRequestPayload:
		return w.handleLnurlPayRequest(ctx, p)
	default:
		return nil, newError(CodePermanentFailure, errors.New("unhandled payload type"))
	}
}

// handlePaymentReceived waits for a previously issued invoice to be paid.
func (w *Waker) handlePaymentReceived(ctx context.Context, p *paymentReceivedPayload) (Notification, error) {
	payment, err := w.waitForPayment(ctx, p.PaymentHash)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return NoMatchingEvent{}, nil
	}

	return PaymentReceived{
		AmountSat:   payment.AmountSat,
		PaymentHash: payment.Hash,
	}, nil
}

// handleAddressTxsConfirmed redeems the in-progress swap behind a confirmed
// on-chain receive and waits for the resulting lightning payment.
func (w *Waker) handleAddressTxsConfirmed(ctx context.Context, p *addressTxsConfirmedPayload) (Notification, error) {
	swap, err := w.swaps.InProgressSwap(ctx)
	if err != nil {
		return nil, newError(CodeNodeUnavailable, err)
	}
	if swap == nil || swap.Address != p.Address {
		return nil, newError(CodeInProgressSwapNotFound, errors.New("confirmed address does not match any in-progress swap"))
	}

	if err := w.swaps.RedeemSwap(ctx, swap.Address); err != nil {
		return nil, newError(CodeNodeUnavailable, err)
	}

	payment, err := w.waitForPayment(ctx, swap.PaymentHash)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return NoMatchingEvent{}, nil
	}

	return OnchainPaymentSwappedIn{
		AmountSat:   payment.AmountSat,
		PaymentHash: payment.Hash,
	}, nil
}

// handleLnurlPayRequest issues an invoice for an incoming LNURL payment. No
// sync loop runs here; the request either completes or fails immediately.
func (w *Waker) handleLnurlPayRequest(ctx context.Context, p *lnurlPayRequestPayload) (Notification, error) {
	feeMsat, err := w.invoices.OpenChannelFeeMsat(ctx, p.AmountMsat)
	if err != nil {
		return nil, newError(CodeNodeUnavailable, err)
	}
	if feeMsat > 0 {
		// The payment would force a channel open the payer is not aware of.
		return nil, newError(CodeInsufficientInboundLiquidity, errors.New("invoice would require opening a new channel"))
	}

	invoice, err := w.invoices.IssueInvoice(ctx, p.AmountMsat, p.Recipient)
	if err != nil {
		return nil, newError(CodeNodeUnavailable, err)
	}

	logger.Info(ctx, "lnurl invoice created",
		"invoice.payment_hash", invoice.PaymentHash,
		"invoice.amount_msat", invoice.AmountMsat,
	)
	return LnurlInvoiceCreated{AmountSat: p.AmountMsat / 1000}, nil
}

// waitForPayment runs the bounded reconciliation loop: seed, then sync and
// poll the payment store until the payment completes or the deadline
// expires. A nil payment without error means the deadline elapsed.
func (w *Waker) waitForPayment(ctx context.Context, paymentHash string) (*Payment, error) {
	w.setState(StateSyncing)

	if err := w.syncer.SeedFromSink(ctx); err != nil {
		return nil, w.classify(ctx, err)
	}

	for {
		if _, err := w.syncer.Sync(ctx); err != nil {
			return nil, w.classify(ctx, err)
		}

		payment, err := w.payments.ConfirmedPayment(ctx, paymentHash)
		if err != nil {
			return nil, w.classify(ctx, err)
		}
		if payment != nil {
			return payment, nil
		}

		if _, ok := chflow.Receive(ctx, time.After(w.pollInterval)); !ok {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Debug(ctx, "deadline elapsed without a matching event",
					"payment.hash", paymentHash,
				)
				return nil, nil
			}
			return nil, newError(CodeNodeUnavailable, ctx.Err())
		}
	}
}

// classify maps a collaborator failure to the outcome taxonomy: a failure
// caused by the expired deadline is the NoMatchingEvent outcome, anything
// else is transient.
func (w *Waker) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return newError(CodeNodeUnavailable, err)
}
