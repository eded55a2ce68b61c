package node

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/notification"
	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/scheduler"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init(logger.WithLevel("error"))
}

type fakeChain struct {
	tip      chainwatch.Tip
	statuses map[chainhash.Hash]*chainwatch.TxConfirmation
}

func (f *fakeChain) CurrentTip(ctx context.Context) (chainwatch.Tip, error) {
	return f.tip, nil
}

func (f *fakeChain) TransactionStatus(ctx context.Context, txid chainhash.Hash) (*chainwatch.TxConfirmation, error) {
	return f.statuses[txid], nil
}

func (f *fakeChain) OutputSpend(ctx context.Context, outpoint wire.OutPoint) (*chainhash.Hash, error) {
	return nil, nil
}

func (f *fakeChain) FeeEstimates(ctx context.Context) (map[uint32]float64, error) {
	return map[uint32]float64{6: 12.5}, nil
}

type fakeSink struct {
	relevant  []chainwatch.RelevantTx
	confirmed atomic.Int32
}

func (f *fakeSink) TransactionsConfirmed(ctx context.Context, height uint32, blockHash chainhash.Hash, txids []chainhash.Hash) error {
	f.confirmed.Add(int32(len(txids)))
	return nil
}

func (f *fakeSink) TransactionUnconfirmed(ctx context.Context, txid chainhash.Hash) error {
	return nil
}

func (f *fakeSink) BestBlockUpdated(ctx context.Context, height uint32, blockHash chainhash.Hash) error {
	return nil
}

func (f *fakeSink) RelevantTxids(ctx context.Context) ([]chainwatch.RelevantTx, error) {
	return f.relevant, nil
}

type fakeTips struct {
	stored *chainwatch.Tip
	saves  atomic.Int32
}

func (f *fakeTips) SaveTip(ctx context.Context, tip chainwatch.Tip) error {
	f.stored = &tip
	f.saves.Add(1)
	return nil
}

func (f *fakeTips) LoadLastSyncedTip(ctx context.Context) (*chainwatch.Tip, error) {
	return f.stored, nil
}

type fakeLocker struct {
	held      bool
	releases  atomic.Int32
	refreshes atomic.Int32
}

func (f *fakeLocker) AcquireNodeLock(ctx context.Context, ttl time.Duration) (string, error) {
	if f.held {
		return "", assert.AnError
	}
	f.held = true
	return "token", nil
}

func (f *fakeLocker) RefreshNodeLock(ctx context.Context, token string, ttl time.Duration) error {
	f.refreshes.Add(1)
	return nil
}

func (f *fakeLocker) ReleaseNodeLock(ctx context.Context, token string) error {
	f.held = false
	f.releases.Add(1)
	return nil
}

type fakeRegistry struct {
	added []chainhash.Hash
}

func (f *fakeRegistry) AddWatchedTxid(ctx context.Context, txid chainhash.Hash) error {
	f.added = append(f.added, txid)
	return nil
}

type fakeLightning struct {
	invoice notification.Invoice
}

func (f *fakeLightning) ConfirmedPayment(ctx context.Context, paymentHash string) (*notification.Payment, error) {
	return nil, nil
}

func (f *fakeLightning) InProgressSwap(ctx context.Context) (*notification.Swap, error) {
	return nil, nil
}

func (f *fakeLightning) RedeemSwap(ctx context.Context, address string) error {
	return nil
}

func (f *fakeLightning) OpenChannelFeeMsat(ctx context.Context, amountMsat uint64) (uint64, error) {
	return 0, nil
}

func (f *fakeLightning) IssueInvoice(ctx context.Context, amountMsat uint64, recipient string) (notification.Invoice, error) {
	return f.invoice, nil
}

func mustHash(t *testing.T, s string) chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return *h
}

const (
	testTipHash = "00000000000000000002c9b6f51b0ec9c9e6a3b3f8a5b6c7d8e9f0a1b2c3d4e5"
	testTxid    = "6f7f473b8a3cfd64d2bba66f1a3f8a5b6c7d8e9f0a1b2c3d4e5f60718293a4b5"
)

func newTestService(chain chainwatch.ChainSource, sink chainwatch.Sink, tips *fakeTips, locker *fakeLocker) *service {
	w := chainwatch.New(chain, sink)
	sched := scheduler.New(scheduler.WithTickInterval(10 * time.Millisecond))
	fees, _ := chain.(FeeEstimator)
	return New(w, sched, fees, tips, &fakeRegistry{}, locker, &fakeLightning{})
}

func TestService_Lifecycle(t *testing.T) {
	t.Run("start seeds the watcher and restores the checkpoint", func(t *testing.T) {
		chain := &fakeChain{tip: chainwatch.Tip{Height: 100, BlockHash: mustHash(t, testTipHash)}}
		sink := &fakeSink{relevant: []chainwatch.RelevantTx{{Txid: mustHash(t, testTxid)}}}
		tips := &fakeTips{stored: &chainwatch.Tip{Height: 90, BlockHash: mustHash(t, testTipHash)}}

		s := newTestService(chain, sink, tips, &fakeLocker{})
		require.NoError(t, s.Start(t.Context()))
		defer s.Close()

		txs, _ := s.watcher.WatchedCounts()
		assert.Equal(t, 1, txs, "sink-tracked transactions must be seeded")

		require.NotNil(t, s.watcher.Tip())
		assert.Equal(t, uint32(90), s.watcher.Tip().Height)
	})

	t.Run("start is one-shot", func(t *testing.T) {
		s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, &fakeLocker{})
		require.NoError(t, s.Start(t.Context()))
		defer s.Close()

		assert.ErrorIs(t, s.Start(t.Context()), ErrServiceAlreadyStarted)
	})

	t.Run("start fails when another instance holds the lock", func(t *testing.T) {
		s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, &fakeLocker{held: true})
		assert.Error(t, s.Start(t.Context()))
	})

	t.Run("close releases the lock and is safe without start", func(t *testing.T) {
		locker := &fakeLocker{}
		s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, locker)

		s.Close() // never started

		require.NoError(t, s.Start(t.Context()))
		s.Close()
		assert.Equal(t, int32(1), locker.releases.Load())
	})
}

func TestService_SyncChain(t *testing.T) {
	chain := &fakeChain{tip: chainwatch.Tip{Height: 101, BlockHash: mustHash(t, testTipHash)}}
	tips := &fakeTips{}
	s := newTestService(chain, &fakeSink{}, tips, &fakeLocker{})

	require.NoError(t, s.syncChain(t.Context()))

	require.NotNil(t, tips.stored)
	assert.Equal(t, uint32(101), tips.stored.Height)

	// An unchanged tip does not rewrite the checkpoint.
	require.NoError(t, s.syncChain(t.Context()))
	assert.Equal(t, int32(1), tips.saves.Load())
}

func TestService_WatchTransaction(t *testing.T) {
	t.Run("registers and delivers the current confirmation", func(t *testing.T) {
		txid := mustHash(t, testTxid)
		chain := &fakeChain{
			tip: chainwatch.Tip{Height: 101, BlockHash: mustHash(t, testTipHash)},
			statuses: map[chainhash.Hash]*chainwatch.TxConfirmation{
				txid: {Height: 99, BlockHash: mustHash(t, testTipHash)},
			},
		}
		sink := &fakeSink{}
		s := newTestService(chain, sink, &fakeTips{}, &fakeLocker{})

		report, err := s.WatchTransaction(t.Context(), testTxid)
		require.NoError(t, err)

		assert.Equal(t, 1, report.Confirmed)
		assert.Equal(t, int32(1), sink.confirmed.Load())
	})

	t.Run("rejects a malformed txid", func(t *testing.T) {
		s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, &fakeLocker{})

		_, err := s.WatchTransaction(t.Context(), "not-a-txid")
		assert.Error(t, err)
	})
}

func TestService_HandleNotification(t *testing.T) {
	s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, &fakeLocker{})

	raw := `{"template":"lnurl_pay_request","data":{"id":"8d3e1a7f","amount_msat":21000,"recipient":"satoshi@lipa.swiss"}}`
	toggles := notification.Toggles{LnurlPayRequestIsEnabled: true}

	outcome, err := s.HandleNotification(t.Context(), raw, toggles, time.Second)
	require.NoError(t, err)
	assert.Equal(t, notification.LnurlInvoiceCreated{AmountSat: 21}, outcome)

	// Each call gets a fresh waker, so a second notification still works.
	outcome, err = s.HandleNotification(t.Context(), raw, toggles, time.Second)
	require.NoError(t, err)
	assert.Equal(t, notification.LnurlInvoiceCreated{AmountSat: 21}, outcome)
}

func TestService_RefreshFees(t *testing.T) {
	s := newTestService(&fakeChain{}, &fakeSink{}, &fakeTips{}, &fakeLocker{})

	assert.Nil(t, s.CurrentFeeEstimates())

	require.NoError(t, s.refreshFees(t.Context()))
	assert.Equal(t, map[uint32]float64{6: 12.5}, s.CurrentFeeEstimates())
}
