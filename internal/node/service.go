// Package node coordinates the embedded node's reconciliation lifecycle,
// combining the chain watcher, the periodic scheduler and the persisted
// checkpoint into a unified orchestration layer.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/notification"
	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/pkg/resilience/retry"
	"github.com/gabapcia/lnwatch/internal/scheduler"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrServiceAlreadyStarted is returned if Start is called more than once.
//
// The service must be started only once per lifecycle.
var ErrServiceAlreadyStarted = errors.New("service already started")

// Default cadences per lifecycle state. During startup the chain is synced
// aggressively so the node leaves startup as soon as the chain is reachable;
// fee refreshing is a foreground concern only.
const (
	syncIntervalStartup    = 10 * time.Second
	syncIntervalForeground = 5 * time.Minute
	syncIntervalBackground = 60 * time.Minute

	feeIntervalForeground = 5 * time.Minute

	defaultLockTTL      = 5 * time.Minute
	lockRefreshInterval = time.Minute
)

// TipStorage persists the tip committed by the last fully delivered sync
// pass, so a restarted node resumes from where the sink left off.
type TipStorage interface {
	SaveTip(ctx context.Context, tip chainwatch.Tip) error
	LoadLastSyncedTip(ctx context.Context) (*chainwatch.Tip, error)
}

// TxRegistry persists registered transactions so a restarted node re-seeds
// its watch-list from them.
type TxRegistry interface {
	AddWatchedTxid(ctx context.Context, txid chainhash.Hash) error
}

// Locker guards the checkpoint against two node instances syncing at once.
type Locker interface {
	AcquireNodeLock(ctx context.Context, ttl time.Duration) (string, error)
	RefreshNodeLock(ctx context.Context, token string, ttl time.Duration) error
	ReleaseNodeLock(ctx context.Context, token string) error
}

// FeeEstimator reports the current feerate per confirmation target.
type FeeEstimator interface {
	FeeEstimates(ctx context.Context) (map[uint32]float64, error)
}

// LightningBackend bundles the node daemon operations that notification
// handling needs.
type LightningBackend interface {
	notification.PaymentStore
	notification.SwapService
	notification.InvoiceIssuer
}

// Service defines the node lifecycle and coordination entrypoint.
type Service interface {
	// Start acquires the node lock, restores the persisted checkpoint, seeds
	// the watcher from the sink and launches the periodic scheduler.
	//
	// Returns ErrServiceAlreadyStarted if Start is called more than once.
	// Call Close to shut down all background routines.
	Start(ctx context.Context) error

	// Close shuts down the scheduler and releases the node lock. It is safe
	// to call Close even if the service was never started.
	Close()

	// Foreground and Background request lifecycle transitions; see the
	// scheduler for their exact semantics.
	Foreground()
	Background()

	// WatchTransaction registers a transaction and runs one sync pass.
	WatchTransaction(ctx context.Context, txid string) (chainwatch.SyncReport, error)

	// HandleNotification processes one push notification payload under the
	// given deadline, using a fresh single-shot waker.
	HandleNotification(ctx context.Context, payload string, toggles notification.Toggles, timeout time.Duration) (notification.Notification, error)

	// CurrentFeeEstimates returns the estimates cached by the last
	// fee-refresh run, or nil before the first one.
	CurrentFeeEstimates() map[uint32]float64
}

// closeFunc defines a cleanup routine to stop background goroutines and dependencies.
type closeFunc func()

// service is the internal implementation of the node Service interface.
type service struct {
	mu        sync.Mutex // protects lifecycle state and the fee cache
	isStarted bool
	closeFunc closeFunc

	watcher  *chainwatch.Watcher
	sched    *scheduler.Scheduler
	fees     FeeEstimator
	tips     TipStorage
	registry TxRegistry
	locker   Locker
	ln       LightningBackend

	retrier retry.Retry
	lockTTL time.Duration

	lockToken    string
	feeEstimates map[uint32]float64
}

// Compile-time check to ensure *service implements the Service interface.
var _ Service = new(service)

type config struct {
	lockTTL time.Duration
}

// Option configures the node service.
type Option func(*config)

// WithLockTTL sets the TTL of the single-instance node lock. Default: 5m.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) {
		c.lockTTL = d
	}
}

// New creates a new node service wiring the watcher, scheduler, chain fee
// source, checkpoint storage, node lock and lightning daemon together.
func New(w *chainwatch.Watcher, sched *scheduler.Scheduler, fees FeeEstimator, tips TipStorage, registry TxRegistry, locker Locker, ln LightningBackend, opts ...Option) *service {
	cfg := config{lockTTL: defaultLockTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &service{
		watcher:  w,
		sched:    sched,
		fees:     fees,
		tips:     tips,
		registry: registry,
		locker:   locker,
		ln:       ln,
		retrier:  retry.New(),
		lockTTL:  cfg.lockTTL,
	}
}

// Start initializes the node service.
//
// It takes the node lock, restores the last synced tip, seeds the watch-list
// from the sink, registers the periodic jobs and launches the scheduler.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return ErrServiceAlreadyStarted
	}

	token, err := s.locker.AcquireNodeLock(ctx, s.lockTTL)
	if err != nil {
		return err
	}
	s.lockToken = token

	if err := s.restore(ctx); err != nil {
		s.releaseLock()
		return err
	}

	if err := s.registerJobs(); err != nil {
		s.releaseLock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := s.sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(runCtx, "scheduler stopped", "error", err)
		}
	}()

	s.closeFunc = func() {
		s.sched.Shutdown()
		cancel()
		s.releaseLock()
	}
	s.isStarted = true
	return nil
}

// Close shuts down the scheduler and releases the node lock.
func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeFunc != nil {
		s.closeFunc()
	}

	s.closeFunc = nil
	s.isStarted = false
}

func (s *service) Foreground() { s.sched.Foreground() }
func (s *service) Background() { s.sched.Background() }

// restore rebuilds the watcher's starting state: the persisted tip checkpoint
// plus every transaction the sink tracked before this process started.
func (s *service) restore(ctx context.Context) error {
	tip, err := s.tips.LoadLastSyncedTip(ctx)
	if err != nil {
		return err
	}
	if tip != nil {
		s.watcher.RestoreTip(*tip)
		logger.Info(ctx, "tip checkpoint restored",
			"tip.height", tip.Height,
			"tip.block_hash", tip.BlockHash.String(),
		)
	}

	return s.watcher.SeedFromSink(ctx)
}

func (s *service) registerJobs() error {
	jobs := []scheduler.Job{
		{
			Name:  "chain-sync",
			Group: scheduler.GroupChainSync,
			Intervals: map[scheduler.State]time.Duration{
				scheduler.StateStartup:    syncIntervalStartup,
				scheduler.StateForeground: syncIntervalForeground,
				scheduler.StateBackground: syncIntervalBackground,
			},
			Run: s.syncChain,
		},
		{
			Name: "fee-refresh",
			Intervals: map[scheduler.State]time.Duration{
				scheduler.StateForeground: feeIntervalForeground,
			},
			Run: s.refreshFees,
		},
		{
			Name: "lock-refresh",
			Intervals: map[scheduler.State]time.Duration{
				scheduler.StateStartup:    lockRefreshInterval,
				scheduler.StateForeground: lockRefreshInterval,
				scheduler.StateBackground: lockRefreshInterval,
			},
			Run: s.refreshLock,
		},
	}

	for _, job := range jobs {
		if err := s.sched.RegisterJob(job); err != nil {
			return err
		}
	}
	return nil
}

// syncChain runs one reconciliation pass and checkpoints the tip it
// committed. The checkpoint is written only after the pass fully delivered,
// so a crash in between at worst re-delivers events.
func (s *service) syncChain(ctx context.Context) error {
	report, err := s.watcher.Sync(ctx)
	if err != nil {
		return err
	}

	if report.TipUpdated {
		return s.tips.SaveTip(ctx, report.Tip)
	}
	return nil
}

// refreshFees pulls fresh feerate estimates and caches them for the
// embedding application.
func (s *service) refreshFees(ctx context.Context) error {
	var estimates map[uint32]float64
	err := s.retrier.Execute(ctx, func() error {
		var err error
		estimates, err = s.fees.FeeEstimates(ctx)
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.feeEstimates = estimates
	s.mu.Unlock()
	return nil
}

func (s *service) refreshLock(ctx context.Context) error {
	return s.locker.RefreshNodeLock(ctx, s.lockToken, s.lockTTL)
}

// releaseLock best-effort releases the node lock. Shutdown must not hang on
// an unreachable store; the TTL cleans up eventually.
func (s *service) releaseLock() {
	if s.lockToken == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.locker.ReleaseNodeLock(ctx, s.lockToken); err != nil {
		logger.Warn(ctx, "node lock release failed, waiting for TTL expiry", "error", err)
	}
	s.lockToken = ""
}

// WatchTransaction registers a transaction on the watch-list, persists the
// registration and runs a single sync pass so its current confirmation is
// delivered right away.
func (s *service) WatchTransaction(ctx context.Context, txid string) (chainwatch.SyncReport, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return chainwatch.SyncReport{}, err
	}

	if err := s.registry.AddWatchedTxid(ctx, *hash); err != nil {
		return chainwatch.SyncReport{}, err
	}

	s.watcher.RegisterTransaction(*hash)
	return s.watcher.Sync(ctx)
}

// HandleNotification processes one push notification payload. Every call
// uses a fresh waker: the one-shot state machine is never reused.
func (s *service) HandleNotification(ctx context.Context, payload string, toggles notification.Toggles, timeout time.Duration) (notification.Notification, error) {
	waker := notification.NewWaker(s.watcher, s.ln, s.ln, s.ln)
	return waker.Handle(ctx, payload, toggles, timeout)
}

// CurrentFeeEstimates returns the estimates cached by the last fee-refresh
// run, or nil before the first one.
func (s *service) CurrentFeeEstimates() map[uint32]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeEstimates
}
