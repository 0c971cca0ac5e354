/*
scheduler.go - Background repair and notification sweeper

PURPOSE:
  Periodically posts verified payments that have no ledger entry yet
  (degraded verifications, gateway transactions verified out of band) and
  drains the notification outbox to the configured Notifier.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each tick runs one RepairUnposted sweep, then one outbox drain
  - Failures are logged and retried next tick; nothing is fatal
  - The ledger stays correct without the sweeper; it only shortens the
    time a degraded verification stays unposted

CONFIGURATION:
  - Interval:  How often to sweep (default: 1 minute)
  - BatchSize: Max rows per repair and per drain (default: 100)

USAGE:
  sweeper := NewSweeper(svc, notifier, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - ledger/verification.go: RepairUnposted
  - ledger/service.go: DrainNotifications
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 100
)

// Sweeper runs repair and notification delivery in the background.
type Sweeper struct {
	Service   *ledger.Service
	Notifier  ledger.Notifier
	Log       *zap.Logger
	Interval  time.Duration
	BatchSize int
	Enabled   bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(svc *ledger.Service, notifier ledger.Notifier, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Service:   svc,
		Notifier:  notifier,
		Log:       log,
		Interval:  DefaultSweepInterval,
		BatchSize: DefaultSweepBatch,
		Enabled:   true,
	}
}

// Start begins the sweeper. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Log.Info("sweeper started", zap.Duration("interval", s.Interval))
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// SweepResult reports one pass.
type SweepResult struct {
	Repair    ledger.RepairReport
	Delivered int
}

// Sweep runs one repair pass and one outbox drain.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	report, err := s.Service.RepairUnposted(ctx, s.BatchSize)
	if err != nil {
		s.Log.Error("repair sweep failed", zap.Error(err))
	}
	res.Repair = report

	if s.Notifier != nil {
		n, err := s.Service.DrainNotifications(ctx, s.Notifier, s.BatchSize)
		if err != nil {
			s.Log.Error("notification drain failed", zap.Error(err))
		}
		res.Delivered = n
	}

	if res.Repair.Posted+res.Repair.Failed+res.Delivered > 0 {
		s.Log.Debug("sweep complete",
			zap.Int("posted", res.Repair.Posted),
			zap.Int("failed", res.Repair.Failed),
			zap.Int("delivered", res.Delivered))
	}
	return res
}
