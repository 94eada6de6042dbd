/*
scheduler.go - Background circulation sweeper

PURPOSE:
  Periodically runs the desk maintenance sweep so that stored records catch
  up with time:
  - PENDING/ACTIVE reservations past their expiry date become EXPIRED and
    their queues are renumbered
  - the head of every queue with a free copy is activated and notified
  - borrowers get due-soon and overdue reminders

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the last result for the admin endpoint

USAGE:
  sweeper := NewSweeper(service, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - desk/sweep.go: the sweep itself
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/circulation-engine/desk"
)

// Sweeper runs desk.Service.Sweep on a ticker.
type Sweeper struct {
	Service       *desk.Service
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	last    desk.SweepResult
	lastErr error
}

// NewSweeper creates a sweeper with a 15 minute interval.
func NewSweeper(svc *desk.Service, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Service:       svc,
		Logger:        logger.With("component", "sweeper"),
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	s.wg.Wait()
	s.Logger.Info("stopped")
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and records its result.
func (s *Sweeper) RunNow(ctx context.Context) (desk.SweepResult, error) {
	result, err := s.Service.Sweep(ctx)
	if err != nil {
		s.Logger.Error("sweep failed", "error", err)
	}

	s.mu.Lock()
	s.last, s.lastErr = result, err
	s.mu.Unlock()
	return result, err
}

// LastRun returns the result of the most recent sweep.
func (s *Sweeper) LastRun() (desk.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *Sweeper) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
