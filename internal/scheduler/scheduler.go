package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// Refresher is the part of the gateway the warmer drives.
type Refresher interface {
	Refresh(ctx context.Context, tenant weather.Tenant, kind weather.SectionKind) error
	Sections(tenant weather.Tenant) []weather.SectionKind
}

// Scheduler periodically refreshes every section of every configured tenant
// so that reads keep landing on the hot tier.
type Scheduler struct {
	scheduler *gocron.Scheduler
	refresher Refresher
	tenants   []weather.Tenant
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a new Scheduler.
func New(tenants []weather.Tenant, interval time.Duration, refresher Refresher, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		refresher: refresher,
		tenants:   tenants,
		interval:  interval,
		timeout:   30 * time.Second,
		logger:    logger.Named("warmer"),
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.tenants) == 0 {
		s.logger.Info("no tenants configured; nothing to schedule")
		return nil
	}
	if s.interval <= 0 {
		s.logger.Info("warming disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).Do(func() {
		s.runOnce(context.Background())
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// runOnce refreshes all tenant sections concurrently and returns how many
// refreshes failed. Sections behind an open circuit are skipped, not failed.
func (s *Scheduler) runOnce(ctx context.Context) int {
	s.logger.Debug("running warm job")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, tenant := range s.tenants {
		for _, kind := range s.refresher.Sections(tenant) {
			wg.Add(1)
			go func() {
				defer wg.Done()

				ctx, cancel := context.WithTimeout(ctx, s.timeout)
				defer cancel()

				err := s.refresher.Refresh(ctx, tenant, kind)
				switch {
				case err == nil:
				case errors.Is(err, weather.ErrCircuitOpen):
					s.logger.Debug("circuit open; skipped", zap.String("tenant", tenant.Slug), zap.String("section", string(kind)))
				default:
					s.logger.Warn("refresh failed", zap.String("tenant", tenant.Slug), zap.String("section", string(kind)), zap.Error(err))
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	s.logger.Debug("completed warm job", zap.Int("failed", failed))
	return failed
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
