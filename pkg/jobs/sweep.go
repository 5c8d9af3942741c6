package jobs

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often SweepService hard-deletes expired
// sessions absent JOB_CLEANUP_INTERVAL.
const DefaultSweepInterval = time.Hour

// SweepService periodically hard-deletes expired sessions. Unlike the
// job registry's own Prune (in-memory, TTL-based), this runs against the
// database directly in admin mode — expired sessions carry no tenant
// data worth retaining once past expires_at, so there's no soft-delete
// step here.
type SweepService struct {
	db       *sql.DB
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService constructs a sweep service. interval <= 0 falls back
// to DefaultSweepInterval.
func NewSweepService(db *sql.DB, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SweepService{db: db, interval: interval}
}

// Start launches the background sweep loop. Calling Start twice without
// an intervening Stop is a no-op.
func (s *SweepService) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("session sweep started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *SweepService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("session sweep stopped")
}

func (s *SweepService) run(ctx context.Context) {
	defer close(s.done)

	s.sweepExpiredSessions(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredSessions(ctx)
		}
	}
}

func (s *SweepService) sweepExpiredSessions(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("session sweep removed expired sessions", "count", n)
	}
}
