// Package reaper periodically removes expired pending requests and online
// records that stopped refreshing, e.g. because the process that owned
// them crashed before marking them offline.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/mossy-p/presence-relay/internal/telemetry"
	"go.uber.org/zap"
)

type PendingSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type PresenceScanner interface {
	ScanPeers(ctx context.Context, fn func(models.Peer) error) error
	ReapStale(ctx context.Context, peerID string, threshold time.Duration, now time.Time) (*models.Peer, error)
}

// LeaveNotifier is told about every peer the reaper removes.
type LeaveNotifier interface {
	NotifyLeft(ctx context.Context, peer models.Peer)
}

// IdleCloser closes transport sessions nobody has used for too long.
type IdleCloser interface {
	CloseIdle(ctx context.Context) (int, error)
}

type Options struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	Notifier       LeaveNotifier
	IdleCloser     IdleCloser
	Now            func() time.Time
	Metrics        *telemetry.Metrics
}

// Report is the outcome of one sweep.
type Report struct {
	PendingRemoved     int           `json:"pendingRemoved"`
	StaleRemoved       int           `json:"staleRemoved"`
	IdleSessionsClosed int           `json:"idleSessionsClosed"`
	Errors             []string      `json:"errors,omitempty"`
	Duration           time.Duration `json:"durationNs"`
}

type Reaper struct {
	pending  PendingSweeper
	presence PresenceScanner
	opts     Options
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	// sweeps never overlap, whether manual or scheduled
	mu sync.Mutex
}

func New(pending PendingSweeper, presence PresenceScanner, opts Options, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Reaper{pending: pending, presence: presence, opts: opts, metrics: metrics, logger: logger}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		zap.Duration("interval", r.opts.Interval),
		zap.Duration("stale_threshold", r.opts.StaleThreshold))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every phase once. A failing phase is recorded in the report
// and does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	var report Report

	r.phase(&report, "pending", func() error {
		n, err := r.pending.Sweep(ctx)
		report.PendingRemoved = n
		return err
	})
	r.phase(&report, "stale", func() error {
		n, err := r.reapStale(ctx)
		report.StaleRemoved = n
		return err
	})
	if r.opts.IdleCloser != nil {
		r.phase(&report, "idle", func() error {
			n, err := r.opts.IdleCloser.CloseIdle(ctx)
			report.IdleSessionsClosed = n
			return err
		})
	}

	report.Duration = time.Since(start)
	r.metrics.ReaperPendingRemoved.Add(ctx, int64(report.PendingRemoved))
	r.metrics.ReaperStaleRemoved.Add(ctx, int64(report.StaleRemoved))

	fields := []zap.Field{
		zap.Int("pending_removed", report.PendingRemoved),
		zap.Int("stale_removed", report.StaleRemoved),
		zap.Int("idle_closed", report.IdleSessionsClosed),
		zap.Duration("took", report.Duration),
	}
	switch {
	case len(report.Errors) > 0:
		r.logger.Warn("Reaper sweep finished with errors", append(fields, zap.Strings("errors", report.Errors))...)
	case report.PendingRemoved+report.StaleRemoved+report.IdleSessionsClosed > 0:
		r.logger.Info("Reaper sweep", fields...)
	default:
		r.logger.Debug("Reaper sweep", fields...)
	}
	return report
}

func (r *Reaper) phase(report *Report, name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: panic: %v", name, p))
		}
	}()
	if err := fn(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
	}
}

func (r *Reaper) reapStale(ctx context.Context) (int, error) {
	now := r.opts.Now()

	var candidates []string
	err := r.presence.ScanPeers(ctx, func(p models.Peer) error {
		if p.IsStale(now, r.opts.StaleThreshold) {
			candidates = append(candidates, p.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range candidates {
		// ReapStale re-checks, so a peer that heartbeated since the scan stays.
		p, err := r.presence.ReapStale(ctx, id, r.opts.StaleThreshold, now)
		if err != nil {
			return removed, err
		}
		if p == nil {
			continue
		}
		removed++
		r.logger.Info("Removed stale peer",
			zap.String("peer_id", p.ID),
			zap.String("room_id", p.RoomID),
			zap.Time("last_activity", p.LastActive()))
		if r.opts.Notifier != nil {
			r.opts.Notifier.NotifyLeft(ctx, *p)
		}
	}
	return removed, nil
}
