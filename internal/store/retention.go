package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/metrics"
)

// RetentionPolicy bounds the store in time and size: entries past the
// retention window are purged, and when usage crosses the high
// watermark the oldest entries are evicted until usage falls to the
// low watermark. The floor is never crossed, even under pressure.
type RetentionPolicy struct {
	Window        time.Duration // retention TTL
	Floor         time.Duration // minimum retention, never evicted below
	HighPct       int           // eviction trigger, percent of MaxBytes
	LowPct        int           // eviction target, percent of MaxBytes
	Batch         int           // max deletions per tick
	SweepInterval time.Duration
}

// RetentionManager runs the periodic maintenance sweep.
type RetentionManager struct {
	store  *BoltStore
	policy RetentionPolicy
	logger *zap.Logger
	stopCh chan struct{}
	nowFn  func() time.Time
}

// NewRetentionManager creates a manager over an open store.
func NewRetentionManager(s *BoltStore, policy RetentionPolicy, logger *zap.Logger) *RetentionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionManager{
		store:  s,
		policy: policy,
		logger: logger.Named("retention"),
		stopCh: make(chan struct{}),
		nowFn:  time.Now,
	}
}

// Start runs the sweep loop until Stop or context cancellation. The
// first sweep runs immediately.
func (m *RetentionManager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.policy.SweepInterval)
	defer ticker.Stop()

	m.Sweep()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the sweep loop.
func (m *RetentionManager) Stop() {
	close(m.stopCh)
}

// Sweep performs one maintenance tick: TTL purge first, then
// watermark eviction. Both are capped at the batch size so a long
// backlog is spread over multiple ticks instead of monopolizing one.
func (m *RetentionManager) Sweep() {
	now := m.nowFn()
	budget := m.policy.Batch

	expired, err := m.store.PurgeExpired(now.Add(-m.policy.Window), budget)
	if err != nil {
		m.logger.Error("ttl purge failed", zap.Error(err))
	} else if expired > 0 {
		metrics.AddExpired(expired)
		m.logger.Info("purged expired entries", zap.Int("count", expired))
	}
	budget -= expired

	if budget > 0 {
		evicted, err := m.evictToLowWatermark(now, budget)
		if err != nil {
			m.logger.Error("watermark eviction failed", zap.Error(err))
		} else if evicted > 0 {
			metrics.AddEvicted(evicted)
		}
	}

	if usage, err := m.store.UsageBytes(); err == nil {
		metrics.SetStoreUsage(usage, m.store.MaxBytes())
	}
	if err := m.store.SetLastSweep(now); err != nil {
		m.logger.Error("failed to record sweep time", zap.Error(err))
	}
}

// evictToLowWatermark deletes oldest-first while usage exceeds the
// low watermark, within the remaining batch budget. Entries younger
// than the floor survive regardless; if everything left is inside the
// floor, eviction stops and the overshoot stands until entries age
// out.
func (m *RetentionManager) evictToLowWatermark(now time.Time, budget int) (int, error) {
	maxBytes := m.store.MaxBytes()
	if maxBytes <= 0 {
		return 0, nil
	}
	usage, err := m.store.UsageBytes()
	if err != nil {
		return 0, err
	}
	highMark := maxBytes * int64(m.policy.HighPct) / 100
	lowMark := maxBytes * int64(m.policy.LowPct) / 100
	if usage < highMark {
		return 0, nil
	}

	m.logger.Warn("usage above high watermark, evicting oldest",
		zap.Int64("usage_bytes", usage),
		zap.Int64("high_watermark_bytes", highMark),
		zap.Int64("low_watermark_bytes", lowMark))

	floor := now.Add(-m.policy.Floor)
	total := 0
	// Evict in small rounds so usage is rechecked against the low
	// watermark without deleting more than necessary.
	const round = 64
	for total < budget {
		n := min(round, budget-total)
		removed, err := m.store.EvictOldest(floor, n)
		if err != nil {
			return total, err
		}
		total += removed
		if removed < n {
			// Nothing older than the floor remains.
			break
		}
		usage, err = m.store.UsageBytes()
		if err != nil {
			return total, err
		}
		if usage <= lowMark {
			break
		}
	}
	if total > 0 {
		m.logger.Info("evicted entries to relieve pressure", zap.Int("count", total))
	}
	return total, nil
}

// LastSweep exposes the recorded sweep time for readiness checks.
func (m *RetentionManager) LastSweep() (time.Time, error) {
	return m.store.LastSweep()
}

// Interval exposes the sweep interval for staleness thresholds.
func (m *RetentionManager) Interval() time.Duration {
	return m.policy.SweepInterval
}
