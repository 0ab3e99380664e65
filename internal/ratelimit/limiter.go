// Package ratelimit enforces per-phone and system-wide send quotas over
// fixed minute/hour/day windows.
//
// Counters are persisted rows keyed (phone, window, window_start) and
// mutated only through this package. Checks read the counter for the
// current aligned window of each size, in increasing granularity, and the
// first window at or over its limit denies the send. Limits are
// hot-reloadable from settings storage without a restart.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// SettingKey is the settings-storage key holding JSON limit overrides.
const SettingKey = "rate_limits"

// DefaultRetention is how long expired window counters are kept before
// Reclaim deletes them.
const DefaultRetention = 7 * 24 * time.Hour

// CounterStore is the slice of the persistence layer the limiter consumes.
// A nil phone addresses the global counter row.
type CounterStore interface {
	IncrementRateCounter(phone *string, window models.RateWindow, windowStart time.Time) error
	GetRateCount(phone *string, window models.RateWindow, windowStart time.Time) (int, error)
	DeleteRateCountersBefore(cutoff time.Time) (int, error)
	GetSetting(key string) (string, error)
}

// Limiter gates every outbound send. All methods are safe for concurrent
// use; the active limit configuration is cached and swapped atomically on
// Reload.
type Limiter struct {
	store CounterStore

	mu  sync.RWMutex
	cfg models.RateLimitConfig

	now func() time.Time
}

// NewLimiter creates a limiter backed by st. The initial configuration is
// loaded from settings storage; if no override is stored the built-in
// defaults apply.
func NewLimiter(st CounterStore) *Limiter {
	l := &Limiter{
		store: st,
		cfg:   models.DefaultRateLimitConfig(),
		now:   time.Now,
	}
	if err := l.Reload(); err != nil {
		slog.Warn("Limiter using default config, settings load failed", "error", err)
	}
	return l
}

// Reload refreshes the limit configuration from settings storage. An empty
// setting restores the defaults. The new limits apply starting with the
// next check.
func (l *Limiter) Reload() error {
	raw, err := l.store.GetSetting(SettingKey)
	if err != nil {
		return fmt.Errorf("failed to load rate limit config: %w", err)
	}
	cfg := models.DefaultRateLimitConfig()
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("failed to parse rate limit config: %w", err)
		}
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	slog.Debug("Limiter config reloaded",
		"per_minute", cfg.PerMinute, "per_hour", cfg.PerHour, "per_day", cfg.PerDay,
		"global_per_minute", cfg.GlobalPerMinute, "global_per_hour", cfg.GlobalPerHour, "global_per_day", cfg.GlobalPerDay)
	return nil
}

// Config returns the active limit configuration.
func (l *Limiter) Config() models.RateLimitConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// CheckPhone reports whether phone may send right now. A nil denial with a
// nil error means allowed. A non-nil error means the check itself failed;
// callers must treat that as a denial.
func (l *Limiter) CheckPhone(phone string) (*models.RateLimitDenial, error) {
	cfg := l.Config()
	now := l.now()
	for _, w := range models.RateWindows {
		limit := cfg.PhoneLimit(w)
		if limit <= 0 {
			continue
		}
		start := w.WindowStart(now)
		count, err := l.store.GetRateCount(&phone, w, start)
		if err != nil {
			slog.Error("Limiter CheckPhone count read failed", "error", err, "phone", phone, "window", w)
			return nil, fmt.Errorf("failed to read %s counter for %s: %w", w, phone, err)
		}
		if count >= limit {
			d := denial(models.ScopePhone, w, count, limit, start, now)
			slog.Debug("Limiter CheckPhone denied", "phone", phone, "window", w, "current", count, "limit", limit)
			return d, nil
		}
	}
	return nil, nil
}

// CheckGlobal reports whether the system as a whole may send right now.
// Semantics match CheckPhone.
func (l *Limiter) CheckGlobal() (*models.RateLimitDenial, error) {
	cfg := l.Config()
	now := l.now()
	for _, w := range models.RateWindows {
		limit := cfg.GlobalLimit(w)
		if limit <= 0 {
			continue
		}
		start := w.WindowStart(now)
		count, err := l.store.GetRateCount(nil, w, start)
		if err != nil {
			slog.Error("Limiter CheckGlobal count read failed", "error", err, "window", w)
			return nil, fmt.Errorf("failed to read global %s counter: %w", w, err)
		}
		if count >= limit {
			d := denial(models.ScopeGlobal, w, count, limit, start, now)
			slog.Debug("Limiter CheckGlobal denied", "window", w, "current", count, "limit", limit)
			return d, nil
		}
	}
	return nil, nil
}

// RecordSend increments the phone's minute, hour, and day counters. It is
// called only after a successful send; the increments are
// unique-constraint-backed upserts, so concurrent callers never lose
// counts.
func (l *Limiter) RecordSend(phone string) error {
	return l.record(&phone)
}

// RecordGlobalSend increments the system-wide minute, hour, and day
// counters.
func (l *Limiter) RecordGlobalSend() error {
	return l.record(nil)
}

func (l *Limiter) record(phone *string) error {
	now := l.now()
	var firstErr error
	for _, w := range models.RateWindows {
		if err := l.store.IncrementRateCounter(phone, w, w.WindowStart(now)); err != nil {
			slog.Error("Limiter counter increment failed", "error", err, "window", w, "global", phone == nil)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to increment %s counter: %w", w, err)
			}
		}
	}
	return firstErr
}

// Status reports current usage and remaining headroom for every window of
// one phone and of the system.
func (l *Limiter) Status(phone string) (*models.RateLimitStatus, error) {
	cfg := l.Config()
	now := l.now()
	status := &models.RateLimitStatus{Phone: phone}
	for _, w := range models.RateWindows {
		start := w.WindowStart(now)
		count, err := l.store.GetRateCount(&phone, w, start)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counter for %s: %w", w, phone, err)
		}
		status.Windows = append(status.Windows, windowStatus(w, count, cfg.PhoneLimit(w), start))

		global, err := l.store.GetRateCount(nil, w, start)
		if err != nil {
			return nil, fmt.Errorf("failed to read global %s counter: %w", w, err)
		}
		status.Global = append(status.Global, windowStatus(w, global, cfg.GlobalLimit(w), start))
	}
	return status, nil
}

// Reclaim deletes counters whose window started before the retention
// horizon and returns how many rows were removed. It is scheduled
// periodically; expired counters are dead weight, never read again.
func (l *Limiter) Reclaim() (int, error) {
	cutoff := l.now().Add(-DefaultRetention)
	n, err := l.store.DeleteRateCountersBefore(cutoff)
	if err != nil {
		slog.Error("Limiter Reclaim failed", "error", err, "cutoff", cutoff)
		return 0, fmt.Errorf("failed to reclaim rate counters: %w", err)
	}
	if n > 0 {
		slog.Debug("Limiter reclaimed expired counters", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func denial(scope models.RateLimitScope, w models.RateWindow, current, limit int, start, now time.Time) *models.RateLimitDenial {
	resetAt := start.Add(w.Duration())
	retry := int(resetAt.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return &models.RateLimitDenial{
		Scope:             scope,
		Window:            w,
		Current:           current,
		Limit:             limit,
		ResetAt:           resetAt,
		RetryAfterSeconds: retry,
	}
}

func windowStatus(w models.RateWindow, current, limit int, start time.Time) models.WindowStatus {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return models.WindowStatus{
		Window:    w,
		Current:   current,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   start.Add(w.Duration()),
	}
}
