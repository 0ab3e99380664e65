// Package models defines rate limiting structures shared by the limiter and
// its callers.
package models

import "time"

// RateWindow is a fixed-size, epoch-aligned time bucket used to cap send
// volume.
type RateWindow string

const (
	WindowMinute RateWindow = "minute"
	WindowHour   RateWindow = "hour"
	WindowDay    RateWindow = "day"
)

// RateWindows lists the configured windows in checking order: the first
// window at or over its limit short-circuits the check.
var RateWindows = []RateWindow{WindowMinute, WindowHour, WindowDay}

// Duration returns the wall-clock size of the window.
func (w RateWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// WindowStart returns the aligned start of the window containing now:
// floor(now / windowDuration) * windowDuration.
func (w RateWindow) WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(w.Duration())
}

// RateWindowCounter is one persisted send counter, unique per
// (phone, window, window_start). A nil phone means the global counter.
type RateWindowCounter struct {
	Phone       *string    `json:"phone,omitempty"`
	Window      RateWindow `json:"window"`
	WindowStart time.Time  `json:"window_start"`
	Count       int        `json:"count"`
}

// RateLimitConfig holds the per-phone and global send limits. It is
// hot-reloadable from settings storage.
type RateLimitConfig struct {
	PerMinute       int `json:"per_minute"`
	PerHour         int `json:"per_hour"`
	PerDay          int `json:"per_day"`
	GlobalPerMinute int `json:"global_per_minute"`
	GlobalPerHour   int `json:"global_per_hour"`
	GlobalPerDay    int `json:"global_per_day"`
}

// DefaultRateLimitConfig returns the built-in limits used when settings
// storage has no overrides.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute:       5,
		PerHour:         50,
		PerDay:          200,
		GlobalPerMinute: 30,
		GlobalPerHour:   500,
		GlobalPerDay:    5000,
	}
}

// PhoneLimit returns the per-phone limit for the given window.
func (c RateLimitConfig) PhoneLimit(w RateWindow) int {
	switch w {
	case WindowMinute:
		return c.PerMinute
	case WindowHour:
		return c.PerHour
	default:
		return c.PerDay
	}
}

// GlobalLimit returns the system-wide limit for the given window.
func (c RateLimitConfig) GlobalLimit(w RateWindow) int {
	switch w {
	case WindowMinute:
		return c.GlobalPerMinute
	case WindowHour:
		return c.GlobalPerHour
	default:
		return c.GlobalPerDay
	}
}

// RateLimitScope distinguishes per-phone denials from global denials.
type RateLimitScope string

const (
	ScopePhone  RateLimitScope = "phone"
	ScopeGlobal RateLimitScope = "global"
)

// RateLimitDenial is the structured result of a failed rate-limit check.
// Quota violations are explicit results callers branch on, not errors thrown
// for control flow.
type RateLimitDenial struct {
	Scope             RateLimitScope `json:"scope"`
	Window            RateWindow     `json:"window"`
	Current           int            `json:"current"`
	Limit             int            `json:"limit"`
	ResetAt           time.Time      `json:"reset_at"`
	RetryAfterSeconds int            `json:"retry_after_seconds"`
}

// WindowStatus reports usage of a single window for status queries.
type WindowStatus struct {
	Window    RateWindow `json:"window"`
	Current   int        `json:"current"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetAt   time.Time  `json:"reset_at"`
}

// RateLimitStatus reports per-window usage for one phone alongside the
// system-wide counters.
type RateLimitStatus struct {
	Phone   string         `json:"phone"`
	Windows []WindowStatus `json:"windows"`
	Global  []WindowStatus `json:"global"`
}
