// Package ratelimit provides token-bucket admission control for remote batch
// calls. The admitted rate moves in two tiers: directly from quota signals in
// API responses, and periodically from the observed success and throttle rate.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nadmax/calbulk/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	maxHistory  = 50
	minimumRate = 0.001
)

type Config struct {
	Rate             float64       `yaml:"rate"`
	Capacity         int           `yaml:"capacity"`
	MinRate          float64       `yaml:"min_rate"`
	MaxRate          float64       `yaml:"max_rate"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	RecoveryFactor   float64       `yaml:"recovery_factor"`
	SuccessThreshold float64       `yaml:"success_threshold"`
	AdjustInterval   time.Duration `yaml:"adjust_interval"`
}

func DefaultConfig() Config {
	return Config{
		Rate:             10,
		Capacity:         10,
		MinRate:          1,
		MaxRate:          50,
		BackoffFactor:    0.5,
		RecoveryFactor:   1.2,
		SuccessThreshold: 0.95,
		AdjustInterval:   30 * time.Second,
	}
}

type Adjustment struct {
	At     time.Time `json:"at"`
	From   float64   `json:"from"`
	To     float64   `json:"to"`
	Reason string    `json:"reason"`
}

// State is a read-only view of the bucket.
type State struct {
	Capacity    int          `json:"capacity"`
	Tokens      float64      `json:"tokens"`
	LastRefill  time.Time    `json:"lastRefill"`
	Rate        float64      `json:"rate"`
	Successes   int          `json:"successes"`
	Failures    int          `json:"failures"`
	RateLimited int          `json:"rateLimited"`
	History     []Adjustment `json:"history"`
}

// Feedback carries quota signals parsed from a remote response.
type Feedback struct {
	RetryAfter   time.Duration
	Remaining    int
	HasRemaining bool
	ResetAfter   time.Duration
}

type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	bucket      *rate.Limiter
	lastRefill  time.Time
	successes   int
	failures    int
	rateLimited int
	history     []Adjustment
	log         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate < cfg.Rate {
		cfg.MaxRate = math.Max(def.MaxRate, cfg.Rate)
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = def.RecoveryFactor
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = def.AdjustInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{
		cfg:        cfg,
		bucket:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Capacity),
		lastRefill: time.Now(),
		log:        logger.With("component", "ratelimit"),
	}
}

// Acquire blocks until a token is available and consumes it. Tokens are only
// taken when present, so the bucket never goes negative.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		now := time.Now()
		if l.bucket.AllowN(now, 1) {
			l.mu.Lock()
			l.lastRefill = now
			l.mu.Unlock()
			metrics.UpdateRateLimit(float64(l.bucket.Limit()), l.bucket.TokensAt(now))
			return nil
		}

		timer := time.NewTimer(l.waitFor(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) waitFor(now time.Time) time.Duration {
	limit := float64(l.bucket.Limit())
	if limit <= 0 {
		return time.Second
	}

	need := 1 - l.bucket.TokensAt(now)
	if need <= 0 {
		need = 0.01
	}

	d := time.Duration(need / limit * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}

	return d
}

func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
}

func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	l.failures++
	l.mu.Unlock()
}

func (l *Limiter) RecordRateLimited() {
	l.mu.Lock()
	l.rateLimited++
	l.mu.Unlock()
}

// ApplyFeedback overrides the rate from explicit quota signals.
func (l *Limiter) ApplyFeedback(fb Feedback) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	switch {
	case fb.RetryAfter > 0:
		l.setRateLocked(1/fb.RetryAfter.Seconds(), "retry_after")
		l.drainLocked(now)
	case fb.HasRemaining && fb.ResetAfter > 0:
		if fb.Remaining <= 0 {
			l.setRateLocked(1/fb.ResetAfter.Seconds(), "quota_exhausted")
			l.drainLocked(now)
			return
		}
		l.setRateLocked(float64(fb.Remaining)/fb.ResetAfter.Seconds(), "quota_remaining")
	}
}

// Adjust runs one trend-based adjustment over the counts gathered since the
// previous call.
func (l *Limiter) Adjust() (Adjustment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.successes + l.failures + l.rateLimited
	current := float64(l.bucket.Limit())
	next := current
	reason := ""

	switch {
	case l.rateLimited > 0:
		// a header override may already sit below the floor
		next = math.Min(current, math.Max(current*l.cfg.BackoffFactor, l.cfg.MinRate))
		reason = "rate_limited"
	case total > 0 && float64(l.successes)/float64(total) > l.cfg.SuccessThreshold:
		next = math.Min(current*l.cfg.RecoveryFactor, l.cfg.MaxRate)
		reason = "recovery"
	}

	l.successes, l.failures, l.rateLimited = 0, 0, 0

	if reason == "" || next == current {
		return Adjustment{}, false
	}

	return l.setRateLocked(next, reason), true
}

func (l *Limiter) setRateLocked(r float64, reason string) Adjustment {
	r = math.Min(math.Max(r, minimumRate), l.cfg.MaxRate)
	adj := Adjustment{At: time.Now(), From: float64(l.bucket.Limit()), To: r, Reason: reason}

	l.bucket.SetLimitAt(adj.At, rate.Limit(r))
	l.history = append(l.history, adj)
	if over := len(l.history) - maxHistory; over > 0 {
		l.history = append([]Adjustment(nil), l.history[over:]...)
	}

	metrics.RecordRateAdjustment(reason)
	metrics.UpdateRateLimit(r, l.bucket.TokensAt(adj.At))
	l.log.Info("rate adjusted", "from", adj.From, "to", adj.To, "reason", reason)

	return adj
}

func (l *Limiter) drainLocked(now time.Time) {
	if n := int(l.bucket.TokensAt(now)); n > 0 {
		l.bucket.AllowN(now, n)
	}
}

func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	tokens := math.Max(0, math.Min(l.bucket.TokensAt(now), float64(l.cfg.Capacity)))

	return State{
		Capacity:    l.cfg.Capacity,
		Tokens:      tokens,
		LastRefill:  l.lastRefill,
		Rate:        float64(l.bucket.Limit()),
		Successes:   l.successes,
		Failures:    l.failures,
		RateLimited: l.rateLimited,
		History:     append([]Adjustment(nil), l.history...),
	}
}

// Restore resumes a previously persisted admitted rate.
func (l *Limiter) Restore(s State) {
	if s.Rate <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket.SetLimit(rate.Limit(math.Min(math.Max(s.Rate, minimumRate), l.cfg.MaxRate)))
	l.history = append([]Adjustment(nil), s.History...)
}

// TrimHistory drops all but the latest keep adjustments.
func (l *Limiter) TrimHistory(keep int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if over := len(l.history) - keep; over > 0 {
		l.history = append([]Adjustment(nil), l.history[over:]...)
	}
}

// Run applies trend-based adjustments every AdjustInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Adjust()
		}
	}
}
