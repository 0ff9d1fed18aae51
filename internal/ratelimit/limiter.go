// Package ratelimit throttles the MCP driver tools so a runaway agent cannot
// flood a listening session with trials or churn through sessions.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrLimited is wrapped by CheckLimit when a tool is called too often.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a token bucket per key. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	perSec  float64
	burst   float64
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewLimiter refills perSec tokens per second up to burst. A new key starts
// with a full bucket.
func NewLimiter(perSec float64, burst int) *Limiter {
	return &Limiter{
		perSec:  perSec,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Take spends one token for key. When the bucket is empty it reports how long
// until the next token; zero means never.
func (l *Limiter) Take(key string) (ok bool, retry time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	if dt := now.Sub(b.seen).Seconds(); dt > 0 {
		b.tokens = math.Min(l.burst, b.tokens+dt*l.perSec)
		b.seen = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.perSec <= 0 {
		return false, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / l.perSec * float64(time.Second))
}

// Allow is Take without the retry hint.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key)
	return ok
}

// ToolLimiters holds one limiter per MCP tool name.
type ToolLimiters map[string]*Limiter

// perMinute converts a per-minute budget to the per-second refill rate.
func perMinute(n float64) float64 { return n / 60 }

// NewToolLimiters returns the default budgets. Trial traffic is generous so a
// fast listener is never throttled; session lifecycle calls are not.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"earyx_start":      NewLimiter(perMinute(10), 2),
		"earyx_resume":     NewLimiter(perMinute(10), 2),
		"earyx_load":       NewLimiter(perMinute(5), 2),
		"earyx_finalize":   NewLimiter(perMinute(5), 2),
		"earyx_next_run":   NewLimiter(perMinute(300), 20),
		"earyx_next_trial": NewLimiter(perMinute(300), 20),
		"earyx_answer":     NewLimiter(perMinute(300), 20),
		"earyx_skip":       NewLimiter(perMinute(60), 5),
		"earyx_status":     NewLimiter(perMinute(60), 10),
	}
}

// CheckLimit spends a token for tool. Tools without a limiter always pass.
func CheckLimit(limiters ToolLimiters, tool string) error {
	l, ok := limiters[tool]
	if !ok {
		return nil
	}
	allowed, retry := l.Take(tool)
	if allowed {
		return nil
	}
	if retry == 0 {
		return fmt.Errorf("%w for %s", ErrLimited, tool)
	}
	return fmt.Errorf("%w for %s, retry in %s", ErrLimited, tool, retry.Round(time.Millisecond))
}
