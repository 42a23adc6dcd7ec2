package proxypool

import (
	"net/url"
	"sync/atomic"
	"time"
)

// Entry is one egress proxy plus its health state. Counters are atomics so
// concurrent requests can report outcomes without a pool-wide lock.
type Entry struct {
	URL   *url.URL // scheme://[user:pass@]host:port
	Index int      // position in the pool slice it was loaded into

	id            string
	successes     atomic.Int64
	failures      atomic.Int64
	pressure      atomic.Int32 // consecutive failures since the last success
	cooldownUntil atomic.Int64 // unix nanos, 0 when not cooling down
	lastUsed      atomic.Int64
}

// NewEntry wraps a parsed proxy URL
func NewEntry(u *url.URL) *Entry {
	return &Entry{URL: u}
}

// Label is the proxy address without credentials, safe for logs and metrics
func (e *Entry) Label() string {
	if e == nil || e.URL == nil {
		return ""
	}
	return e.URL.Scheme + "://" + e.URL.Host
}

// Key identifies the proxy across reloads, credentials included
func (e *Entry) Key() string {
	return e.URL.String()
}

// ID is an opaque handle for the proxy that survives reloads and is safe to
// put in client-facing URLs. It is assigned by the pool the entry is loaded
// into and is empty before that.
func (e *Entry) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// Successes returns the cumulative success count
func (e *Entry) Successes() int64 { return e.successes.Load() }

// Failures returns the cumulative failure count
func (e *Entry) Failures() int64 { return e.failures.Load() }

// Pressure returns the number of failures since the last success
func (e *Entry) Pressure() int32 { return e.pressure.Load() }

// Health is a Laplace-smoothed success rate in (0, 1). A fresh entry scores
// 0.5 so it is neither favoured nor starved before it has any history.
func (e *Entry) Health() float64 {
	s := float64(e.successes.Load())
	f := float64(e.failures.Load())
	return (s + 1) / (s + f + 2)
}

// CooldownUntil returns the cooldown deadline, zero when not cooling down
func (e *Entry) CooldownUntil() time.Time {
	n := e.cooldownUntil.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// InCooldown reports whether the entry is cooling down at now
func (e *Entry) InCooldown(now time.Time) bool {
	n := e.cooldownUntil.Load()
	return n != 0 && now.UnixNano() < n
}

// LastUsed returns when the entry was last handed out
func (e *Entry) LastUsed() time.Time {
	n := e.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// extendCooldown moves the deadline forward, never backwards, so two
// concurrent failures cannot shorten each other's cooldown.
func (e *Entry) extendCooldown(until time.Time) {
	target := until.UnixNano()
	for {
		cur := e.cooldownUntil.Load()
		if cur >= target {
			return
		}
		if e.cooldownUntil.CompareAndSwap(cur, target) {
			return
		}
	}
}

// inherit copies health state from the same proxy in a previous pool
func (e *Entry) inherit(old *Entry) {
	e.successes.Store(old.successes.Load())
	e.failures.Store(old.failures.Load())
	e.pressure.Store(old.pressure.Load())
	e.cooldownUntil.Store(old.cooldownUntil.Load())
	e.lastUsed.Store(old.lastUsed.Load())
}
