// Package clock injects wall-clock access so timeout, backoff, and
// heartbeat logic throughout the engine can be driven deterministically in
// tests (§9 design note: "inject a clock abstraction").
package clock

import "time"

// Clock is the minimal time surface every component that reasons about
// timeouts, backoff, or heartbeat TTLs depends on instead of the time
// package directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer the engine needs (its channel
// and Stop), so fakes can implement it without wrapping the real type.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the production Clock, a thin wrapper over the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) Sleep(d time.Duration)                   { time.Sleep(d) }
func (Real) NewTimer(d time.Duration) Timer          { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
