// Package clock abstracts timers so retry, polling and re-routing loops can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into every component that schedules work.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. Returns false if it already fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
