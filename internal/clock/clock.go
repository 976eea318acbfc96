// Package clock abstracts time so the supervisor's timers (handshake
// timeout, backoff, grace period, crash window) can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the host.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
