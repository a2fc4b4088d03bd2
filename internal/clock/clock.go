// Package clock provides the injectable time source used by the sentinel
// loop, the scanner backoff, and the secret store timestamps.
//
// Production code holds a Clock field set to Real(). Tests set it to a
// FakeClock and move time with Advance, using WaitForTimers to make sure the
// goroutine under test has registered its wait before time moves.
package clock

import "time"

// Clock abstracts the time operations koralReef depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
