package domain

import "github.com/jonboulle/clockwork"

// clock feeds processing-time stamps and the future-timestamp skew check.
// It is swappable so normalization tests can pin "now" next to their fixtures.
var clock = clockwork.NewRealClock()

// SetClock replaces the package time source. A nil clock restores real time;
// tests that install a fake should defer SetClock(nil).
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}
