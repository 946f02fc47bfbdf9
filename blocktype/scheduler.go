package blocktype

import (
	"time"

	"github.com/benbjohnson/clock"
)

// ClockScheduler adapts a github.com/benbjohnson/clock.Clock to the
// Scheduler interface. Use clock.New() in production and clock.NewMock()
// in tests that need to fast-forward the cleaner's sweep interval.
type ClockScheduler struct {
	Clock clock.Clock
}

// NewScheduler returns a Scheduler backed by the real wall clock.
func NewScheduler() *ClockScheduler {
	return &ClockScheduler{Clock: clock.New()}
}

// NewMockScheduler returns a Scheduler backed by a mock clock that only
// advances when the test tells it to.
func NewMockScheduler() (*ClockScheduler, *clock.Mock) {
	m := clock.NewMock()
	return &ClockScheduler{Clock: m}, m
}

func (s *ClockScheduler) Now() time.Time {
	return s.Clock.Now()
}

func (s *ClockScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return clockTimer{t: s.Clock.AfterFunc(d, fn)}
}

type clockTimer struct {
	t *clock.Timer
}

func (c clockTimer) Stop() bool {
	return c.t.Stop()
}
