package offline

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
)

// retrySchedule computes the delay before the next attempt of an operation
// that has failed `retries` times. A non-positive initial interval disables
// backoff entirely.
type retrySchedule struct {
	initial time.Duration
	max     time.Duration
}

func (s retrySchedule) delay(retries int) time.Duration {
	if s.initial <= 0 || retries <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = s.max
	if b.MaxInterval < s.initial {
		b.MaxInterval = s.initial
	}
	b.Reset()

	var wait time.Duration
	for i := 0; i < retries; i++ {
		wait = b.NextBackOff()
		if wait == backoff.Stop {
			return s.max
		}
	}
	return wait
}

func (s retrySchedule) next(now time.Time, retries int) time.Time {
	wait := s.delay(retries)
	if wait <= 0 {
		return time.Time{}
	}
	return now.Add(wait)
}
