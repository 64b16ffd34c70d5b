package queue

import (
	"errors"
	"math/rand"
	"time"
)

// retryDelay grows the base delay exponentially with the attempt count and
// clamps at cap. Jitter is added separately so the deterministic part stays
// testable.
func retryDelay(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// jitter returns a uniform random duration in [0, max). Spreads retries of
// simultaneously-failing jobs so they do not stampede the store.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// PermanentError marks a processor failure that must not be retried,
// regardless of the remaining attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the engine fails the job without rescheduling.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
