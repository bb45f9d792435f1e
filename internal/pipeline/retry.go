package pipeline

import "time"

const maxBackoff = 30 * time.Minute

// RetryPolicy decides whether a failed attempt goes back to pending and
// when it becomes claimable again. Attempts counts claims including the
// one that just failed.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff is the delay after the first failure; it doubles on each
	// further failure up to maxBackoff.
	Backoff time.Duration
}

type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}
}

func (p RetryPolicy) Decide(attempts int, kind Kind) RetryDecision {
	if kind == KindDataIntegrity || attempts >= p.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: p.delay(attempts)}
}

func (p RetryPolicy) delay(attempts int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
