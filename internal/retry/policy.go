// Package retry decides whether a failed attempt is worth repeating and how
// long to wait before doing so.
package retry

import (
	"time"

	"github.com/forkful/mediaqueue/internal/transfer"
)

// Decision is the policy's verdict for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy applies exponential backoff with a cap so retries after an outage
// do not land simultaneously.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Decide classifies err against the attempt budget. attempt is the number of
// attempts already counted, including the one that just failed.
func (p Policy) Decide(err error, attempt, maxAttempts int) Decision {
	if transfer.IsCancelled(err) || transfer.IsValidation(err) {
		// Cancellation is user-initiated; validation can never succeed.
		return Decision{}
	}
	if attempt >= maxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
