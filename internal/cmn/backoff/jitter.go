package backoff

import (
	"math/rand/v2"
	"time"
)

// JitterType selects how much randomness is applied to computed intervals.
type JitterType int

const (
	// NoJitter applies the base interval unchanged.
	NoJitter JitterType = iota
	// FullJitter picks a random interval in [0, base).
	FullJitter
	// EqualJitter picks a random interval in [base/2, base).
	EqualJitter
)

// WithJitter decorates a retry policy with randomized intervals so that many
// clients backing off from the same contended resource do not retry in
// lockstep.
func WithJitter(policy RetryPolicy, jitterType JitterType) RetryPolicy {
	return &jitterPolicy{policy: policy, jitterType: jitterType}
}

type jitterPolicy struct {
	policy     RetryPolicy
	jitterType JitterType
}

// ComputeNextInterval applies jitter to the wrapped policy's interval.
func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	if interval <= 0 {
		return interval, nil
	}

	switch p.jitterType {
	case FullJitter:
		return rand.N(interval), nil
	case EqualJitter:
		half := interval / 2
		return half + rand.N(interval-half), nil
	default:
		return interval, nil
	}
}
