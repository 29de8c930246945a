// Package retrypolicy computes deterministic exponential backoff delays
// for retried network fetches within a single update attempt.
package retrypolicy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the backoff schedule for one class of retried operation.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy makes up to 4 attempts at a network fetch (the first
// try plus 3 retries) with a 500ms base,
// 30s cap, and up to 250ms of jitter.
var DefaultPolicy = Policy{
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	MaxJitter:   250 * time.Millisecond,
	MaxAttempts: 4,
}

// Delay returns the backoff delay before the given attempt (0-indexed)
// of the named operation within the given correlation scope. Jitter is
// a deterministic function of (scope, op, attempt) rather than random,
// so retries are reproducible in tests.
func Delay(scope, op string, attempt int, p Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << uint(attempt)
		}
	}

	base := int64(p.BaseDelay) * factor
	if max := int64(p.MaxDelay); base > max {
		base = max
	}

	return time.Duration(base) + jitter(scope, op, attempt, p.MaxJitter)
}

func jitter(scope, op string, attempt int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", scope, op, attempt)
	h := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(h[:8])
	return time.Duration(basis % uint64(maxJitter))
}

// ExhaustedAttempts reports whether attempt (0-indexed) has reached the
// policy's retry bound.
func ExhaustedAttempts(attempt int, p Policy) bool {
	return attempt+1 >= p.MaxAttempts
}
