package queue

import (
	"math/rand"
	"time"
)

const (
	// MaxRetries is the retry budget before a queue item becomes terminally
	// failed and requires an explicit operator reset.
	MaxRetries = 5

	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// backoffDelay returns the exponential backoff for the given retry count,
// with ±20% jitter so a batch of failures does not retry in lockstep.
func backoffDelay(retryCount int) time.Duration {
	d := backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - jitter
	}
	return d + jitter
}
