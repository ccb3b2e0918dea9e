package replication

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	RetryConstant    = "constant"
	RetryExponential = "exponential"

	DefaultRetryInterval    = 5 * time.Second
	DefaultMaxRetryInterval = 30 * time.Second
)

// NewRetryPolicy returns the delay policy used between replication attempts.
// "constant" waits interval every time; "exponential" starts at interval and
// doubles up to max with jitter. Neither policy ever gives up.
func NewRetryPolicy(kind string, interval, max time.Duration) (backoff.BackOff, error) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", RetryConstant:
		return backoff.NewConstantBackOff(interval), nil
	case RetryExponential:
		if max <= 0 {
			max = DefaultMaxRetryInterval
		}
		if max < interval {
			max = interval
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = interval
		b.MaxInterval = max
		b.Multiplier = 2
		b.RandomizationFactor = 0.2
		b.Reset()
		return b, nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q (want %q or %q)", kind, RetryConstant, RetryExponential)
	}
}

// nextDelay returns the next delay from b, restarting the policy if it
// signalled backoff.Stop.
func nextDelay(b backoff.BackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		b.Reset()
		d = b.NextBackOff()
		if d == backoff.Stop {
			d = DefaultRetryInterval
		}
	}
	return d
}
