// Package retry holds the bounded retry helpers used around artifact and store I/O.
package retry

import (
	"fmt"
	"time"
)

// DoR attempts to run a function up to attempts times. If any time the function f succeeds,
// it will return the result and no error straightaway. Otherwise, it will return the last result
// and the error. The wait between attempts grows linearly with delay.
func DoR[R any](attempts int, delay time.Duration, f func() (R, error)) (numAttempts int, result R, lastErr error) {
	attempts = max(attempts, 1)
	for numAttempts = 1; numAttempts <= attempts; numAttempts++ {
		var err error
		result, err = f()
		if err == nil {
			return numAttempts, result, nil
		}

		lastErr = err
		if numAttempts < attempts {
			time.Sleep(time.Duration(numAttempts) * delay)
		}
	}
	return attempts, result, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Do attempts to run a function up to attempts times. If any time the function f succeeds,
// it will return with no error straightaway. Otherwise, it will return the error
func Do(attempts int, delay time.Duration, f func() error) (numAttempts int, lastErr error) {
	numAttempts, _, lastErr = DoR(attempts, delay, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return numAttempts, lastErr
}
