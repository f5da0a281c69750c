package marketdata

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrRateLimited matches any *RateLimitedError.
	ErrRateLimited = errors.New("marketdata: rate limit exceeded")

	// ErrSearchFailed is returned when symbol search cannot be served.
	ErrSearchFailed = errors.New("marketdata: symbol search failed")

	// ErrIntradayUnavailable is returned when no intraday series could be
	// loaded for the requested day.
	ErrIntradayUnavailable = errors.New("marketdata: intraday data unavailable")
)

// RateLimitedError is returned when every free source failed and the
// quota-limited primary has no call left in its window.
type RateLimitedError struct {
	Kind string
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("marketdata: rate limit exceeded for %s, please wait %d seconds", e.Kind, e.RetryAfterSeconds())
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the wait up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return int(math.Ceil(e.Wait.Seconds()))
}
