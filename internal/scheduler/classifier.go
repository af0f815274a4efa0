package scheduler

import (
	"math"
	"strings"
	"time"
)

// FailureClass is the classifier verdict for a pipeline error.
type FailureClass int

const (
	// FailurePermanent never retries automatically.
	FailurePermanent FailureClass = iota
	// FailureTemporary retries on the backoff schedule.
	FailureTemporary
	// FailureTransient also retries on the backoff schedule; kept distinct
	// for logging.
	FailureTransient
)

func (c FailureClass) String() string {
	switch c {
	case FailurePermanent:
		return "permanent"
	case FailureTemporary:
		return "temporary"
	case FailureTransient:
		return "transient"
	}
	return "unknown"
}

// permanentPatterns mark failures no retry can fix.
var permanentPatterns = []string{
	"unavailable",
	"private",
	"deleted",
	"removed",
	"age-restrict",
	"age restrict",
	"copyright",
	"blocked",
	"sign-in",
	"sign in",
	"login required",
	"members-only",
	"members only",
}

// temporaryPatterns mark failures the upstream is expected to resolve.
var temporaryPatterns = []string{
	"no suitable stream",
	"processing",
	"try later",
	"try again later",
	"temporarily",
}

// ClassifyFailure matches the error message case-insensitively against the
// pattern sets. Anything unrecognized is transient.
func ClassifyFailure(message string) FailureClass {
	lower := strings.ToLower(message)
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return FailurePermanent
		}
	}
	for _, p := range temporaryPatterns {
		if strings.Contains(lower, p) {
			return FailureTemporary
		}
	}
	return FailureTransient
}

// RetryDelay returns the backoff before retry number retryCount (1-based):
// baseDelay × 4^(retryCount−1), i.e. 1, 4, 16, 64 minutes for a one-minute
// base.
func RetryDelay(baseDelay time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(float64(baseDelay) * math.Pow(4, float64(retryCount-1)))
}
