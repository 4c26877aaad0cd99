package scheduler

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/seldon-engine/aof/pkg/types"
)

// FailureClass buckets spawn errors so retry policy stays out of the
// dispatch path.
type FailureClass string

const (
	ClassRateLimited      FailureClass = "rate_limited"
	ClassTimeout          FailureClass = "timeout"
	ClassTransientNetwork FailureClass = "transient_network"
	ClassPermanent        FailureClass = "permanent"
	ClassUnknown          FailureClass = "unknown"
)

var httpStatusRe = regexp.MustCompile(`\b([45]\d{2})\b`)

// Classify buckets a spawn error by inspecting its message. Executors do
// not share an error vocabulary, so the signals are textual: rate-limit
// wording, timeout wording, connection failures, embedded HTTP status
// codes, and a handful of configuration mistakes that will never heal on
// their own.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "quota"):
		return ClassRateLimited
	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no route to host"):
		return ClassTransientNetwork
	case strings.Contains(msg, "no such agent"),
		strings.Contains(msg, "unknown agent"),
		strings.Contains(msg, "invalid config"):
		return ClassPermanent
	}

	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		if m[1][0] == '5' {
			return ClassTransientNetwork
		}
		return ClassPermanent
	}
	return ClassUnknown
}

// Target returns the status a failed dispatch moves its task to. Transient
// classes block the task so it can be retried; permanent ones deadletter
// it. Unknown failures block until the retry budget runs out.
func (c FailureClass) Target(retryCount, maxRetries int) types.Status {
	switch c {
	case ClassPermanent:
		return types.StatusDeadletter
	case ClassUnknown:
		if maxRetries > 0 && retryCount >= maxRetries {
			return types.StatusDeadletter
		}
		return types.StatusBlocked
	default:
		return types.StatusBlocked
	}
}
