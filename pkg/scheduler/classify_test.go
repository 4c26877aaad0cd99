package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seldon-engine/aof/pkg/types"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"http 429", errors.New("agent platform returned 429 Too Many Requests"), ClassRateLimited},
		{"rate limit wording", errors.New("rate limit exceeded, retry later"), ClassRateLimited},
		{"quota wording", errors.New("monthly quota exhausted"), ClassRateLimited},
		{"deadline exceeded", fmt.Errorf("spawn: %w", context.DeadlineExceeded), ClassTimeout},
		{"timed out wording", errors.New("request timed out after 30s"), ClassTimeout},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ClassTransientNetwork},
		{"connection refused", errors.New("dial unix: connection refused"), ClassTransientNetwork},
		{"http 503", errors.New("upstream returned 503 service unavailable"), ClassTransientNetwork},
		{"http 404", errors.New("agent endpoint returned 404"), ClassPermanent},
		{"no such agent", errors.New("no such agent: planner-9"), ClassPermanent},
		{"invalid config", errors.New("invalid config: missing api token"), ClassPermanent},
		{"anything else", errors.New("the platform shrugged"), ClassUnknown},
		{"nil", nil, ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyRateLimitBeatsEmbeddedTimeout(t *testing.T) {
	// Both signals present: the rate-limit reading wins so the retry
	// schedule backs off instead of hammering.
	assert.Equal(t, ClassRateLimited, Classify(errors.New("429: request timed out waiting for quota")))
}

func TestFailureClassTarget(t *testing.T) {
	assert.Equal(t, types.StatusBlocked, ClassRateLimited.Target(5, 3))
	assert.Equal(t, types.StatusBlocked, ClassTimeout.Target(5, 3))
	assert.Equal(t, types.StatusBlocked, ClassTransientNetwork.Target(5, 3))
	assert.Equal(t, types.StatusDeadletter, ClassPermanent.Target(0, 3))

	assert.Equal(t, types.StatusBlocked, ClassUnknown.Target(2, 3))
	assert.Equal(t, types.StatusDeadletter, ClassUnknown.Target(3, 3))
	assert.Equal(t, types.StatusBlocked, ClassUnknown.Target(99, 0), "zero maxRetries disables the cutoff")
}
