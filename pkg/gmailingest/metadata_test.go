package gmailingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestIsRateLimited_MatchesHTTP429(t *testing.T) {
	err := &googleapi.Error{Code: 429}
	assert.True(t, isRateLimited(err))
}

func TestIsRateLimited_Matches403RateLimitExceeded(t *testing.T) {
	err := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}
	assert.True(t, isRateLimited(err))
}

func TestIsRateLimited_IgnoresUnrelated403(t *testing.T) {
	err := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}
	assert.False(t, isRateLimited(err))
}

func TestIsRateLimited_IgnoresNonGoogleError(t *testing.T) {
	assert.False(t, isRateLimited(errors.New("boom")))
}

func TestNewLimiter_DefaultsWhenNonPositive(t *testing.T) {
	l := NewLimiter(0)
	assert.NotNil(t, l.rl)
}
