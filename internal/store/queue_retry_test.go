package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPow4(t *testing.T) {
	assert.Equal(t, time.Duration(1), pow4(0))
	assert.Equal(t, time.Duration(4), pow4(1))
	assert.Equal(t, time.Duration(16), pow4(2))
	assert.Equal(t, time.Duration(64), pow4(3))
}

// TestRetryBackoffSequence traces spec.md's testable scenario 3 for
// max_retries=2: two backed-off retries (30s, then 2m) followed by
// permanent failure on the third call, using retry_count as read
// BEFORE Fail's own increment.
func TestRetryBackoffSequence(t *testing.T) {
	const maxRetries = 2

	retryCount := 0
	assert.False(t, retryCount >= maxRetries)
	assert.Equal(t, 30*time.Second, 30*time.Second*pow4(retryCount))
	retryCount++

	assert.False(t, retryCount >= maxRetries)
	assert.Equal(t, 2*time.Minute, 30*time.Second*pow4(retryCount))
	retryCount++

	assert.True(t, retryCount >= maxRetries)
}
