package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptResolvesExactlyOnce(t *testing.T) {
	attempt := NewAttempt(Surface{SessionID: "cs_1"})

	var wg sync.WaitGroup
	wins := make(chan string, 3)
	for _, fn := range []struct {
		name string
		call func() bool
	}{
		{"succeed", func() bool { return attempt.Succeed("pi_1") }},
		{"cancel", attempt.Cancel},
		{"fail", func() bool { return attempt.Fail("declined") }},
	} {
		wg.Add(1)
		go func(name string, call func() bool) {
			defer wg.Done()
			if call() {
				wins <- name
			}
		}(fn.name, fn.call)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	result, err := attempt.Wait(context.Background())
	switch winners[0] {
	case "succeed":
		require.NoError(t, err)
		assert.Equal(t, "pi_1", result.TransactionID)
	case "cancel":
		assert.ErrorIs(t, err, ErrPaymentCancelled)
	case "fail":
		assert.ErrorIs(t, err, ErrPaymentFailed)
	}
}

func TestAttemptWaitHonoursContextWithoutResolving(t *testing.T) {
	attempt := NewAttempt(Surface{SessionID: "cs_1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := attempt.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, attempt.Succeed("pi_2"), "attempt should still be pending")
	result, err := attempt.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pi_2", result.TransactionID)
}

func TestFailedErrorMatchesSentinel(t *testing.T) {
	var err error = &FailedError{Reason: "card declined"}
	assert.True(t, errors.Is(err, ErrPaymentFailed))
	assert.False(t, errors.Is(err, ErrPaymentCancelled))
	assert.Contains(t, err.Error(), "card declined")

	var failed *FailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "card declined", failed.Reason)
}

func TestSettlementHubFirstEventWins(t *testing.T) {
	hub := NewSettlementHub()
	attempt := NewAttempt(Surface{SessionID: "cs_1"})
	hub.Register("cs_1", attempt)
	require.Equal(t, 1, hub.Pending())

	assert.True(t, hub.Dismiss("cs_1"))
	assert.False(t, hub.Settle("cs_1", "pi_late"))
	assert.False(t, hub.Fail("cs_1", "late"))
	assert.Equal(t, 0, hub.Pending())

	_, err := attempt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrPaymentCancelled)
}

func TestSettlementHubUnknownSession(t *testing.T) {
	hub := NewSettlementHub()
	assert.False(t, hub.Settle("missing", "pi"))
	hub.Register("", NewAttempt(Surface{}))
	assert.Equal(t, 0, hub.Pending())

	attempt := NewAttempt(Surface{SessionID: "cs_2"})
	hub.Register("cs_2", attempt)
	hub.Forget("cs_2")
	assert.False(t, hub.Settle("cs_2", "pi"))
	select {
	case <-attempt.Done():
		t.Fatal("forgotten attempt must not resolve")
	default:
	}
}
