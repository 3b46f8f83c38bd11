package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	p := NewExponentialPolicy(3, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())

	transient := fmt.Errorf("%w: lookup timed out", monitor.ErrTransient)
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))

	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.True(t, p.ShouldRetry(errors.New("unexpected"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("%w: id mismatch", monitor.ErrValidation), 1))
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	p := NewExponentialPolicy(5, 100*time.Millisecond, time.Second)

	for range 20 {
		first := p.Backoff(1)
		require.GreaterOrEqual(t, first, 50*time.Millisecond)
		require.Less(t, first, 100*time.Millisecond)

		capped := p.Backoff(10)
		require.GreaterOrEqual(t, capped, 500*time.Millisecond)
		require.Less(t, capped, time.Second)
	}
}
