package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayIsDeterministic(t *testing.T) {
	a := Delay("director", "targets", 2, DefaultPolicy)
	b := Delay("director", "targets", 2, DefaultPolicy)
	require.Equal(t, a, b)
}

func TestDelayVariesByScopeOpAndAttempt(t *testing.T) {
	base := Delay("director", "targets", 0, DefaultPolicy)
	require.NotEqual(t, base, Delay("image", "targets", 0, DefaultPolicy))
	require.NotEqual(t, base, Delay("director", "snapshot", 0, DefaultPolicy))
	require.NotEqual(t, base, Delay("director", "targets", 1, DefaultPolicy))
}

func TestDelayGrowsExponentiallyThenCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxJitter: 0, MaxAttempts: 10}
	require.Equal(t, 100*time.Millisecond, Delay("s", "o", 0, p))
	require.Equal(t, 200*time.Millisecond, Delay("s", "o", 1, p))
	require.Equal(t, 400*time.Millisecond, Delay("s", "o", 2, p))
	require.Equal(t, 500*time.Millisecond, Delay("s", "o", 3, p))
	require.Equal(t, 500*time.Millisecond, Delay("s", "o", 30, p))
}

func TestExhaustedAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 4}
	require.False(t, ExhaustedAttempts(0, p))
	require.False(t, ExhaustedAttempts(2, p))
	require.True(t, ExhaustedAttempts(3, p))
	require.True(t, ExhaustedAttempts(5, p))
}
