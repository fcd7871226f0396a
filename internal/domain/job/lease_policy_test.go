package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
	})

	t.Run("non-positive default rejected", func(t *testing.T) {
		policy, err := NewLeasePolicy(0)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	t.Run("explicit request kept as whole seconds", func(t *testing.T) {
		decision := policy.Resolve(45 * time.Second)
		assert.Equal(t, 45, decision.Seconds)
		assert.Equal(t, 45*time.Second, decision.Duration())
		assert.Equal(t, LeaseSourceExplicit, decision.Source)
		assert.False(t, decision.Clamped())
	})

	t.Run("zero request takes the default", func(t *testing.T) {
		decision := policy.Resolve(0)
		assert.Equal(t, 30, decision.Seconds)
		assert.True(t, decision.UsedDefault())
	})

	t.Run("sub-second request clamps to one second", func(t *testing.T) {
		decision := policy.Resolve(200 * time.Millisecond)
		assert.Equal(t, 1, decision.Seconds)
		assert.True(t, decision.Clamped())
	})

	t.Run("negative request clamps to one second", func(t *testing.T) {
		decision := policy.Resolve(-time.Minute)
		assert.Equal(t, 1, decision.Seconds)
		assert.True(t, decision.Clamped())
	})
}

func TestLeasePolicy_HeartbeatEvery(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, policy.HeartbeatEvery(30*time.Second))
	assert.Equal(t, 20*time.Second, policy.HeartbeatEvery(time.Minute))

	t.Run("zero lease derives from the default", func(t *testing.T) {
		assert.Equal(t, 10*time.Second, policy.HeartbeatEvery(0))
	})

	t.Run("tiny lease floors at one second", func(t *testing.T) {
		assert.Equal(t, time.Second, policy.HeartbeatEvery(2*time.Second))
	})
}
