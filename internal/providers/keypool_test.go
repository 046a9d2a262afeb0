package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPoolRoundRobin(t *testing.T) {
	pool := NewKeyPool([]string{"a", "b", "c"})

	var picked []string
	for i := 0; i < 6; i++ {
		k, err := pool.Pick()
		require.NoError(t, err)
		picked = append(picked, k)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestKeyPoolSkipsCooledKeys(t *testing.T) {
	now := time.Now()
	pool := NewKeyPool([]string{"a", "b"})
	pool.now = func() time.Time { return now }

	pool.MarkCooldown("a", time.Minute)
	for i := 0; i < 3; i++ {
		k, err := pool.Pick()
		require.NoError(t, err)
		assert.Equal(t, "b", k)
	}

	// cooldown expires
	now = now.Add(2 * time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		k, _ := pool.Pick()
		seen[k] = true
	}
	assert.True(t, seen["a"])
}

func TestKeyPoolAllCooledReturnsSoonest(t *testing.T) {
	now := time.Now()
	pool := NewKeyPool([]string{"a", "b", "c"})
	pool.now = func() time.Time { return now }

	pool.MarkCooldown("a", 3*time.Minute)
	pool.MarkCooldown("b", time.Minute)
	pool.MarkCooldown("c", 2*time.Minute)

	k, err := pool.Pick()
	require.NoError(t, err)
	assert.Equal(t, "b", k)
}

func TestKeyPoolEmpty(t *testing.T) {
	_, err := NewKeyPool(nil).Pick()
	assert.ErrorIs(t, err, ErrNoKeys)
}
