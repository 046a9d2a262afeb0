package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitDeduplicatesByKey(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	release := make(chan struct{})
	var runs atomic.Int32

	ok := s.Submit("mem:group:1", func(ctx context.Context) {
		runs.Add(1)
		<-release
	})
	require.True(t, ok)

	// same key while running is rejected, a different key is not
	assert.False(t, s.Submit("mem:group:1", func(ctx context.Context) { runs.Add(1) }))
	assert.True(t, s.Submit("topic:group:1", func(ctx context.Context) { runs.Add(1) }))

	close(release)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())

	// key is reusable once the task finished
	assert.True(t, s.Submit("mem:group:1", func(ctx context.Context) {}))
}

func TestShutdownCancelsAndDrains(t *testing.T) {
	s := New(nil)

	started := make(chan struct{})
	var canceled atomic.Bool
	s.Submit("dream", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	})
	<-started

	assert.True(t, s.Shutdown(time.Second))
	assert.True(t, canceled.Load())
	assert.False(t, s.Submit("after", func(ctx context.Context) {}), "closed supervisor rejects tasks")
}

func TestShutdownGraceExpires(t *testing.T) {
	s := New(nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	s.Submit("stuck", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	assert.False(t, s.Shutdown(20*time.Millisecond))
}

func TestTaskPanicIsContained(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	s.Submit("boom", func(ctx context.Context) { panic("nope") })
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Submit("boom", func(ctx context.Context) {}))
}
