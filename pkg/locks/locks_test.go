package locks

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	m := NewManager()

	const workers = 50
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock("task-1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
	assert.Equal(t, 0, m.Len(), "locks should be reclaimed after release")
}

func TestWithLockIndependentKeys(t *testing.T) {
	m := NewManager()

	release := make(chan struct{})
	firstHeld := make(chan struct{})

	go func() {
		_ = m.WithLock("task-a", func() error {
			close(firstHeld)
			<-release
			return nil
		})
	}()

	<-firstHeld

	// A different key must not block behind task-a.
	ran := false
	err := m.WithLock("task-b", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	close(release)
}

func TestWithLockPropagatesError(t *testing.T) {
	m := NewManager()

	sentinel := errors.New("boom")
	err := m.WithLock("task-1", func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	// The lock is free again after a failing fn.
	err = m.WithLock("task-1", func() error { return nil })
	assert.NoError(t, err)
}
