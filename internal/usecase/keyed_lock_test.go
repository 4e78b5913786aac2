package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_LockUnlock(t *testing.T) {
	l := NewKeyedLocker()

	unlock, err := l.Lock(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.ActiveCount())

	unlock()
	unlock()
	assert.Equal(t, 0, l.ActiveCount())
}

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := NewKeyedLocker()

	unlock1, err := l.Lock(context.Background(), "agent-1")
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock2, err := l.Lock(context.Background(), "agent-1")
		if err != nil {
			t.Errorf("second lock: %v", err)
			return
		}
		order <- 2
		unlock2()
	}()

	time.Sleep(30 * time.Millisecond)
	order <- 1
	unlock1()
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 0, l.ActiveCount())
}

func TestKeyedLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyedLocker()

	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()

	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.ActiveCount())
}

func TestKeyedLocker_TryLockAll(t *testing.T) {
	l := NewKeyedLocker()

	unlock, ok := l.TryLockAll([]string{"r2", "r1", "r1"})
	require.True(t, ok)

	_, ok = l.TryLockAll([]string{"r3", "r1"})
	assert.False(t, ok, "overlapping set must not be acquired")
	assert.Equal(t, 2, l.ActiveCount(), "failed attempt releases what it took")

	other, ok := l.TryLockAll([]string{"r3"})
	require.True(t, ok)
	other()

	unlock()
	assert.Equal(t, 0, l.ActiveCount())
}
