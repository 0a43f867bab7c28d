//go:build linux
// +build linux

package server

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedsuo/ifrit"
	"go.uber.org/zap/zaptest"
)

func TestSubmitDelayedRunsAfterDelay(t *testing.T) {
	s, _ := startServer(t, Config{Workers: 2})

	start := time.Now()
	ran := make(chan bool, 1)
	require.NoError(t, s.SubmitDelayed(50*time.Millisecond, func(cancelled bool) {
		ran <- cancelled
	}, "after"))

	select {
	case cancelled := <-ran:
		assert.False(t, cancelled)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed work did not run")
	}
}

func TestSubmitDelayedRunsInDeadlineOrder(t *testing.T) {
	s, _ := startServer(t, Config{Workers: 1})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for _, ms := range []int{150, 50, 100, 0} {
		ms := ms
		wg.Add(1)
		require.NoError(t, s.SubmitDelayed(time.Duration(ms)*time.Millisecond, func(cancelled bool) {
			defer wg.Done()
			assert.False(t, cancelled)
			mu.Lock()
			order = append(order, ms)
			mu.Unlock()
		}, "ordered"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed work did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 50, 100, 150}, order)
}

func TestDelayedWorkCancelledOnShutdown(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Workers: 1})
	s.SetLogger(zaptest.NewLogger(t))
	proc := ifrit.Invoke(s)

	cancelled := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.SubmitDelayed(time.Hour, func(c bool) {
			cancelled <- c
		}, "later"))
	}

	proc.Signal(os.Interrupt)
	select {
	case err := <-proc.Wait():
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	require.Len(t, cancelled, 2)
	assert.True(t, <-cancelled)
	assert.True(t, <-cancelled)

	assert.ErrorIs(t, s.SubmitDelayed(0, func(bool) {}, "late"), ErrStopped)
}

func TestSubmitDelayedBeforeRun(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	assert.ErrorIs(t, s.SubmitDelayed(0, func(bool) {}, "early"), ErrNotRunning)
}
