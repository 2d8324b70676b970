package uws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(nil)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

// flush posts a final task and waits for it, so everything queued before
// has run.
func flush(t *testing.T, l *Loop) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func TestLoop_DeferredRunsBeforeNextTask(t *testing.T) {
	l := runLoop(t)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	// hold the loop so both tasks are queued before the first one runs
	gate := make(chan struct{})
	l.Post(func() { <-gate })
	l.Post(func() {
		record("task 1")
		l.NextTick(func() { record("deferred 1") })
	})
	l.Post(func() { record("task 2") })
	close(gate)

	flush(t, l)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task 1", "deferred 1", "task 2"}, order)
}

func TestLoop_NextTickFromOutsideRuns(t *testing.T) {
	l := runLoop(t)

	done := make(chan struct{})
	require.True(t, l.NextTick(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred callback never ran")
	}
}

func TestLoop_PanicDoesNotStopDispatch(t *testing.T) {
	l := runLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	l.Post(func() { ran = true })
	flush(t, l)

	assert.True(t, ran)
}

func TestLoop_StopFromInsideTask(t *testing.T) {
	l := NewLoop(nil)
	l.Start()

	ranAfterStop := false
	gate := make(chan struct{})
	l.Post(func() { <-gate })
	l.Post(l.Stop)
	l.Post(func() { ranAfterStop = true })
	close(gate)

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, ranAfterStop)
	assert.False(t, l.Post(func() {}))
	assert.False(t, l.NextTick(func() {}))
}
