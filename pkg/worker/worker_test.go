package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPostFIFO(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		w.Post(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not drain")
	}
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkerSendBlocks(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	var ran atomic.Bool
	w.Send(func() {
		ran.Store(true)
	})
	assert.True(t, ran.Load(), "Send must complete before returning")
}

func TestWorkerSendFastPathFromOwnQueue(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	done := make(chan struct{})
	w.Post(func() {
		// A Send issued from the worker's own goroutine must run inline
		// instead of deadlocking on itself.
		w.Send(func() {})
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send from own worker deadlocked")
	}
}

func TestScheduleFromNowFires(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	fired := make(chan struct{})
	w.ScheduleFromNow(func() { close(fired) }, 60*time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never fired")
	}
}

func TestScheduleCancelledTaskNoOps(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	var fired atomic.Bool
	st := w.ScheduleFromNow(func() { fired.Store(true) }, 60*time.Millisecond)
	st.Cancel()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, fired.Load(), "cancelled task must not run")
}

func TestScheduleEveryStopsOnFalse(t *testing.T) {
	w := NewWorker(0)
	defer w.Close()

	var count atomic.Int32
	w.ScheduleEvery(func() bool {
		return count.Add(1) < 3
	}, 40*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(3), count.Load(), "periodic task must stop after returning false")
}

func TestTimerWheelHorizonCap(t *testing.T) {
	tw := NewTimerWheel(10*time.Millisecond, 8)
	defer tw.Stop()

	fired := make(chan struct{})
	// Beyond one wheel revolution: carried by rounds, still fires.
	tw.schedule(200*time.Millisecond, false, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("beyond-horizon entry never fired")
	}
}

func TestThreadPoolLessUsedWorker(t *testing.T) {
	p := NewThreadPool(2)
	defer p.Close()

	block := make(chan struct{})
	// Load worker 0 with a long-running task plus backlog.
	p.Worker(0).Post(func() { <-block })
	p.Worker(0).Post(func() {})
	p.Worker(0).Post(func() {})

	assert.Eventually(t, func() bool {
		return p.LessUsedWorker().ID() == 1
	}, time.Second, 10*time.Millisecond)
	close(block)
}

func TestIOWorkerPairing(t *testing.T) {
	p := NewThreadPool(3)
	defer p.Close()
	io := NewIOWorkerPool(p)

	for i := 0; i < 3; i++ {
		assert.Equal(t, i, io.IOWorker(i).Paired().ID())
	}

	done := make(chan struct{})
	io.IOWorker(1).Invoke(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("io worker invoke never ran")
	}
}
