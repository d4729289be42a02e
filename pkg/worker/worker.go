package worker

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work executed on a worker's queue.
type Task func()

// taskQueueSize bounds the per-worker backlog. One second of video at
// high packet rates stays well under this.
const taskQueueSize = 1024

// Worker owns one serialized task queue backed by one goroutine. All
// state pinned to a worker is mutated only from tasks running on it.
type Worker struct {
	id      int
	tasks   chan Task
	wheel   *TimerWheel
	closed  atomic.Bool
	pending atomic.Int64
	loopGID atomic.Int64
	wg      sync.WaitGroup
}

// NewWorker creates and starts a worker with its own timer wheel.
func NewWorker(id int) *Worker {
	w := &Worker{
		id:    id,
		tasks: make(chan Task, taskQueueSize),
	}
	w.wheel = NewTimerWheel(DefaultSlotInterval, DefaultSlotCount)
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) loop() {
	defer w.wg.Done()
	w.loopGID.Store(goid())
	for task := range w.tasks {
		task()
		w.pending.Add(-1)
	}
}

// Post enqueues a task for FIFO execution. Tasks posted after Close are
// dropped.
func (w *Worker) Post(task Task) {
	if w.closed.Load() {
		return
	}
	w.pending.Add(1)
	defer func() {
		// The queue may close concurrently with a post.
		if recover() != nil {
			w.pending.Add(-1)
		}
	}()
	w.tasks <- task
}

// Send executes the task synchronously. Calls originating on this
// worker's goroutine take the fast path and run inline; all others post
// and block on completion.
func (w *Worker) Send(task Task) {
	if w.closed.Load() {
		return
	}
	if goid() == w.loopGID.Load() {
		task()
		return
	}
	done := make(chan struct{})
	w.Post(func() {
		task()
		close(done)
	})
	<-done
}

// ScheduleFromNow runs the task once after the given delay. The
// returned reference cancels at fire time: a fired-but-cancelled task
// no-ops.
func (w *Worker) ScheduleFromNow(task Task, delay time.Duration) *ScheduledTask {
	st := &ScheduledTask{}
	w.wheel.schedule(delay, false, func() {
		if st.Cancelled() {
			return
		}
		w.Post(func() {
			if !st.Cancelled() {
				task()
			}
		})
	})
	return st
}

// ScheduleEvery runs the task periodically until the task returns false
// or the reference is cancelled.
func (w *Worker) ScheduleEvery(task func() bool, period time.Duration) *ScheduledTask {
	st := &ScheduledTask{}
	var entry *timerEntry
	entry = w.wheel.schedule(period, true, func() {
		if st.Cancelled() {
			w.wheel.remove(entry)
			return
		}
		w.Post(func() {
			if st.Cancelled() {
				w.wheel.remove(entry)
				return
			}
			if !task() {
				st.Cancel()
				w.wheel.remove(entry)
			}
		})
	})
	return st
}

// Unschedule cancels a previously scheduled task.
func (w *Worker) Unschedule(st *ScheduledTask) {
	if st != nil {
		st.Cancel()
	}
}

// Pending reports the number of queued-but-unfinished tasks.
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

// Close stops the wheel and drains the queue. Blocks until the loop
// goroutine exits.
func (w *Worker) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.wheel.Stop()
	close(w.tasks)
	w.wg.Wait()
}

// goid extracts the current goroutine id from the runtime stack header
// ("goroutine N ["). Used only for the Send fast path.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// ScheduledTask is a cancellable handle for a timer on a worker.
type ScheduledTask struct {
	cancelled atomic.Bool
}

// Cancel marks the task cancelled; a subsequent fire no-ops.
func (s *ScheduledTask) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (s *ScheduledTask) Cancelled() bool {
	return s.cancelled.Load()
}
