package uws

import (
	"sync"

	"github.com/eapache/queue"
)

// Loop serialises every engine notification and deferred callback onto a
// single goroutine. Post appends a task; NextTick appends a callback that runs
// once the task currently being dispatched has returned, before the next task.
// Neither call ever blocks the caller.
type Loop struct {
	logger Logger

	mu       sync.Mutex
	tasks    *queue.Queue
	deferred *queue.Queue
	stopped  bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewLoop(logger Logger) *Loop {
	return &Loop{
		logger:   loggerOrNop(logger).WithField("component", "loop"),
		tasks:    queue.New(),
		deferred: queue.New(),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the dispatch goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Post schedules fn as a new task. It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	return l.push(l.tasks, fn)
}

// NextTick schedules fn right after the current dispatch cycle.
func (l *Loop) NextTick(fn func()) bool {
	return l.push(l.deferred, fn)
}

// Stop makes the loop exit after the task it is running, if any. Queued tasks
// are discarded. Safe to call from inside a task.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed when the dispatch goroutine has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) push(q *queue.Queue, fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	q.Add(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) pop(q *queue.Queue) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || q.Length() == 0 {
		return nil
	}
	return q.Remove().(func())
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}

		l.drainDeferred()
		for fn := l.pop(l.tasks); fn != nil; fn = l.pop(l.tasks) {
			l.exec(fn)
			l.drainDeferred()
		}
	}
}

func (l *Loop) drainDeferred() {
	for fn := l.pop(l.deferred); fn != nil; fn = l.pop(l.deferred) {
		l.exec(fn)
	}
}

// exec keeps a panicking handler from taking the whole dispatch goroutine down.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("recovered from panic in dispatched callback: %v", r)
		}
	}()
	fn()
}
