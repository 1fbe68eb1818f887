package cage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job runs on the VM goroutine. A non-nil error stops the loop.
type Job func() error

// Loop is the per-run host event loop. Host operations run on their own
// goroutines and hand a Job back; the loop executes those jobs on the VM
// goroutine. Ordered operations are delivered strictly in the order they were
// started, whatever order they complete in.
//
// Fields other than mu/queue are only touched from the VM goroutine.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []Job
	wake  chan struct{}

	pending int

	nextSeq    uint64
	nextSettle uint64
	ready      map[uint64]Job

	timerSeq int64
	timers   map[int64]*time.Timer
}

// NewLoop returns a loop whose operations are cancelled when ctx is done or
// Close is called.
func NewLoop(ctx context.Context) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	return &Loop{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		ready:  make(map[uint64]Job),
		timers: make(map[int64]*time.Timer),
	}
}

// Context is cancelled once the run is over.
func (l *Loop) Context() context.Context { return l.ctx }

// Pending is the number of operations that have not settled.
func (l *Loop) Pending() int { return l.pending }

// Close cancels outstanding operations and stops every timer.
func (l *Loop) Close() {
	l.cancel()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Loop) post(j Job) {
	l.mu.Lock()
	l.queue = append(l.queue, j)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start launches work on a new goroutine. The Job it returns is executed on the
// VM goroutine once every operation started before it has been delivered.
func (l *Loop) Start(work func(ctx context.Context) Job) {
	seq := l.nextSeq
	l.nextSeq++
	l.pending++

	go func() {
		var settle Job
		func() {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("host operation panicked: %v", r)
					settle = func() error { return err }
				}
			}()
			settle = work(l.ctx)
		}()
		l.post(func() error { return l.deliver(seq, settle) })
	}()
}

func (l *Loop) deliver(seq uint64, settle Job) error {
	l.ready[seq] = settle
	for {
		next, ok := l.ready[l.nextSettle]
		if !ok {
			return nil
		}
		delete(l.ready, l.nextSettle)
		l.nextSettle++
		l.pending--
		if next == nil {
			continue
		}
		if err := next(); err != nil {
			return err
		}
	}
}

// SetTimer schedules fn after d. Timers are not ordered against other
// operations.
func (l *Loop) SetTimer(d time.Duration, fn Job) int64 {
	l.timerSeq++
	id := l.timerSeq
	l.pending++
	l.timers[id] = time.AfterFunc(d, func() {
		l.post(func() error {
			if _, ok := l.timers[id]; !ok {
				return nil
			}
			delete(l.timers, id)
			l.pending--
			return fn()
		})
	})
	return id
}

// ClearTimer cancels a timer. Unknown or already fired ids are ignored.
func (l *Loop) ClearTimer(id int64) {
	t, ok := l.timers[id]
	if !ok {
		return
	}
	t.Stop()
	delete(l.timers, id)
	l.pending--
}

// Run executes posted jobs until nothing is pending, a job fails or ctx is
// done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		jobs := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, j := range jobs {
			if err := j(); err != nil {
				return err
			}
		}
		if len(jobs) > 0 {
			continue
		}
		if l.pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}
