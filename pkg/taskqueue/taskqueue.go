package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

// Task is a unit of background work. Failures are logged and counted, never dropped silently.
type Task struct {
	Name    string
	// Key is optional. A keyed task is queued at most once; enqueueing it again while it runs
	// schedules exactly one more run after the current one.
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Stats reports queue counters.
type Stats struct {
	Queued    int64 `json:"queued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Coalesced int64 `json:"coalesced"`
	Pending   int   `json:"pending"`
}

// Queue runs tasks on a fixed pool of workers over a buffered channel.
type Queue struct {
	jobs        chan Task
	workerWg    sync.WaitGroup
	workerCount int

	mu       sync.Mutex
	started  bool
	closed   bool
	inFlight map[string]*keyState

	queued    atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	coalesced atomic.Int64

	onFailure func(task Task, err error)
}

type keyState struct {
	running bool
	rerun   bool
}

func New(workerCount, capacity int) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		jobs:        make(chan Task, capacity),
		workerCount: workerCount,
		inFlight:    make(map[string]*keyState),
	}
}

// OnFailure registers a hook called after a task returns an error or panics.
func (q *Queue) OnFailure(fn func(task Task, err error)) {
	q.onFailure = fn
}

// Start starts the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	for i := 0; i < q.workerCount; i++ {
		q.workerWg.Add(1)
		go q.worker(i)
	}
	q.started = true
	logrus.Infof("[TaskQueue] Started %d workers", q.workerCount)
}

// Stop stops accepting tasks and waits for queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.workerWg.Wait()
	logrus.Info("[TaskQueue] All workers stopped")
}

// Enqueue adds a task without blocking.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if task.Key != "" {
		if st, busy := q.inFlight[task.Key]; busy {
			if st.running {
				st.rerun = true
				q.coalesced.Add(1)
				return nil
			}
			// Still queued; that run will see the new work.
			q.dropped.Add(1)
			return nil
		}
	}
	return q.push(task)
}

// push sends without blocking. Callers hold q.mu.
func (q *Queue) push(task Task) error {
	select {
	case q.jobs <- task:
		if task.Key != "" {
			q.inFlight[task.Key] = &keyState{}
		}
		q.queued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Queued:    q.queued.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Coalesced: q.coalesced.Load(),
		Pending:   len(q.jobs),
	}
}

func (q *Queue) worker(id int) {
	defer q.workerWg.Done()

	for task := range q.jobs {
		q.process(id, task)
	}
}

func (q *Queue) process(workerID int, task Task) {
	if task.Key != "" {
		q.mu.Lock()
		if st, ok := q.inFlight[task.Key]; ok {
			st.running = true
		}
		q.mu.Unlock()
		defer q.finish(task)
	}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	err := runSafely(ctx, task)
	if err == nil {
		q.succeeded.Add(1)
		return
	}

	q.failed.Add(1)
	logrus.WithError(err).WithFields(logrus.Fields{
		"task":   task.Name,
		"key":    task.Key,
		"worker": workerID,
	}).Error("[TaskQueue] Task failed")
	if q.onFailure != nil {
		q.onFailure(task, err)
	}
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

// finish releases the task's key, queueing one more run if it was requested meanwhile.
func (q *Queue) finish(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.inFlight[task.Key]
	delete(q.inFlight, task.Key)
	if !ok || !st.rerun || q.closed {
		return
	}
	if err := q.push(task); err != nil {
		logrus.WithError(err).WithField("key", task.Key).Warn("[TaskQueue] Could not requeue coalesced task")
	}
}
