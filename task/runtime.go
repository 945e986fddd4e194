package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stevedore-project/stevedore/internal/dcontext"
)

// ErrTaskUnknown is returned when looking up a task ID the runtime never
// issued.
var ErrTaskUnknown = errors.New("unknown task")

// Func is the body of a task. The context is canceled when the task is
// canceled or the runtime shuts down.
type Func func(ctx context.Context, t *Task) error

// Runtime dispatches tasks and enforces their resource reservations.
type Runtime struct {
	clock clock.Clock

	mu        sync.Mutex
	resources map[string]*sync.Mutex

	tasks *xsync.MapOf[string, *Task]

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a Runtime using the given clock.
func NewRuntime(clk clock.Clock) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		clock:     clk,
		resources: make(map[string]*sync.Mutex),
		tasks:     xsync.NewMapOf[string, *Task](),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Dispatch queues fn as a task holding exclusive reservations on the named
// resources. The task starts as soon as every reservation is free;
// reservations are acquired in sorted order so overlapping sets cannot
// deadlock.
func (r *Runtime) Dispatch(ctx context.Context, name string, exclusive []string, fn Func) *Task {
	resources := append([]string(nil), exclusive...)
	sort.Strings(resources)

	taskCtx, cancel := context.WithCancel(r.baseCtx)
	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Exclusive: resources,
		state:     StateWaiting,
		createdAt: r.clock.Now().UTC(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	r.tasks.Store(t.ID, t)

	log := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"task.id":   t.ID,
		"task.name": name,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		locks := make([]*sync.Mutex, 0, len(resources))
		for _, res := range resources {
			locks = append(locks, r.resourceLock(res))
		}
		for _, l := range locks {
			l.Lock()
		}
		defer func() {
			for i := len(locks) - 1; i >= 0; i-- {
				locks[i].Unlock()
			}
		}()

		if err := taskCtx.Err(); err != nil {
			t.setState(StateCanceled, ErrCanceled, r.clock.Now().UTC())
			log.Info("task canceled before start")
			return
		}

		t.setState(StateRunning, nil, r.clock.Now().UTC())
		err := fn(taskCtx, t)
		now := r.clock.Now().UTC()
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(taskCtx.Err(), context.Canceled):
			t.setState(StateCanceled, ErrCanceled, now)
			log.Info("task canceled")
		case err != nil:
			t.setState(StateFailed, err, now)
			log.Errorf("task failed: %v", err)
		default:
			t.setState(StateCompleted, nil, now)
			log.Debug("task completed")
		}
	}()

	return t
}

func (r *Runtime) resourceLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.resources[name]
	if !ok {
		l = &sync.Mutex{}
		r.resources[name] = l
	}
	return l
}

// Get returns a task by ID.
func (r *Runtime) Get(id string) (*Task, error) {
	t, ok := r.tasks.Load(id)
	if !ok {
		return nil, ErrTaskUnknown
	}
	return t, nil
}

// Cancel cancels a task by ID.
func (r *Runtime) Cancel(id string) error {
	t, err := r.Get(id)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

// WaitTimeout blocks until the task finishes or the duration passes,
// reporting whether it finished. The distribution API uses this to give
// short-lived tasks a chance before answering 429.
func (r *Runtime) WaitTimeout(t *Task, d time.Duration) bool {
	timer := r.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-t.Done():
		return true
	case <-timer.C:
		return false
	}
}

// Shutdown cancels all running tasks and waits for them to finish.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
