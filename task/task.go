// Package task runs background work with per-resource write reservations:
// tasks naming the same exclusive resource execute one at a time, so
// concurrent API calls against one repository serialize instead of racing.
package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a task's lifecycle phase.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// IsFinal reports whether the state is terminal.
func (s State) IsFinal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// ErrCanceled is the error recorded on tasks canceled before completion.
var ErrCanceled = errors.New("task canceled")

// Progress reports how far a task has come.
type Progress struct {
	Message string
	Done    int64
	Total   int64
}

// Task is one unit of dispatched background work.
type Task struct {
	ID        string
	Name      string
	Exclusive []string

	mu         sync.Mutex
	state      State
	err        error
	progress   Progress
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	done   chan struct{}
	cancel context.CancelFunc
}

// State returns the task's current lifecycle phase.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the task's terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress returns the task's last reported progress.
func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// SetProgress records progress from inside the running task.
func (t *Task) SetProgress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = p
}

// CreatedAt returns when the task was dispatched.
func (t *Task) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

// FinishedAt returns when the task reached a terminal state, or the zero
// time if it has not.
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or the context is done, returning the
// task's terminal error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. Running tasks observe it through their
// context; waiting tasks never start.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Task) setState(s State, err error, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsFinal() {
		return
	}
	t.state = s
	switch s {
	case StateRunning:
		t.startedAt = now
	case StateCompleted, StateFailed, StateCanceled:
		t.err = err
		t.finishedAt = now
		close(t.done)
	}
}
