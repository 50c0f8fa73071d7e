// Package task implements cooperative tasks. Spawn runs each task on
// its own goroutine; a task observes Notify and Interrupt only at the
// suspension primitives (Wait, WaitUntil, Sleep, Yield, or a store
// call that takes the task's context), and pure computation between
// those points never checks for them. Separate tasks, and code running
// outside any task (where Current returns the root placeholder), run
// concurrently under the Go scheduler, not on a single thread.
//
// This is built on the plain channel-and-context idiom rather than an
// external actor/fiber library: the obvious candidate mailbox
// (Arceliar/phony) has no wait/sleep/interrupt primitives to build
// this contract from, and is itself tied to an overlay transport this
// server doesn't carry.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitUntil when the deadline elapses
// without a notification.
var ErrTimeout = errors.New("task: wait timed out")

// ErrInterrupted is returned by any suspension point observed after
// Interrupt was called on the running task.
var ErrInterrupted = errors.New("task: interrupted")

// taskKey is the context key under which the running *Task is stored,
// standing in for a thread-local current-context pointer. The zero
// value (no key present) means the root thread is
// executing, which Current() reports via a synthetic placeholder.
type taskKey struct{}

// Task is one cooperatively scheduled unit of work. Operations on a
// Task from outside the task's own goroutine (Notify, Interrupt) are
// the only source of cross-task ordering; everything else within one
// task is strictly sequential.
type Task struct {
	id     uint64
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	notified    bool
	waiters     []chan struct{}
	interrupted bool
}

// rootPlaceholder is returned by Current() when no task is running,
// so log lines always have something to name.
var rootPlaceholder = &Task{name: "<root>"}

// Current returns the task running on the calling goroutine, or the
// root placeholder if none.
func Current(ctx context.Context) *Task {
	if t, ok := ctx.Value(taskKey{}).(*Task); ok && t != nil {
		return t
	}
	return rootPlaceholder
}

var nextID = struct {
	mu sync.Mutex
	n  uint64
}{}

func allocID() uint64 {
	nextID.mu.Lock()
	defer nextID.mu.Unlock()
	nextID.n++
	return nextID.n
}

// Spawn starts fn as a new task, returning the task handle so the
// caller can Notify or Interrupt it. fn receives a context with the
// task installed as Current(), and the task itself; the context is
// cancelled once fn returns.
func Spawn(parent context.Context, name string, fn func(ctx context.Context, self *Task)) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Task{id: allocID(), name: name, ctx: ctx, cancel: cancel}
	taskCtx := context.WithValue(ctx, taskKey{}, t)
	go func() {
		defer cancel(nil)
		fn(taskCtx, t)
	}()
	return t
}

func (t *Task) String() string {
	return fmt.Sprintf("task(%d,%s)", t.id, t.name)
}

// Notify wakes the task if it is currently in Wait/WaitUntil. If no
// wait is in progress, the notification is remembered and the next
// Wait call returns immediately.
func (t *Task) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notified = true
	for _, w := range t.waiters {
		close(w)
	}
	t.waiters = nil
}

// Interrupt asks the task to stop. The request is observed at the next
// suspension point (or an explicit Check call), which then returns
// ErrInterrupted.
func (t *Task) Interrupt() {
	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()
	t.cancel(ErrInterrupted)
}

// Check returns ErrInterrupted if Interrupt has been called, without
// suspending. Pure computation may call this periodically in long
// loops without otherwise yielding.
func (t *Task) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupted {
		return ErrInterrupted
	}
	return nil
}

// Wait suspends the task until Notify is called, or until ctx is
// cancelled (including via Interrupt).
func (t *Task) Wait(ctx context.Context) error {
	_, err := t.WaitUntil(ctx, time.Time{})
	return err
}

// WaitUntil suspends until notified or until deadline elapses (the
// zero Time means no deadline). It returns the remaining duration when
// notified, or a non-positive duration and ErrTimeout when the
// deadline elapses first.
func (t *Task) WaitUntil(ctx context.Context, deadline time.Time) (time.Duration, error) {
	t.mu.Lock()
	if t.notified {
		t.notified = false
		t.mu.Unlock()
		return time.Until(deadline), nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ch:
		return time.Until(deadline), nil
	case <-timerC:
		return 0, ErrTimeout
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrInterrupted) {
			return 0, ErrInterrupted
		}
		return 0, ctx.Err()
	}
}

// Sleep suspends for at least d, ignoring notifications — only the
// deadline or interruption returns control.
func (t *Task) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrInterrupted) {
			return ErrInterrupted
		}
		return ctx.Err()
	}
}

// Yield suspends briefly to let other runnable goroutines proceed,
// without any particular wakeup condition. Used at points where a
// pipeline stage wants to give the scheduler a chance to interleave
// without introducing a real dependency on another task.
func (t *Task) Yield(ctx context.Context) error {
	select {
	case <-time.After(0):
		return nil
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrInterrupted) {
			return ErrInterrupted
		}
		return ctx.Err()
	}
}
