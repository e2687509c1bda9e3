// ============================================================================
// printbridge Worker - Blocking Operation Executor
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs blocking transfers (download, upload, publish) off the event loop
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive task from taskCh until stopCh closes
//   2. Derive a context from the task's parent context, with the task timeout
//   3. Run the task closure, recovering from panics
//   4. Send the result to resultCh, or give up once the pool is stopping
//
// Cancellation:
//   The parent context belongs to the print session. Cancelling a session
//   cancels its in-flight download or upload; the result still comes back
//   with ctx.Err() so the controller can discard it.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case task = <-w.taskCh:
		case <-w.stopCh:
			return
		}

		start := time.Now()
		value, err := w.execute(task)

		result := Result{
			JobID:    task.ID,
			Kind:     task.Kind,
			Value:    value,
			Error:    err,
			Duration: time.Since(start),
		}

		// Results carry session transitions, so they are never dropped while the pool runs
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs one task with its own context
func (w *Worker) execute(task Task) (value any, err error) {
	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: %s task panicked: %v", w.id, task.Kind, r)
		}
	}()

	if task.Run == nil {
		return nil, fmt.Errorf("worker %d: %s task has no operation", w.id, task.Kind)
	}
	return task.Run(ctx)
}
