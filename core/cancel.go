/*
Package core provides tracking of in-flight conversation commands for the
parley gateway.

This file implements the ExecutionTracker, which records every command the
pipeline is currently processing together with the cancellation function of
its context. The registry backs the /status endpoint and lets the server
stop outstanding work when it shuts down.
*/
package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

type execution struct {
	info   ExecutionInfo
	cancel context.CancelFunc
}

// ExecutionTracker is a thread-safe registry of in-flight conversation
// commands keyed by execution ID.
type ExecutionTracker struct {
	executions map[string]execution
	mutex      sync.RWMutex
}

// NewExecutionTracker creates an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{
		executions: make(map[string]execution),
	}
}

// Add registers an execution with the function that cancels its context.
func (t *ExecutionTracker) Add(info ExecutionInfo, cancel context.CancelFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.executions[info.ID] = execution{info: info, cancel: cancel}
}

// Remove stops tracking a finished execution.
func (t *ExecutionTracker) Remove(executionID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.executions, executionID)
}

// Cancel cancels one execution and stops tracking it. It reports whether the
// execution was found.
func (t *ExecutionTracker) Cancel(executionID string) bool {
	t.mutex.Lock()
	exec, exists := t.executions[executionID]
	delete(t.executions, executionID)
	t.mutex.Unlock()

	if exists {
		exec.cancel()
	}
	return exists
}

// CancelAll cancels every tracked execution and returns how many there were.
func (t *ExecutionTracker) CancelAll() int {
	t.mutex.Lock()
	executions := t.executions
	t.executions = make(map[string]execution)
	t.mutex.Unlock()

	for _, exec := range executions {
		exec.cancel()
	}
	return len(executions)
}

// Active returns the tracked executions ordered by start time.
func (t *ExecutionTracker) Active() []ExecutionInfo {
	t.mutex.RLock()
	active := make([]ExecutionInfo, 0, len(t.executions))
	for _, exec := range t.executions {
		active = append(active, exec.info)
	}
	t.mutex.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// Len returns the number of tracked executions.
func (t *ExecutionTracker) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.executions)
}

// track registers a new execution derived from ctx and returns its context and
// a release func that must be called when processing ends.
func (t *ExecutionTracker) track(ctx context.Context, id, sessionID, userID string, startedAt time.Time) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t.Add(ExecutionInfo{ID: id, SessionID: sessionID, UserID: userID, StartedAt: startedAt}, cancel)
	return ctx, func() {
		t.Remove(id)
		cancel()
	}
}
