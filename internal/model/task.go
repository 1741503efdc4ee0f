package model

import "time"

// Task is one generation request moving through the queue. The live record
// is owned by the queue manager; everything handed to callers is a copy
// produced by Snapshot.
type Task struct {
	ID          string         `json:"id"`
	Kind        TaskKind       `json:"kind"`
	Params      map[string]any `json:"params,omitempty"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	ResultPaths []string       `json:"resultPaths,omitempty"`
}

// Snapshot returns a read-only copy safe to hand outside the manager.
func (t *Task) Snapshot() *Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	c.Warnings = append([]string(nil), t.Warnings...)
	c.ResultPaths = append([]string(nil), t.ResultPaths...)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// Duration returns how long the task ran, or 0 if it has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// MarkRunning transitions the task to running and counts the attempt.
func (t *Task) MarkRunning() {
	now := time.Now()
	t.Status = StatusRunning
	t.StartedAt = &now
	t.FinishedAt = nil
	t.Attempts++
}

// MarkSucceeded records the produced result files and finishes the task.
func (t *Task) MarkSucceeded(resultPaths []string) {
	now := time.Now()
	t.Status = StatusSucceeded
	t.FinishedAt = &now
	t.ResultPaths = resultPaths
}

// MarkFailed finishes the task with an error message.
func (t *Task) MarkFailed(errMsg string) {
	now := time.Now()
	t.Status = StatusFailed
	t.FinishedAt = &now
	t.LastError = errMsg
}

// MarkCancelled finishes the task as cancelled.
func (t *Task) MarkCancelled() {
	now := time.Now()
	t.Status = StatusCancelled
	t.FinishedAt = &now
}

// ResetForRetry puts a running task back in line for another attempt.
// The attempt counter keeps its value; MarkRunning bumps it again.
func (t *Task) ResetForRetry(reason string) {
	t.Status = StatusQueued
	t.StartedAt = nil
	t.FinishedAt = nil
	t.LastError = reason
}
