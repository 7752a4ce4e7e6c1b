package batch

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrBatchActive is returned when a batch or preview is submitted while
	// another batch has not reached a terminal state.
	ErrBatchActive = errors.New("batch already running")
	// ErrNoBatch is returned when cancellation is requested with no active batch.
	ErrNoBatch = errors.New("no running batch")
	// ErrPreviewActive is returned while preview generation holds the engine.
	ErrPreviewActive = errors.New("preview generation in progress")
	// ErrInsufficientResources wraps a refusal from the host resource gate.
	ErrInsufficientResources = errors.New("insufficient system resources")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Status is the batch state machine:
// idle -> probing -> running -> {cancelling -> cancelled, completed, partially_failed, failed}.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusProbing         Status = "probing"
	StatusRunning         Status = "running"
	StatusCancelling      Status = "cancelling"
	StatusCancelled       Status = "cancelled"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
)

// terminalStatus maps the final counts of a batch to its terminal state.
func terminalStatus(succeeded, total int, cancelled bool) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case succeeded == total:
		return StatusCompleted
	case succeeded > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

// RunState is the per-batch state shared between the caller and the worker.
// The cancellation flag is one-way.
type RunState struct {
	ID        string
	started   time.Time
	cancelled atomic.Bool
	completed atomic.Int64
}

func newRunState(id string, started time.Time) *RunState {
	return &RunState{ID: id, started: started}
}

// Cancel sets the flag and reports whether this call was the one that set it.
func (s *RunState) Cancel() bool {
	return s.cancelled.CompareAndSwap(false, true)
}

// Cancelled implements ffmpeg.Canceller.
func (s *RunState) Cancelled() bool {
	return s.cancelled.Load()
}

// Completed is the number of jobs that have succeeded so far.
func (s *RunState) Completed() int {
	return int(s.completed.Load())
}

// Elapsed is the wall-clock time since the batch started.
func (s *RunState) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.started)
}

// Snapshot is a point-in-time copy of the orchestrator's batch bookkeeping.
type Snapshot struct {
	ID         string    `json:"id,omitempty"`
	State      Status    `json:"state"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Source     string    `json:"source,omitempty"`
	OutputDir  string    `json:"outputDir,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}
