// Package assistant defines the contract Attendant consumes from the
// assistant service: thread creation, message posting, and the run
// lifecycle (create, poll, submit tool outputs, cancel).
package assistant

import (
	"context"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusRequiresAction Status = "requires_action"
	StatusCancelling     Status = "cancelling"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// Terminal reports whether the status is final. Cancelling is not terminal:
// a cancelling run can still transition to cancelled or completed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Run is a snapshot of one assistant inference execution on a thread.
type Run struct {
	ID               string
	Status           Status
	PendingToolCalls []ToolCall // populated when Status is requires_action
}

// ToolCall is an assistant-requested side effect emitted mid-run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolOutput pairs a tool call id with its serialized result.
type ToolOutput struct {
	CallID string
	Output string
}

// ThreadMessage is one message on an assistant thread, tagged with the run
// that produced it.
type ThreadMessage struct {
	ID        string
	RunID     string
	Role      string
	Text      string
	CreatedAt time.Time
}

// Service is the assistant collaborator contract. Implementations must be
// safe for concurrent use across threads; Attendant serializes operations
// per thread itself.
type Service interface {
	// CreateThread creates a new assistant-side thread and returns its reference.
	CreateThread(ctx context.Context, metadata map[string]string) (string, error)

	// PostMessage appends a user message to the thread.
	PostMessage(ctx context.Context, threadRef, content string) error

	// CreateRun starts a new run on the thread.
	CreateRun(ctx context.Context, threadRef string) (Run, error)

	// GetRun fetches the current state of a run.
	GetRun(ctx context.Context, threadRef, runID string) (Run, error)

	// ListRuns returns recent runs on the thread, newest first.
	ListRuns(ctx context.Context, threadRef string) ([]Run, error)

	// SubmitToolOutputs hands tool results back to a run parked in
	// requires_action. An empty outputs slice is a valid submission.
	SubmitToolOutputs(ctx context.Context, threadRef, runID string, outputs []ToolOutput) error

	// CancelRun requests cancellation. Cancelling an already-terminal run
	// must return nil.
	CancelRun(ctx context.Context, threadRef, runID string) error

	// ListMessages returns the thread's messages, newest first.
	ListMessages(ctx context.Context, threadRef string) ([]ThreadMessage, error)
}

// CredentialRefresher is an optional interface a Service can implement to
// support credential refresh after an auth failure mid-poll.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// Transcriber converts an opaque media payload into text. Attendant treats
// the extraction itself as a black box.
type Transcriber interface {
	Transcribe(ctx context.Context, mimeType string, data []byte) (string, error)
}
