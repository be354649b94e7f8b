package agent

import (
	"context"
	"errors"

	"github.com/driftspace/drift/internal/domain"
)

// ErrStreamClosed is returned by OpenStream when the live channel dies
// without producing a result. The run may still be in progress remotely;
// callers must not treat this as an agent failure.
var ErrStreamClosed = errors.New("agent: stream closed without result") //nolint:gochecknoglobals // sentinel error

// ErrRequestUnknown is returned by Poll when the gateway no longer knows
// the request id. The run is unrecoverable.
var ErrRequestUnknown = errors.New("agent: request id unknown or expired") //nolint:gochecknoglobals // sentinel error

// RunError is a terminal error reported by the agent itself, as opposed to
// a transport failure.
type RunError struct {
	Message string
}

func (e *RunError) Error() string { return "agent: run failed: " + e.Message }

// RunStatus is the state of a run as reported by the poll endpoint.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// ContextItem is an opaque content descriptor supplied by the canvas layer
// (a text snippet or an image reference). Passed through untouched.
type ContextItem struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// StreamRequest starts a run on the remote coding agent.
type StreamRequest struct {
	RequestID      string        `json:"request_id"`
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	Message        string        `json:"message"`
	ContextItems   []ContextItem `json:"context_items,omitempty"`
}

// RunResult is the terminal payload of a successful run.
type RunResult struct {
	Result         string `json:"result"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// PollResponse carries events at and after a given offset for a run that is
// no longer owned by a live channel.
type PollResponse struct {
	Events []domain.ActivityMessage `json:"events"`
	Status RunStatus                `json:"status"`
	Result *RunResult               `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// EventHandler receives incremental activity events from a live channel in
// arrival order.
type EventHandler func(msg domain.ActivityMessage)

// Transport is the client-side interface to the remote coding agent.
//
// The two delivery paths share one ordering contract: Poll with offset N
// returns exactly the events strictly after the first N, in the same order
// the live channel would have produced them, so switching between paths
// never drops or duplicates an event.
type Transport interface {
	// OpenStream issues a run and consumes its live event channel until a
	// terminal frame arrives. A *RunError means the agent itself reported
	// failure; any other error means the channel died without a result and
	// the run may still be in progress remotely.
	OpenStream(ctx context.Context, req StreamRequest, onEvent EventHandler) (*RunResult, error)

	// Poll fetches events for a request id with the given offset.
	Poll(ctx context.Context, requestID string, offset int) (*PollResponse, error)

	// Interrupt asks the agent to cancel a run. Best effort; the run's own
	// terminal handling reports the outcome.
	Interrupt(ctx context.Context, requestID string) error
}
