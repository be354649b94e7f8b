package domain

import (
	"context"
	"time"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry in a session's conversation transcript.
// Messages are immutable once appended.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityType categorizes agent activity events.
type ActivityType string

const (
	ActivityToolUse       ActivityType = "tool_use"
	ActivityAssistantText ActivityType = "assistant_text"
	ActivityStatus        ActivityType = "status"
	ActivityError         ActivityType = "error"
)

// ActivityMessage is a single event emitted by the remote coding agent
// during a run. IDs are assigned by the agent and increase monotonically
// in arrival order within one step.
type ActivityMessage struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// Step is the ordered activity belonging to one user turn. A step is open
// while its run is active and closed once the run reaches a terminal state.
type Step []ActivityMessage

// ActivityRecord is the durable per-session state that survives process
// restarts. Invariant: ActiveStep is non-nil only while ActiveRequestID is
// set; there is never orphaned in-flight state without a request id to
// resume it.
type ActivityRecord struct {
	SceneID         string        `json:"scene_id"`
	AgentSessionID  string        `json:"agent_session_id,omitempty"`
	ActiveRequestID string        `json:"active_request_id,omitempty"`
	ActiveStep      Step          `json:"active_step,omitempty"`
	FinalizedSteps  []Step        `json:"finalized_steps"`
	ChatHistory     []ChatMessage `json:"chat_history"`
}

// ResumableSession identifies a session with an unresolved in-flight
// request id, found by scanning the activity store on startup or scene
// activation.
type ResumableSession struct {
	SessionID string
	RequestID string
}

// ActivityRepository is the durable activity store: a key-scoped
// persistence layer mapping a session id to its finalized step history,
// optional in-flight step, and optional in-flight request id. Every write
// is a last-value overwrite; the session runner is the sole writer for a
// session while it holds the running flag.
type ActivityRepository interface {
	// SaveActiveRequestID records the resumption anchor. It must complete
	// before the run's network call is issued.
	SaveActiveRequestID(ctx context.Context, sessionID, sceneID, requestID string) error
	LoadActiveRequestID(ctx context.Context, sessionID string) (string, error)
	// ClearActiveRequestID clears the request id and, to preserve the
	// record invariant, the active step with it.
	ClearActiveRequestID(ctx context.Context, sessionID string) error

	// SaveActiveStep overwrites the in-flight step slot with the full
	// current step contents.
	SaveActiveStep(ctx context.Context, sessionID string, step Step) error
	ClearActiveStep(ctx context.Context, sessionID string) error

	SaveFinalizedSteps(ctx context.Context, sessionID string, steps []Step) error
	SaveAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error
	SaveChatHistory(ctx context.Context, sessionID string, history []ChatMessage) error

	// Load returns the full record with the active step folded into the
	// finalized view as a provisional tail (see MergeHistory) and the
	// active-step slot cleared.
	Load(ctx context.Context, sessionID string) (*ActivityRecord, error)

	// ListResumable returns sessions in a scene whose durable record still
	// carries an in-flight request id. An empty sceneID scans all scenes.
	ListResumable(ctx context.Context, sceneID string) ([]ResumableSession, error)

	// DeleteAll purges every slot for a session.
	DeleteAll(ctx context.Context, sessionID string) error
}

// MergeHistory folds an in-flight step into a finalized step list as the
// provisional tail. If the active step's first event id matches the last
// finalized step's first event id, the step was already finalized
// concurrently and is not appended again.
func MergeHistory(finalized []Step, active Step) []Step {
	if len(active) == 0 {
		return finalized
	}
	if n := len(finalized); n > 0 {
		last := finalized[n-1]
		if len(last) > 0 && last[0].ID == active[0].ID {
			return finalized
		}
	}
	return append(finalized, active)
}
