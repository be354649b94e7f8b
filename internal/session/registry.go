package session

import (
	"slices"
	"sync"

	"github.com/driftspace/drift/internal/domain"
)

// State is the in-memory runtime state for one session. The Running flag is
// the session's mutual-exclusion mechanism: at most one run (live or
// resumed) owns a session while it is set.
type State struct {
	SessionID       string               `json:"session_id"`
	SceneID         string               `json:"scene_id"`
	AgentSessionID  string               `json:"agent_session_id,omitempty"`
	ActiveRequestID string               `json:"active_request_id,omitempty"`
	Running         bool                 `json:"running"`
	Reconnecting    bool                 `json:"reconnecting"`
	ChatHistory     []domain.ChatMessage `json:"chat_history"`
	StepHistory     []domain.Step        `json:"step_history"`
}

// Registry is the in-memory map of session id to runtime state. It is the
// read model consumed by the API layer and is mutated only by the Runner
// and the Supervisor.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*State),
	}
}

// Snapshot returns a deep copy of a session's state.
func (r *Registry) Snapshot(sessionID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return State{}, false
	}

	return copyState(st), true
}

// SceneStates returns deep copies of every session state in a scene. An
// empty sceneID matches all scenes.
func (r *Registry) SceneStates(sceneID string) []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []State
	for _, st := range r.sessions {
		if sceneID != "" && st.SceneID != sceneID {
			continue
		}
		out = append(out, copyState(st))
	}

	return out
}

// BeginRun atomically claims a session for a new live run. Returns false if
// a run already owns the session.
func (r *Registry) BeginRun(sessionID, sceneID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	if st.Running {
		return false
	}
	if sceneID != "" {
		st.SceneID = sceneID
	}

	st.Running = true
	st.Reconnecting = false
	st.ActiveRequestID = requestID

	return true
}

// BeginResume atomically claims a session for the poll-based reconnection
// path. Returns false if a run already owns the session.
func (r *Registry) BeginResume(sessionID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	if st.Running {
		return false
	}

	st.Running = true
	st.Reconnecting = true
	st.ActiveRequestID = requestID

	return true
}

// EndRun releases a session after a terminal transition and clears its
// request id.
func (r *Registry) EndRun(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	st.Running = false
	st.Reconnecting = false
	st.ActiveRequestID = ""
}

// SetReconnecting flips the reconnecting flag without changing run
// ownership.
func (r *Registry) SetReconnecting(sessionID string, reconnecting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.sessions[sessionID]; ok {
		st.Reconnecting = reconnecting
	}
}

// AppendChat appends a message to the session's conversation transcript
// and returns a copy of the full transcript.
func (r *Registry) AppendChat(sessionID string, msg domain.ChatMessage) []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	st.ChatHistory = append(st.ChatHistory, msg)

	return slices.Clone(st.ChatHistory)
}

// OpenStep appends a new empty step to the session's step history.
func (r *Registry) OpenStep(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	st.StepHistory = append(st.StepHistory, domain.Step{})
}

// AppendActivity appends an event to the currently open tail step and
// returns a copy of that step for the durable write-through.
func (r *Registry) AppendActivity(sessionID string, msg domain.ActivityMessage) domain.Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	if len(st.StepHistory) == 0 {
		st.StepHistory = append(st.StepHistory, domain.Step{})
	}

	tail := len(st.StepHistory) - 1
	st.StepHistory[tail] = append(st.StepHistory[tail], msg)

	return slices.Clone(st.StepHistory[tail])
}

// StepHistorySnapshot returns a deep copy of the session's step history.
func (r *Registry) StepHistorySnapshot(sessionID string) []domain.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	return copySteps(st.StepHistory)
}

// Restore replaces a session's histories from a durable record. Chat
// history already present in memory is kept; the durable copy only fills a
// cold registry after a restart.
func (r *Registry) Restore(sessionID string, rec *domain.ActivityRecord, steps []domain.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(sessionID)
	if rec.SceneID != "" {
		st.SceneID = rec.SceneID
	}
	if rec.AgentSessionID != "" {
		st.AgentSessionID = rec.AgentSessionID
	}
	if len(st.ChatHistory) == 0 {
		st.ChatHistory = slices.Clone(rec.ChatHistory)
	}
	st.StepHistory = copySteps(steps)
}

// SetAgentSessionID records the remote conversation id once the agent
// assigns one.
func (r *Registry) SetAgentSessionID(sessionID, agentSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.sessions[sessionID]; ok {
		st.AgentSessionID = agentSessionID
	}
}

// ActiveRequestID returns the session's in-flight request id, if any.
func (r *Registry) ActiveRequestID(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if st, ok := r.sessions[sessionID]; ok {
		return st.ActiveRequestID
	}

	return ""
}

// Delete removes a session from the registry entirely.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
}

func (r *Registry) getOrCreate(sessionID string) *State {
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &State{SessionID: sessionID}
		r.sessions[sessionID] = st
	}

	return st
}

func copyState(st *State) State {
	out := *st
	out.ChatHistory = slices.Clone(st.ChatHistory)
	out.StepHistory = copySteps(st.StepHistory)
	return out
}

func copySteps(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	for i, s := range steps {
		out[i] = slices.Clone(s)
	}
	return out
}
