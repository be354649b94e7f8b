package session_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
)

// ---------------------------------------------------------------------------
// Fake agent transport — function fields configured per test.
// ---------------------------------------------------------------------------

type fakeTransport struct {
	mu             sync.Mutex
	openStreamFunc func(ctx context.Context, req agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error)
	pollFunc       func(ctx context.Context, requestID string, offset int) (*agent.PollResponse, error)
	interrupted    []string
	pollOffsets    []int
	pollRequests   []string
}

func (ft *fakeTransport) OpenStream(ctx context.Context, req agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
	return ft.openStreamFunc(ctx, req, onEvent)
}

func (ft *fakeTransport) Poll(ctx context.Context, requestID string, offset int) (*agent.PollResponse, error) {
	ft.mu.Lock()
	ft.pollOffsets = append(ft.pollOffsets, offset)
	ft.pollRequests = append(ft.pollRequests, requestID)
	ft.mu.Unlock()

	return ft.pollFunc(ctx, requestID, offset)
}

func (ft *fakeTransport) Interrupt(_ context.Context, requestID string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.interrupted = append(ft.interrupted, requestID)
	return nil
}

func (ft *fakeTransport) interruptedIDs() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return slices.Clone(ft.interrupted)
}

func (ft *fakeTransport) polledOffsets() []int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return slices.Clone(ft.pollOffsets)
}

func (ft *fakeTransport) polledRequests() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return slices.Clone(ft.pollRequests)
}

// ---------------------------------------------------------------------------
// In-memory activity store with the same merge-and-fold Load semantics as
// the postgres implementation.
// ---------------------------------------------------------------------------

type memStore struct {
	mu              sync.Mutex
	records         map[string]*domain.ActivityRecord
	loads           int
	failNext        error
	finalizeEntered chan struct{}
	finalizeGate    chan struct{}
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*domain.ActivityRecord)}
}

func (ms *memStore) record(sessionID string) *domain.ActivityRecord {
	rec, ok := ms.records[sessionID]
	if !ok {
		rec = &domain.ActivityRecord{}
		ms.records[sessionID] = rec
	}
	return rec
}

// snapshot returns a copy of the stored record for assertions.
func (ms *memStore) snapshot(sessionID string) (domain.ActivityRecord, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sessionID]
	if !ok {
		return domain.ActivityRecord{}, false
	}
	return *rec, true
}

func (ms *memStore) seed(sessionID string, rec domain.ActivityRecord) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.records[sessionID] = &rec
}

func (ms *memStore) loadCalls() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.loads
}

func (ms *memStore) failNextWrite(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.failNext = err
}

// holdNextFinalize makes the next SaveFinalizedSteps call block until the
// returned release function runs. The entered channel closes once the write
// has started, so a test can act inside the window deterministically.
func (ms *memStore) holdNextFinalize() (entered <-chan struct{}, release func()) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	in := make(chan struct{})
	gate := make(chan struct{})
	ms.finalizeEntered = in
	ms.finalizeGate = gate

	return in, func() { close(gate) }
}

func (ms *memStore) takeErr() error {
	err := ms.failNext
	ms.failNext = nil
	return err
}

func (ms *memStore) SaveActiveRequestID(_ context.Context, sessionID, sceneID, requestID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.takeErr(); err != nil {
		return err
	}

	rec := ms.record(sessionID)
	rec.SceneID = sceneID
	rec.ActiveRequestID = requestID
	return nil
}

func (ms *memStore) LoadActiveRequestID(_ context.Context, sessionID string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sessionID]
	if !ok {
		return "", fmt.Errorf("memStore.LoadActiveRequestID: %w", domain.ErrNotFound)
	}
	return rec.ActiveRequestID, nil
}

func (ms *memStore) ClearActiveRequestID(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec := ms.record(sessionID)
	rec.ActiveRequestID = ""
	rec.ActiveStep = nil
	return nil
}

func (ms *memStore) SaveActiveStep(_ context.Context, sessionID string, step domain.Step) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.takeErr(); err != nil {
		return err
	}

	ms.record(sessionID).ActiveStep = slices.Clone(step)
	return nil
}

func (ms *memStore) ClearActiveStep(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.record(sessionID).ActiveStep = nil
	return nil
}

func (ms *memStore) SaveFinalizedSteps(_ context.Context, sessionID string, steps []domain.Step) error {
	ms.mu.Lock()
	entered, gate := ms.finalizeEntered, ms.finalizeGate
	ms.finalizeEntered, ms.finalizeGate = nil, nil
	ms.mu.Unlock()

	if entered != nil {
		close(entered)
		<-gate
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.record(sessionID).FinalizedSteps = steps
	return nil
}

func (ms *memStore) SaveAgentSessionID(_ context.Context, sessionID, agentSessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.record(sessionID).AgentSessionID = agentSessionID
	return nil
}

func (ms *memStore) SaveChatHistory(_ context.Context, sessionID string, history []domain.ChatMessage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.record(sessionID).ChatHistory = history
	return nil
}

func (ms *memStore) Load(_ context.Context, sessionID string) (*domain.ActivityRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.loads++

	rec, ok := ms.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("memStore.Load: %w", domain.ErrNotFound)
	}

	out := *rec
	out.FinalizedSteps = domain.MergeHistory(rec.FinalizedSteps, rec.ActiveStep)
	rec.ActiveStep = nil

	return &out, nil
}

func (ms *memStore) ListResumable(_ context.Context, sceneID string) ([]domain.ResumableSession, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var out []domain.ResumableSession
	for id, rec := range ms.records {
		if rec.ActiveRequestID == "" {
			continue
		}
		if sceneID != "" && rec.SceneID != sceneID {
			continue
		}
		out = append(out, domain.ResumableSession{SessionID: id, RequestID: rec.ActiveRequestID})
	}
	return out, nil
}

func (ms *memStore) DeleteAll(_ context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.records, sessionID)
	return nil
}

// ---------------------------------------------------------------------------
// Publisher capturing fan-out payloads.
// ---------------------------------------------------------------------------

type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (fp *fakePublisher) Publish(_ context.Context, _ string, payload []byte) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	fp.payloads = append(fp.payloads, payload)
	return nil
}

// ---------------------------------------------------------------------------
// Event helpers.
// ---------------------------------------------------------------------------

func activity(id string) domain.ActivityMessage {
	return domain.ActivityMessage{
		ID:        id,
		Type:      domain.ActivityToolUse,
		Content:   "tool " + id,
		Timestamp: time.Now(),
	}
}
