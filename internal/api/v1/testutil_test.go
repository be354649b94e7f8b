package v1_test

import (
	"context"
	"fmt"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
	"github.com/driftspace/drift/internal/session"
)

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	activity domain.ActivityRepository
}

func (m *mockDataStore) Activity() domain.ActivityRepository { return m.activity }

// ---------------------------------------------------------------------------
// Mock ActivityRepository
// ---------------------------------------------------------------------------

type mockActivityRepo struct {
	loadFunc func(ctx context.Context, sessionID string) (*domain.ActivityRecord, error)
}

func (m *mockActivityRepo) Load(ctx context.Context, sessionID string) (*domain.ActivityRecord, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx, sessionID)
	}
	return nil, fmt.Errorf("mockActivityRepo.Load: %w", domain.ErrNotFound)
}

func (m *mockActivityRepo) SaveActiveRequestID(context.Context, string, string, string) error {
	return nil
}

func (m *mockActivityRepo) LoadActiveRequestID(context.Context, string) (string, error) {
	return "", fmt.Errorf("mockActivityRepo.LoadActiveRequestID: %w", domain.ErrNotFound)
}

func (m *mockActivityRepo) ClearActiveRequestID(context.Context, string) error { return nil }

func (m *mockActivityRepo) SaveActiveStep(context.Context, string, domain.Step) error { return nil }

func (m *mockActivityRepo) ClearActiveStep(context.Context, string) error { return nil }

func (m *mockActivityRepo) SaveFinalizedSteps(context.Context, string, []domain.Step) error {
	return nil
}

func (m *mockActivityRepo) SaveAgentSessionID(context.Context, string, string) error { return nil }

func (m *mockActivityRepo) SaveChatHistory(context.Context, string, []domain.ChatMessage) error {
	return nil
}

func (m *mockActivityRepo) ListResumable(context.Context, string) ([]domain.ResumableSession, error) {
	return nil, nil
}

func (m *mockActivityRepo) DeleteAll(context.Context, string) error { return nil }

// ---------------------------------------------------------------------------
// Mock SessionReader
// ---------------------------------------------------------------------------

type mockSessionReader struct {
	snapshotFunc func(sessionID string) (session.State, bool)
}

func (m *mockSessionReader) Snapshot(sessionID string) (session.State, bool) {
	if m.snapshotFunc != nil {
		return m.snapshotFunc(sessionID)
	}
	return session.State{}, false
}

// ---------------------------------------------------------------------------
// Mock SessionManager
// ---------------------------------------------------------------------------

type mockSessionManager struct {
	sendFunc      func(ctx context.Context, sessionID, sceneID, message string, contextItems []agent.ContextItem) error
	interruptFunc func(ctx context.Context, sessionID string) error
	clearChatFunc func(ctx context.Context, sessionID string) error
}

func (m *mockSessionManager) Send(ctx context.Context, sessionID, sceneID, message string, contextItems []agent.ContextItem) error {
	return m.sendFunc(ctx, sessionID, sceneID, message, contextItems)
}

func (m *mockSessionManager) Interrupt(ctx context.Context, sessionID string) error {
	return m.interruptFunc(ctx, sessionID)
}

func (m *mockSessionManager) ClearChat(ctx context.Context, sessionID string) error {
	return m.clearChatFunc(ctx, sessionID)
}

// ---------------------------------------------------------------------------
// Mock SceneSupervisor
// ---------------------------------------------------------------------------

type mockSceneSupervisor struct {
	resumeSceneFunc func(ctx context.Context, sceneID string) error
}

func (m *mockSceneSupervisor) ResumeScene(ctx context.Context, sceneID string) error {
	return m.resumeSceneFunc(ctx, sceneID)
}
