package v1

import (
	"context"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
	"github.com/driftspace/drift/internal/session"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Activity() domain.ActivityRepository
}

// SessionManager abstracts run lifecycle operations for handler testing.
// *session.Runner satisfies this interface.
type SessionManager interface {
	Send(ctx context.Context, sessionID, sceneID, message string, contextItems []agent.ContextItem) error
	Interrupt(ctx context.Context, sessionID string) error
	ClearChat(ctx context.Context, sessionID string) error
}

// SceneSupervisor abstracts resumption scans for handler testing.
// *session.Supervisor satisfies this interface.
type SceneSupervisor interface {
	ResumeScene(ctx context.Context, sceneID string) error
}

// SessionReader abstracts registry snapshot reads for handler testing.
// *session.Registry satisfies this interface.
type SessionReader interface {
	Snapshot(sessionID string) (session.State, bool)
}
