package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/driftspace/drift/internal/domain"
)

// Supervisor scans for sessions with an unresolved in-flight request id and
// hands each to the Runner's poll-based resumption path. It runs on process
// startup and on every scene activation, and is safe to re-run: sessions
// already owned by a live runner are skipped, and resuming twice is
// prevented by the registry's running gate.
type Supervisor struct {
	registry *Registry
	runner   *Runner
	store    domain.ActivityRepository
}

func NewSupervisor(registry *Registry, runner *Runner, store domain.ActivityRepository) *Supervisor {
	return &Supervisor{
		registry: registry,
		runner:   runner,
		store:    store,
	}
}

// ResumeScene resumes every interrupted run belonging to a scene.
func (s *Supervisor) ResumeScene(ctx context.Context, sceneID string) error {
	return s.resume(ctx, sceneID)
}

// ResumeAll resumes interrupted runs across all scenes. Called once on
// startup so work interrupted by a restart is not lost.
func (s *Supervisor) ResumeAll(ctx context.Context) error {
	return s.resume(ctx, "")
}

func (s *Supervisor) resume(ctx context.Context, sceneID string) error {
	seen := make(map[string]struct{})

	// In-memory sessions first: covers a re-activation while this process
	// has live state. A session whose registry entry lost its request id
	// falls back to the durable store's persisted value, which covers a
	// store write that landed just before an interrupted in-memory save.
	for _, st := range s.registry.SceneStates(sceneID) {
		seen[st.SessionID] = struct{}{}

		if st.Running {
			continue
		}

		requestID := st.ActiveRequestID
		if requestID == "" {
			var err error
			requestID, err = s.store.LoadActiveRequestID(ctx, st.SessionID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				log.Error().Err(err).Str("session_id", st.SessionID).Msg("session.Supervisor: failed to load request id")
				continue
			}
		}
		if requestID == "" {
			continue
		}

		s.handOff(ctx, st.SessionID, requestID)
	}

	// Durable records next: covers sessions this process has never seen,
	// i.e. the restart case.
	resumables, err := s.store.ListResumable(ctx, sceneID)
	if err != nil {
		return fmt.Errorf("session.Supervisor: list resumable: %w", err)
	}

	for _, rs := range resumables {
		if _, ok := seen[rs.SessionID]; ok {
			continue
		}
		if st, ok := s.registry.Snapshot(rs.SessionID); ok && st.Running {
			continue
		}

		s.handOff(ctx, rs.SessionID, rs.RequestID)
	}

	return nil
}

func (s *Supervisor) handOff(ctx context.Context, sessionID, requestID string) {
	err := s.runner.Resume(ctx, sessionID, requestID)
	if err != nil {
		if errors.Is(err, ErrSessionBusy) {
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Supervisor: resume failed")
		return
	}

	log.Info().Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Supervisor: resuming interrupted run")
}
