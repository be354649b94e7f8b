package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftspace/drift/internal/domain"
)

// ActivityRepo is the durable activity store, one row per session:
//
//	session_records(
//	    session_id        text primary key,
//	    scene_id          text not null default '',
//	    agent_session_id  text,
//	    active_request_id text,
//	    active_step       jsonb,
//	    finalized_steps   jsonb not null default '[]',
//	    chat_history      jsonb not null default '[]',
//	    updated_at        timestamptz not null default now()
//	)
//
// Every write is a last-value overwrite; sessions never contend because the
// store is partitioned by session id and the session runner is the sole
// writer while it holds the running flag.
type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

func (r *ActivityRepo) SaveActiveRequestID(ctx context.Context, sessionID, sceneID, requestID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, scene_id, active_request_id, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET scene_id = EXCLUDED.scene_id, active_request_id = EXCLUDED.active_request_id, updated_at = now()`,
		sessionID, sceneID, requestID,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveActiveRequestID: %w", err)
	}

	return nil
}

func (r *ActivityRepo) LoadActiveRequestID(ctx context.Context, sessionID string) (string, error) {
	var requestID string

	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(active_request_id, '') FROM session_records WHERE session_id = $1`,
		sessionID,
	).Scan(&requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("activityRepo.LoadActiveRequestID: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("activityRepo.LoadActiveRequestID: %w", err)
	}

	return requestID, nil
}

// ClearActiveRequestID clears the request id and the in-flight step with
// it, preserving the no-orphaned-step invariant.
func (r *ActivityRepo) ClearActiveRequestID(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE session_records
		 SET active_request_id = NULL, active_step = NULL, updated_at = now()
		 WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.ClearActiveRequestID: %w", err)
	}

	return nil
}

func (r *ActivityRepo) SaveActiveStep(ctx context.Context, sessionID string, step domain.Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveActiveStep: marshal: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, active_step, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET active_step = EXCLUDED.active_step, updated_at = now()`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveActiveStep: %w", err)
	}

	return nil
}

func (r *ActivityRepo) ClearActiveStep(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE session_records SET active_step = NULL, updated_at = now() WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.ClearActiveStep: %w", err)
	}

	return nil
}

func (r *ActivityRepo) SaveFinalizedSteps(ctx context.Context, sessionID string, steps []domain.Step) error {
	if steps == nil {
		steps = []domain.Step{}
	}

	payload, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveFinalizedSteps: marshal: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, finalized_steps, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET finalized_steps = EXCLUDED.finalized_steps, updated_at = now()`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveFinalizedSteps: %w", err)
	}

	return nil
}

func (r *ActivityRepo) SaveAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, agent_session_id, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET agent_session_id = EXCLUDED.agent_session_id, updated_at = now()`,
		sessionID, agentSessionID,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveAgentSessionID: %w", err)
	}

	return nil
}

func (r *ActivityRepo) SaveChatHistory(ctx context.Context, sessionID string, history []domain.ChatMessage) error {
	if history == nil {
		history = []domain.ChatMessage{}
	}

	payload, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveChatHistory: marshal: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, chat_history, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE
		 SET chat_history = EXCLUDED.chat_history, updated_at = now()`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.SaveChatHistory: %w", err)
	}

	return nil
}

// Load returns the session record with the in-flight step folded into the
// finalized view as the provisional tail. The active-step slot is cleared
// afterwards since its contents now live in the returned view; it is
// re-persisted event by event once a resumed run makes progress.
func (r *ActivityRepo) Load(ctx context.Context, sessionID string) (*domain.ActivityRecord, error) {
	var (
		rec          domain.ActivityRecord
		agentSession *string
		requestID    *string
		activeStep   []byte
		finalized    []byte
		chatHistory  []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT scene_id, agent_session_id, active_request_id, active_step, finalized_steps, chat_history
		 FROM session_records WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.SceneID, &agentSession, &requestID, &activeStep, &finalized, &chatHistory)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("activityRepo.Load(%s): %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("activityRepo.Load(%s): %w", sessionID, err)
	}

	if agentSession != nil {
		rec.AgentSessionID = *agentSession
	}
	if requestID != nil {
		rec.ActiveRequestID = *requestID
	}

	if len(finalized) > 0 {
		if unmarshalErr := json.Unmarshal(finalized, &rec.FinalizedSteps); unmarshalErr != nil {
			return nil, fmt.Errorf("activityRepo.Load(%s): finalized steps: %w", sessionID, unmarshalErr)
		}
	}
	if len(activeStep) > 0 {
		if unmarshalErr := json.Unmarshal(activeStep, &rec.ActiveStep); unmarshalErr != nil {
			return nil, fmt.Errorf("activityRepo.Load(%s): active step: %w", sessionID, unmarshalErr)
		}
	}
	if len(chatHistory) > 0 {
		if unmarshalErr := json.Unmarshal(chatHistory, &rec.ChatHistory); unmarshalErr != nil {
			return nil, fmt.Errorf("activityRepo.Load(%s): chat history: %w", sessionID, unmarshalErr)
		}
	}

	rec.FinalizedSteps = domain.MergeHistory(rec.FinalizedSteps, rec.ActiveStep)

	if len(rec.ActiveStep) > 0 {
		if clearErr := r.ClearActiveStep(ctx, sessionID); clearErr != nil {
			return nil, fmt.Errorf("activityRepo.Load(%s): %w", sessionID, clearErr)
		}
	}

	return &rec, nil
}

func (r *ActivityRepo) ListResumable(ctx context.Context, sceneID string) ([]domain.ResumableSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, active_request_id FROM session_records
		 WHERE active_request_id IS NOT NULL AND ($1 = '' OR scene_id = $1)
		 ORDER BY updated_at ASC`,
		sceneID,
	)
	if err != nil {
		return nil, fmt.Errorf("activityRepo.ListResumable: %w", err)
	}
	defer rows.Close()

	var out []domain.ResumableSession
	for rows.Next() {
		var rs domain.ResumableSession

		err = rows.Scan(&rs.SessionID, &rs.RequestID)
		if err != nil {
			return nil, fmt.Errorf("activityRepo.ListResumable: scan: %w", err)
		}
		out = append(out, rs)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("activityRepo.ListResumable: rows: %w", err)
	}

	return out, nil
}

func (r *ActivityRepo) DeleteAll(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM session_records WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("activityRepo.DeleteAll: %w", err)
	}

	return nil
}

var _ domain.ActivityRepository = (*ActivityRepo)(nil)
