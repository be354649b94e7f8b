package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
	"github.com/driftspace/drift/internal/session"
)

type GetSessionInput struct {
	ID string `path:"id" minLength:"1" maxLength:"128" doc:"Session ID (canvas item ID)"`
}

type GetSessionOutput struct {
	Body *session.State
}

type SendMessageInput struct {
	ID   string `path:"id" minLength:"1" maxLength:"128" doc:"Session ID (canvas item ID)"`
	Body struct {
		SceneID      string              `json:"scene_id" minLength:"1" maxLength:"128" doc:"Scene the session belongs to"`
		Message      string              `json:"message" minLength:"1" doc:"User message for the coding agent"`
		ContextItems []agent.ContextItem `json:"context_items,omitempty" doc:"Opaque content descriptors from the canvas layer"`
	}
}

type SendMessageOutput struct {
	Status int
}

type InterruptSessionInput struct {
	ID string `path:"id" minLength:"1" maxLength:"128" doc:"Session ID (canvas item ID)"`
}

type InterruptSessionOutput struct {
	Status int
}

type ClearChatInput struct {
	ID string `path:"id" minLength:"1" maxLength:"128" doc:"Session ID (canvas item ID)"`
}

type ClearChatOutput struct {
	Status int
}

type ActivateSceneInput struct {
	SceneID string `path:"sceneID" minLength:"1" maxLength:"128" doc:"Scene ID"`
}

type ActivateSceneOutput struct {
	Status int
}

func RegisterSessionRoutes(api huma.API, store DataStore, registry SessionReader, manager SessionManager, supervisor SceneSupervisor) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session's chat history, step history, and run state",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		if st, ok := registry.Snapshot(input.ID); ok {
			return &GetSessionOutput{Body: &st}, nil
		}

		// Cold session: serve the durable record.
		rec, err := store.Activity().Load(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}

		return &GetSessionOutput{Body: &session.State{
			SessionID:       input.ID,
			SceneID:         rec.SceneID,
			AgentSessionID:  rec.AgentSessionID,
			ActiveRequestID: rec.ActiveRequestID,
			ChatHistory:     rec.ChatHistory,
			StepHistory:     rec.FinalizedSteps,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-session-message",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/messages",
		Summary:       "Send a message to the session's coding agent",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *SendMessageInput) (*SendMessageOutput, error) {
		err := manager.Send(ctx, input.ID, input.Body.SceneID, input.Body.Message, input.Body.ContextItems)
		if err != nil {
			if errors.Is(err, session.ErrSessionBusy) {
				return nil, huma.Error409Conflict("a run is already active for this session")
			}
			return nil, huma.Error500InternalServerError("failed to start run", err)
		}

		return &SendMessageOutput{Status: http.StatusAccepted}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "interrupt-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/interrupt",
		Summary:       "Ask the agent to cancel the session's in-flight run",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *InterruptSessionInput) (*InterruptSessionOutput, error) {
		err := manager.Interrupt(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to interrupt run", err)
		}

		return &InterruptSessionOutput{Status: http.StatusAccepted}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-session-chat",
		Method:        http.MethodDelete,
		Path:          "/sessions/{id}/chat",
		Summary:       "Clear a session's chat and purge its durable record",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ClearChatInput) (*ClearChatOutput, error) {
		err := manager.ClearChat(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to clear chat", err)
		}

		return &ClearChatOutput{Status: http.StatusNoContent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "activate-scene",
		Method:        http.MethodPost,
		Path:          "/scenes/{sceneID}/activate",
		Summary:       "Resume interrupted agent runs for a scene",
		Tags:          []string{"Scenes"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ActivateSceneInput) (*ActivateSceneOutput, error) {
		err := supervisor.ResumeScene(ctx, input.SceneID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to resume scene sessions", err)
		}

		return &ActivateSceneOutput{Status: http.StatusAccepted}, nil
	})
}
