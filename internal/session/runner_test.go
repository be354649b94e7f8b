package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
	"github.com/driftspace/drift/internal/session"
)

const testPollInterval = 10 * time.Millisecond

func newRunner(ft *fakeTransport, ms *memStore) (*session.Registry, *session.Runner) {
	registry := session.NewRegistry()
	runner := session.NewRunner(registry, ft, ms, &fakePublisher{}, testPollInterval, 0)
	return registry, runner
}

func waitIdle(t *testing.T, registry *session.Registry, sessionID string) session.State {
	t.Helper()

	require.Eventually(t, func() bool {
		st, ok := registry.Snapshot(sessionID)
		return ok && !st.Running
	}, 2*time.Second, 5*time.Millisecond, "session %s never returned to idle", sessionID)

	st, _ := registry.Snapshot(sessionID)
	return st
}

func TestRunner_Send_CompletedRun(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, req agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
			require.NotEmpty(t, req.RequestID)
			onEvent(activity("e0"))
			onEvent(activity("e1"))
			onEvent(activity("e2"))
			return &agent.RunResult{Result: "Done", AgentSessionID: "remote-1"}, nil
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	err := runner.Send(context.Background(), "a", "scene-1", "fix the bug", nil)
	require.NoError(t, err)

	st := waitIdle(t, registry, "a")

	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, domain.ChatRoleUser, st.ChatHistory[0].Role)
	assert.Equal(t, "fix the bug", st.ChatHistory[0].Content)
	assert.Equal(t, domain.ChatRoleAssistant, st.ChatHistory[1].Role)
	assert.Equal(t, "Done", st.ChatHistory[1].Content)

	require.Len(t, st.StepHistory, 1)
	require.Len(t, st.StepHistory[0], 3)
	assert.Equal(t, "e0", st.StepHistory[0][0].ID)
	assert.Equal(t, "e2", st.StepHistory[0][2].ID)

	assert.Empty(t, st.ActiveRequestID)
	assert.Equal(t, "remote-1", st.AgentSessionID)

	rec, ok := ms.snapshot("a")
	require.True(t, ok)
	assert.Empty(t, rec.ActiveRequestID)
	assert.Nil(t, rec.ActiveStep)
	assert.Len(t, rec.FinalizedSteps, 1)
	assert.Equal(t, "remote-1", rec.AgentSessionID)
}

func TestRunner_Send_SecondSendWhileRunningIsRejected(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, _ agent.EventHandler) (*agent.RunResult, error) {
			<-release
			return &agent.RunResult{Result: "ok"}, nil
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "first", nil))

	err := runner.Send(context.Background(), "a", "scene-1", "second", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	close(release)
	st := waitIdle(t, registry, "a")

	// Only the first send reached the transcript.
	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, "first", st.ChatHistory[0].Content)
}

func TestRunner_Send_AgentErrorSurfacesAsAssistantMessage(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
			onEvent(activity("e0"))
			return nil, &agent.RunError{Message: "compile failed"}
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "build it", nil))

	st := waitIdle(t, registry, "a")

	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, domain.ChatRoleAssistant, st.ChatHistory[1].Role)
	assert.Equal(t, "compile failed", st.ChatHistory[1].Content)
	assert.Empty(t, st.ActiveRequestID)

	rec, _ := ms.snapshot("a")
	assert.Empty(t, rec.ActiveRequestID)
	assert.Len(t, rec.FinalizedSteps, 1)
}

func TestRunner_Send_LostStreamFallsBackToPolling(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
			onEvent(activity("e0"))
			onEvent(activity("e1"))
			return nil, agent.ErrStreamClosed
		},
	}

	polls := 0
	ft.pollFunc = func(_ context.Context, _ string, offset int) (*agent.PollResponse, error) {
		polls++
		switch polls {
		case 1:
			return &agent.PollResponse{
				Events: []domain.ActivityMessage{activity("e2")},
				Status: agent.RunStatusRunning,
			}, nil
		default:
			return &agent.PollResponse{
				Status: agent.RunStatusCompleted,
				Result: &agent.RunResult{Result: "X"},
			}, nil
		}
	}

	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "b", "scene-1", "refactor", nil))

	st := waitIdle(t, registry, "b")

	// No error message was synthesized for the dead channel; the poll path
	// finished the run.
	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, "X", st.ChatHistory[1].Content)

	// Events arrived exactly once across the path switch.
	require.Len(t, st.StepHistory, 1)
	require.Len(t, st.StepHistory[0], 3)
	assert.Equal(t, []string{st.StepHistory[0][0].ID, st.StepHistory[0][1].ID, st.StepHistory[0][2].ID}, []string{"e0", "e1", "e2"})

	// The first poll resumed from the number of events already seen.
	offsets := ft.polledOffsets()
	require.NotEmpty(t, offsets)
	assert.Equal(t, 2, offsets[0])
}

func TestRunner_Resume_NoEventLossAcrossRestart(t *testing.T) {
	t.Parallel()

	// A previous process received e0, e1 before dying mid-run.
	ms := newMemStore()
	ms.seed("b", domain.ActivityRecord{
		SceneID:         "scene-1",
		ActiveRequestID: "req-1",
		ActiveStep:      domain.Step{activity("e0"), activity("e1")},
		ChatHistory: []domain.ChatMessage{
			{Role: domain.ChatRoleUser, Content: "do the thing", Timestamp: time.Now()},
		},
	})

	polls := 0
	ft := &fakeTransport{
		pollFunc: func(_ context.Context, _ string, offset int) (*agent.PollResponse, error) {
			polls++
			if polls == 1 {
				return &agent.PollResponse{
					Events: []domain.ActivityMessage{activity("e2")},
					Status: agent.RunStatusRunning,
				}, nil
			}
			return &agent.PollResponse{
				Status: agent.RunStatusCompleted,
				Result: &agent.RunResult{Result: "X"},
			}, nil
		},
	}

	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Resume(context.Background(), "b", "req-1"))

	st := waitIdle(t, registry, "b")

	require.Len(t, st.StepHistory, 1)
	require.Len(t, st.StepHistory[0], 3)
	assert.Equal(t, "e0", st.StepHistory[0][0].ID)
	assert.Equal(t, "e1", st.StepHistory[0][1].ID)
	assert.Equal(t, "e2", st.StepHistory[0][2].ID)

	// Chat restored from the durable record, then completed.
	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, "do the thing", st.ChatHistory[0].Content)
	assert.Equal(t, "X", st.ChatHistory[1].Content)

	assert.Equal(t, 2, ft.polledOffsets()[0], "cursor must start at the restored tail length")
	assert.False(t, st.Reconnecting)
}

func TestRunner_Resume_ExpiredRequestGoesSilentlyIdle(t *testing.T) {
	t.Parallel()

	ms := newMemStore()
	ms.seed("c", domain.ActivityRecord{
		SceneID:         "scene-1",
		ActiveRequestID: "req-gone",
		ChatHistory: []domain.ChatMessage{
			{Role: domain.ChatRoleUser, Content: "hello", Timestamp: time.Now()},
		},
	})

	ft := &fakeTransport{
		pollFunc: func(_ context.Context, _ string, _ int) (*agent.PollResponse, error) {
			return nil, agent.ErrRequestUnknown
		},
	}

	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Resume(context.Background(), "c", "req-gone"))

	st := waitIdle(t, registry, "c")

	// The outcome is unknowable: no message is synthesized.
	require.Len(t, st.ChatHistory, 1)
	assert.Empty(t, st.ActiveRequestID)
	assert.False(t, st.Reconnecting)

	rec, _ := ms.snapshot("c")
	assert.Empty(t, rec.ActiveRequestID)
	assert.Nil(t, rec.ActiveStep)
}

func TestRunner_Resume_WhileRunningIsRejected(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, _ agent.EventHandler) (*agent.RunResult, error) {
			<-release
			return &agent.RunResult{Result: "ok"}, nil
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "go", nil))

	err := runner.Resume(context.Background(), "a", "req-any")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	close(release)
	waitIdle(t, registry, "a")
}

func TestRunner_Interrupt(t *testing.T) {
	t.Parallel()

	t.Run("forwards the active request id and keeps local state", func(t *testing.T) {
		t.Parallel()

		proceed := make(chan struct{})
		ft := &fakeTransport{
			openStreamFunc: func(_ context.Context, _ agent.StreamRequest, _ agent.EventHandler) (*agent.RunResult, error) {
				<-proceed
				return nil, &agent.RunError{Message: "interrupted by user"}
			},
		}
		ms := newMemStore()
		registry, runner := newRunner(ft, ms)

		require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "long task", nil))

		st, _ := registry.Snapshot("a")
		requestID := st.ActiveRequestID
		require.NotEmpty(t, requestID)

		require.NoError(t, runner.Interrupt(context.Background(), "a"))

		require.Eventually(t, func() bool {
			return len(ft.interruptedIDs()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, requestID, ft.interruptedIDs()[0])

		// Interrupt alone does not finalize; the run's own terminal event
		// does.
		st, _ = registry.Snapshot("a")
		assert.True(t, st.Running)

		close(proceed)
		st = waitIdle(t, registry, "a")

		require.Len(t, st.ChatHistory, 2)
		assert.Equal(t, "interrupted by user", st.ChatHistory[1].Content)
	})

	t.Run("no-op when nothing is running", func(t *testing.T) {
		t.Parallel()

		ft := &fakeTransport{}
		_, runner := newRunner(ft, newMemStore())

		require.NoError(t, runner.Interrupt(context.Background(), "idle"))

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, ft.interruptedIDs())
	})
}

func TestRunner_Finalize_HoldsGateUntilDurableWritesLand(t *testing.T) {
	t.Parallel()

	secondRun := make(chan struct{})

	var mu sync.Mutex
	calls := 0
	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()

			if n == 1 {
				onEvent(activity("e0"))
				return &agent.RunResult{Result: "first"}, nil
			}
			<-secondRun
			return &agent.RunResult{Result: "second"}, nil
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	entered, releaseFinalize := ms.holdNextFinalize()

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "one", nil))

	// The first run's terminal writes are now in flight and parked inside
	// the store.
	<-entered

	// The session is still owned: a send inside this window must not claim
	// it and persist an anchor the pending writes would clobber.
	st, _ := registry.Snapshot("a")
	assert.True(t, st.Running)

	err := runner.Send(context.Background(), "a", "scene-1", "too early", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	releaseFinalize()
	st = waitIdle(t, registry, "a")
	require.Len(t, st.ChatHistory, 2)

	// Once the record is consistent the gate opens, and the next run's
	// durable anchor survives the previous run's finalize.
	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "two", nil))

	st, _ = registry.Snapshot("a")
	require.True(t, st.Running)
	require.NotEmpty(t, st.ActiveRequestID)

	rec, ok := ms.snapshot("a")
	require.True(t, ok)
	assert.Equal(t, st.ActiveRequestID, rec.ActiveRequestID)
	require.Len(t, rec.ChatHistory, 3)
	assert.Equal(t, "two", rec.ChatHistory[2].Content)

	close(secondRun)
	waitIdle(t, registry, "a")
}

func TestRunner_Send_StoreWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
			onEvent(activity("e0"))
			return &agent.RunResult{Result: "ok"}, nil
		},
	}
	ms := newMemStore()
	ms.failNextWrite(errors.New("disk on fire"))

	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "go", nil))

	st := waitIdle(t, registry, "a")

	// In-memory state stays authoritative despite the persistence failure.
	require.Len(t, st.ChatHistory, 2)
	assert.Equal(t, "ok", st.ChatHistory[1].Content)
}

func TestRunner_ClearChat(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		openStreamFunc: func(_ context.Context, _ agent.StreamRequest, _ agent.EventHandler) (*agent.RunResult, error) {
			return &agent.RunResult{Result: "done"}, nil
		},
	}
	ms := newMemStore()
	registry, runner := newRunner(ft, ms)

	require.NoError(t, runner.Send(context.Background(), "a", "scene-1", "hi", nil))
	waitIdle(t, registry, "a")

	require.NoError(t, runner.ClearChat(context.Background(), "a"))

	_, ok := registry.Snapshot("a")
	assert.False(t, ok)

	_, ok = ms.snapshot("a")
	assert.False(t, ok)
}
