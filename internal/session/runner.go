package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftspace/drift/internal/agent"
	"github.com/driftspace/drift/internal/domain"
	redisstore "github.com/driftspace/drift/internal/store/redis"
)

// ErrSessionBusy is returned when a send arrives while a run (live or
// resumed) already owns the session.
var ErrSessionBusy = errors.New("session: run already active") //nolint:gochecknoglobals // sentinel error

// PubSubPublisher abstracts the Redis pub/sub publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EventType categorizes fan-out events on a session's pub/sub channel.
type EventType string

const (
	EventActivity EventType = "activity"
	EventChat     EventType = "chat"
	EventStatus   EventType = "status"
)

// Event is the payload published on "session:<id>" for browser clients.
// Status events additionally fan out on "scene:<id>" so a canvas client can
// track every session in a scene over a single subscription.
type Event struct {
	Type         EventType               `json:"type"`
	SessionID    string                  `json:"session_id"`
	SceneID      string                  `json:"scene_id,omitempty"`
	Activity     *domain.ActivityMessage `json:"activity,omitempty"`
	Chat         *domain.ChatMessage     `json:"chat,omitempty"`
	Running      bool                    `json:"running"`
	Reconnecting bool                    `json:"reconnecting"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Runner orchestrates one session's run lifecycle: accepting sends,
// enforcing single flight, driving the live-channel path or the poll-based
// resumption path, and writing through to the durable activity store.
type Runner struct {
	registry  *Registry
	transport agent.Transport
	store     domain.ActivityRepository
	pubsub    PubSubPublisher

	pollInterval    time.Duration
	maxPollFailures int

	done chan struct{}
}

func NewRunner(
	registry *Registry,
	transport agent.Transport,
	store domain.ActivityRepository,
	pubsub PubSubPublisher,
	pollInterval time.Duration,
	maxPollFailures int,
) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Runner{
		registry:        registry,
		transport:       transport,
		store:           store,
		pubsub:          pubsub,
		pollInterval:    pollInterval,
		maxPollFailures: maxPollFailures,
		done:            make(chan struct{}),
	}
}

// Shutdown signals all background run goroutines to stop polling. Live
// streams are left to die with the process; their runs resume on the next
// startup.
func (r *Runner) Shutdown() {
	close(r.done)
}

// Send starts a new run for a session. The network part runs in a
// background goroutine; Send returns once the run is durably anchored.
//
// The durable write order is what makes resumption possible: the request id
// is persisted before any network call, and every incoming event overwrites
// the in-flight step slot, so a crash costs at most the last unflushed
// event.
func (r *Runner) Send(ctx context.Context, sessionID, sceneID, message string, contextItems []agent.ContextItem) error {
	requestID := uuid.NewString()

	if !r.registry.BeginRun(sessionID, sceneID, requestID) {
		return fmt.Errorf("session.Runner.Send(%s): %w", sessionID, ErrSessionBusy)
	}

	// Resumption anchor. A store failure is not fatal to the in-memory run;
	// it only costs resumability if the process dies (the registry remains
	// the source of truth for this process).
	err := r.store.SaveActiveRequestID(ctx, sessionID, sceneID, requestID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Runner.Send: failed to persist request id")
	}

	userMsg := domain.ChatMessage{
		Role:      domain.ChatRoleUser,
		Content:   message,
		Timestamp: time.Now(),
	}
	chat := r.registry.AppendChat(sessionID, userMsg)
	r.registry.OpenStep(sessionID)

	if saveErr := r.store.SaveChatHistory(ctx, sessionID, chat); saveErr != nil {
		log.Error().Err(saveErr).Str("session_id", sessionID).Msg("session.Runner.Send: failed to persist chat history")
	}

	r.publish(Event{
		Type:      EventChat,
		SessionID: sessionID,
		Chat:      &userMsg,
		Running:   true,
	})
	r.publishStatus(sessionID)

	st, _ := r.registry.Snapshot(sessionID)

	go r.runLive(sessionID, agent.StreamRequest{
		RequestID:      requestID,
		AgentSessionID: st.AgentSessionID,
		Message:        message,
		ContextItems:   contextItems,
	})

	return nil
}

// Interrupt asks the agent to cancel the session's in-flight run. It does
// not change local state; the run's own terminal handling (live channel or
// poll) clears the running flag once the agent acknowledges.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) error {
	requestID := r.registry.ActiveRequestID(sessionID)
	if requestID == "" {
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := r.transport.Interrupt(ctx, requestID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Runner.Interrupt: interrupt request failed")
		}
	}()

	return nil
}

// Resume reattaches to a known in-flight request id via the poll path.
// Invoked by the Supervisor when no live channel owns the run.
func (r *Runner) Resume(ctx context.Context, sessionID, requestID string) error {
	if !r.registry.BeginResume(sessionID, requestID) {
		return fmt.Errorf("session.Runner.Resume(%s): %w", sessionID, ErrSessionBusy)
	}

	rec, err := r.store.Load(ctx, sessionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.registry.EndRun(sessionID)
		return fmt.Errorf("session.Runner.Resume(%s): load record: %w", sessionID, err)
	}
	if rec == nil {
		rec = &domain.ActivityRecord{}
	}

	// Restore finalized steps plus the previously-active step re-opened as
	// the tail. The events-seen cursor is that tail's length; when no
	// in-flight step survived, polling starts from zero into a fresh step.
	steps := rec.FinalizedSteps
	cursor := 0
	if len(rec.ActiveStep) > 0 && len(steps) > 0 {
		cursor = len(steps[len(steps)-1])
	} else {
		steps = append(steps, domain.Step{})
	}

	r.registry.Restore(sessionID, rec, steps)

	r.publishStatus(sessionID)

	go r.pollRun(sessionID, requestID, cursor)

	return nil
}

// ClearChat destroys the session: durable record purged, registry entry
// removed.
func (r *Runner) ClearChat(ctx context.Context, sessionID string) error {
	err := r.store.DeleteAll(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session.Runner.ClearChat(%s): %w", sessionID, err)
	}

	r.registry.Delete(sessionID)

	return nil
}

// runLive drives the live-channel path for one run.
func (r *Runner) runLive(sessionID string, req agent.StreamRequest) {
	ctx := context.Background()

	result, err := r.transport.OpenStream(ctx, req, func(msg domain.ActivityMessage) {
		r.applyEvent(ctx, sessionID, msg)
	})

	switch {
	case err == nil:
		r.finalizeSuccess(ctx, sessionID, result)
	default:
		var runErr *agent.RunError
		if errors.As(err, &runErr) {
			r.finalizeError(ctx, sessionID, runErr.Message)
			return
		}

		// The channel died without a terminal answer. The run may still be
		// in progress remotely, so no error message is synthesized; this
		// runner hands itself to the poll path with the events seen so far.
		log.Warn().Err(err).Str("session_id", sessionID).Str("request_id", req.RequestID).Msg("session.Runner: live channel lost, falling back to poll")

		r.registry.SetReconnecting(sessionID, true)

		steps := r.registry.StepHistorySnapshot(sessionID)
		cursor := 0
		if len(steps) > 0 {
			cursor = len(steps[len(steps)-1])
		}

		r.pollRun(sessionID, req.RequestID, cursor)
	}
}

// pollRun polls the transport for events past the cursor until the run
// reaches a terminal state or the request id expires. There is no overall
// deadline: long agent turns are tolerated across arbitrarily many reload
// cycles. Consecutive transport failures are bounded by maxPollFailures
// (zero means unbounded).
func (r *Runner) pollRun(sessionID, requestID string, cursor int) {
	ctx := context.Background()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		resp, err := r.transport.Poll(ctx, requestID, cursor)
		if err != nil {
			if errors.Is(err, agent.ErrRequestUnknown) {
				// The run is lost. The agent gave no terminal answer, so no
				// chat message is added; the session silently returns to
				// idle.
				log.Info().Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Runner: request id expired, abandoning run")
				r.abandonRun(ctx, sessionID)
				return
			}

			failures++
			if r.maxPollFailures > 0 && failures >= r.maxPollFailures {
				log.Error().Err(err).Str("session_id", sessionID).Str("request_id", requestID).Int("failures", failures).Msg("session.Runner: poll failure budget exhausted, abandoning run")
				r.abandonRun(ctx, sessionID)
				return
			}

			log.Warn().Err(err).Str("session_id", sessionID).Str("request_id", requestID).Msg("session.Runner: poll failed, will retry")
			continue
		}

		failures = 0
		r.registry.SetReconnecting(sessionID, false)

		for _, msg := range resp.Events {
			r.applyEvent(ctx, sessionID, msg)
		}
		cursor += len(resp.Events)

		switch resp.Status {
		case agent.RunStatusCompleted:
			r.finalizeSuccess(ctx, sessionID, resp.Result)
			return
		case agent.RunStatusError:
			r.finalizeError(ctx, sessionID, resp.Error)
			return
		case agent.RunStatusRunning:
			// Keep polling.
		}
	}
}

// applyEvent appends one activity event to the open step in both the
// registry and the durable store, then fans it out.
func (r *Runner) applyEvent(ctx context.Context, sessionID string, msg domain.ActivityMessage) {
	step := r.registry.AppendActivity(sessionID, msg)

	if err := r.store.SaveActiveStep(ctx, sessionID, step); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to persist in-flight step")
	}

	r.publish(Event{
		Type:      EventActivity,
		SessionID: sessionID,
		Activity:  &msg,
		Running:   true,
	})
}

// finalizeSuccess applies the completion handling shared by the live and
// poll paths.
func (r *Runner) finalizeSuccess(ctx context.Context, sessionID string, result *agent.RunResult) {
	text := ""
	if result != nil {
		text = result.Result

		if result.AgentSessionID != "" {
			r.registry.SetAgentSessionID(sessionID, result.AgentSessionID)
			if err := r.store.SaveAgentSessionID(ctx, sessionID, result.AgentSessionID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to persist agent session id")
			}
		}
	}

	r.finalize(ctx, sessionID, text)
}

// finalizeError surfaces an agent-reported failure as an assistant message
// and returns the session to idle.
func (r *Runner) finalizeError(ctx context.Context, sessionID, errText string) {
	if errText == "" {
		errText = "agent run failed"
	}

	r.finalize(ctx, sessionID, errText)
}

func (r *Runner) finalize(ctx context.Context, sessionID, text string) {
	assistantMsg := domain.ChatMessage{
		Role:      domain.ChatRoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	}
	chat := r.registry.AppendChat(sessionID, assistantMsg)
	steps := r.registry.StepHistorySnapshot(sessionID)

	// The running gate is released only after the durable record is
	// consistent. A send claiming the session mid-finalize would persist a
	// fresh request id that these writes would then clobber.
	if err := r.store.SaveFinalizedSteps(ctx, sessionID, steps); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to persist finalized steps")
	}
	if err := r.store.SaveChatHistory(ctx, sessionID, chat); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to persist chat history")
	}
	if err := r.store.ClearActiveRequestID(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to clear request id")
	}

	r.registry.EndRun(sessionID)

	r.publish(Event{
		Type:      EventChat,
		SessionID: sessionID,
		Chat:      &assistantMsg,
	})
	r.publishStatus(sessionID)
}

// abandonRun silently returns a session to idle when a run's outcome is
// unknowable.
func (r *Runner) abandonRun(ctx context.Context, sessionID string) {
	if err := r.store.ClearActiveRequestID(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Runner: failed to clear request id")
	}

	r.registry.EndRun(sessionID)

	r.publishStatus(sessionID)
}

// publish fans an event out on the session's pub/sub channel. Skipped when
// shutting down.
func (r *Runner) publish(evt Event) {
	select {
	case <-r.done:
		return
	default:
	}

	evt.Timestamp = time.Now()

	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := redisstore.SessionChannel(evt.SessionID)
	if pubErr := r.pubsub.Publish(ctx, channel, payload); pubErr != nil {
		log.Error().Err(pubErr).Str("channel", channel).Msg("session.Runner: failed to publish event")
	}

	if evt.Type == EventStatus && evt.SceneID != "" {
		channel = redisstore.SceneChannel(evt.SceneID)
		if pubErr := r.pubsub.Publish(ctx, channel, payload); pubErr != nil {
			log.Error().Err(pubErr).Str("channel", channel).Msg("session.Runner: failed to publish event")
		}
	}
}

// publishStatus fans out the session's current run state, to both the
// session channel and its scene channel.
func (r *Runner) publishStatus(sessionID string) {
	st, ok := r.registry.Snapshot(sessionID)
	if !ok {
		return
	}

	r.publish(Event{
		Type:         EventStatus,
		SessionID:    sessionID,
		SceneID:      st.SceneID,
		Running:      st.Running,
		Reconnecting: st.Reconnecting,
	})
}
