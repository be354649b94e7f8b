package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/driftspace/drift/internal/domain"
)

// streamFrame is one message on the gateway's live websocket channel.
type streamFrame struct {
	Type   string                  `json:"type"` // "event", "result", "error"
	Event  *domain.ActivityMessage `json:"event,omitempty"`
	Result *RunResult              `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Gateway implements Transport against the agent gateway's HTTP/WS surface.
type Gateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGateway(baseURL, token string, client *http.Client) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (g *Gateway) OpenStream(ctx context.Context, req StreamRequest, onEvent EventHandler) (*RunResult, error) {
	// The poll client's timeout would kill a long-lived stream, and
	// websocket.Dial rejects clients with one set; the handshake deadline
	// comes from ctx instead.
	conn, _, err := websocket.Dial(ctx, g.baseURL+"/v1/stream", &websocket.DialOptions{
		HTTPHeader: g.header(),
	})
	if err != nil {
		return nil, fmt.Errorf("agent.Gateway.OpenStream: dial: %w: %w", ErrStreamClosed, err)
	}
	defer conn.CloseNow()

	// Agent runs emit large tool output frames.
	conn.SetReadLimit(4 << 20)

	err = wsjson.Write(ctx, conn, req)
	if err != nil {
		return nil, fmt.Errorf("agent.Gateway.OpenStream: start frame: %w: %w", ErrStreamClosed, err)
	}

	for {
		var frame streamFrame

		err = wsjson.Read(ctx, conn, &frame)
		if err != nil {
			// The channel died before a terminal frame. The run may still
			// be in progress remotely; the caller defers to reconnection.
			return nil, fmt.Errorf("agent.Gateway.OpenStream: read: %w: %w", ErrStreamClosed, err)
		}

		switch frame.Type {
		case "event":
			if frame.Event != nil {
				onEvent(*frame.Event)
			}
		case "result":
			if frame.Result == nil {
				return nil, fmt.Errorf("agent.Gateway.OpenStream: result frame without payload: %w", ErrStreamClosed)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "run completed")
			return frame.Result, nil
		case "error":
			_ = conn.Close(websocket.StatusNormalClosure, "run failed")
			return nil, &RunError{Message: frame.Error}
		default:
			log.Debug().Str("frame_type", frame.Type).Str("request_id", req.RequestID).Msg("agent.Gateway.OpenStream: skipping unknown frame")
		}
	}
}

func (g *Gateway) Poll(ctx context.Context, requestID string, offset int) (*PollResponse, error) {
	url := g.baseURL + "/v1/runs/" + requestID + "/events?offset=" + strconv.Itoa(offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agent.Gateway.Poll: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent.Gateway.Poll: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("agent.Gateway.Poll(%s): %w", requestID, ErrRequestUnknown)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent.Gateway.Poll(%s): unexpected status %d: %s", requestID, resp.StatusCode, body)
	}

	var pr PollResponse

	err = json.NewDecoder(resp.Body).Decode(&pr)
	if err != nil {
		return nil, fmt.Errorf("agent.Gateway.Poll(%s): decode: %w", requestID, err)
	}

	return &pr, nil
}

func (g *Gateway) Interrupt(ctx context.Context, requestID string) error {
	url := g.baseURL + "/v1/runs/" + requestID + "/interrupt"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("agent.Gateway.Interrupt: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent.Gateway.Interrupt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("agent.Gateway.Interrupt(%s): %w", requestID, ErrRequestUnknown)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("agent.Gateway.Interrupt(%s): unexpected status %d", requestID, resp.StatusCode)
	}

	return nil
}

func (g *Gateway) header() http.Header {
	h := http.Header{}
	if g.token != "" {
		h.Set("Authorization", "Bearer "+g.token)
	}
	return h
}

func (g *Gateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

var _ Transport = (*Gateway)(nil)
