package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/flyxtv/flyxd/internal/engine"
	"github.com/flyxtv/flyxd/internal/models"
)

// StreamHandler exposes playback sessions over the control API.
type StreamHandler struct {
	manager           *engine.Manager
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(manager *engine.Manager, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		manager:           manager,
		logger:            logger,
		heartbeatInterval: 15 * time.Second,
	}
}

// CreateStreamInput is the request to start a playback session.
type CreateStreamInput struct {
	Body struct {
		Provider  string `json:"provider" doc:"Provider type: dlhd, streambtw or wikisport"`
		ChannelID string `json:"channel_id" doc:"Provider-specific channel identifier"`
		Title     string `json:"title,omitempty"`
		Poster    string `json:"poster,omitempty"`
	}
}

// StreamOutput wraps a session snapshot.
type StreamOutput struct {
	Body engine.Snapshot
}

// ListStreamsOutput lists all live sessions.
type ListStreamsOutput struct {
	Body struct {
		Streams []engine.Snapshot `json:"streams"`
	}
}

// GetStreamInput addresses one session.
type GetStreamInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// SwitchBackendInput requests a manual backend switch.
type SwitchBackendInput struct {
	ID   string `path:"id" doc:"Session ID"`
	Body struct {
		Backend string `json:"backend" doc:"Backend ID to switch to"`
	}
}

// DeleteStreamOutput is the stop confirmation.
type DeleteStreamOutput struct {
	Body struct {
		Stopped bool `json:"stopped"`
	}
}

// Register registers the stream routes with the API and the raw SSE route
// with the router.
func (h *StreamHandler) Register(api huma.API, router chi.Router) {
	huma.Register(api, huma.Operation{
		OperationID: "createStream",
		Method:      "POST",
		Path:        "/api/v1/streams",
		Summary:     "Start a playback session",
		Tags:        []string{"Streams"},
	}, h.CreateStream)

	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "List playback sessions",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      "GET",
		Path:        "/api/v1/streams/{id}",
		Summary:     "Get session status",
		Tags:        []string{"Streams"},
	}, h.GetStream)

	huma.Register(api, huma.Operation{
		OperationID: "switchStreamBackend",
		Method:      "POST",
		Path:        "/api/v1/streams/{id}/backend",
		Summary:     "Switch backend",
		Description: "Cancels the in-flight load, if any, and retries pinned to the named backend",
		Tags:        []string{"Streams"},
	}, h.SwitchBackend)

	huma.Register(api, huma.Operation{
		OperationID: "deleteStream",
		Method:      "DELETE",
		Path:        "/api/v1/streams/{id}",
		Summary:     "Stop a session",
		Tags:        []string{"Streams"},
	}, h.DeleteStream)

	router.Get("/api/v1/streams/{id}/events", h.handleSSEEvents)
}

// CreateStream starts a new session and begins loading immediately.
func (h *StreamHandler) CreateStream(ctx context.Context, input *CreateStreamInput) (*StreamOutput, error) {
	source := models.StreamSource{
		Type:      models.ProviderType(input.Body.Provider),
		ChannelID: input.Body.ChannelID,
		Title:     input.Body.Title,
		Poster:    input.Body.Poster,
	}
	if !source.Type.Valid() {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("unknown provider %q", input.Body.Provider))
	}
	if source.ChannelID == "" {
		return nil, huma.Error422UnprocessableEntity("channel_id is required")
	}

	// Session lifetime outlives this request.
	session, err := h.manager.Create(context.Background(), source, nil)
	if err != nil {
		if errors.Is(err, engine.ErrTooManySessions) {
			return nil, huma.Error409Conflict("session limit reached")
		}
		return nil, huma.Error500InternalServerError("creating session", err)
	}

	return &StreamOutput{Body: session.Snapshot()}, nil
}

// ListStreams returns snapshots of every live session.
func (h *StreamHandler) ListStreams(ctx context.Context, _ *struct{}) (*ListStreamsOutput, error) {
	out := &ListStreamsOutput{}
	out.Body.Streams = h.manager.List()
	if out.Body.Streams == nil {
		out.Body.Streams = []engine.Snapshot{}
	}
	return out, nil
}

// GetStream returns one session's snapshot.
func (h *StreamHandler) GetStream(ctx context.Context, input *GetStreamInput) (*StreamOutput, error) {
	session, err := h.manager.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("session not found")
	}
	return &StreamOutput{Body: session.Snapshot()}, nil
}

// SwitchBackend manually retries the session from the named backend.
func (h *StreamHandler) SwitchBackend(ctx context.Context, input *SwitchBackendInput) (*StreamOutput, error) {
	session, err := h.manager.Get(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("session not found")
	}
	if err := session.SwitchBackend(context.Background(), input.Body.Backend); err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	return &StreamOutput{Body: session.Snapshot()}, nil
}

// DeleteStream stops and removes a session.
func (h *StreamHandler) DeleteStream(ctx context.Context, input *GetStreamInput) (*DeleteStreamOutput, error) {
	if err := h.manager.Stop(input.ID); err != nil {
		return nil, huma.Error404NotFound("session not found")
	}
	out := &DeleteStreamOutput{}
	out.Body.Stopped = true
	return out, nil
}

// handleSSEEvents streams session status snapshots as server-sent events.
func (h *StreamHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment establishes the stream, then the current state.
	fmt.Fprintf(w, ":connected\n\n")
	if err := h.writeEvent(w, session.Snapshot()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.logger.Debug("initial SSE flush failed", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case snap := <-session.Events():
			if err := h.writeEvent(w, snap); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) writeEvent(w http.ResponseWriter, snap engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
