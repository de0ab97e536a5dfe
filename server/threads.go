package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/stream"
)

// MessageRequest is the body of POST /v1/threads/:thread_id/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// TurnResponse is the JSON answer of a completed (or failed) turn.
type TurnResponse struct {
	InvocationID string          `json:"invocation_id"`
	State        engine.State    `json:"state"`
	Checkpoint   core.Checkpoint `json:"checkpoint"`
	Error        *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failure in responses and SSE streams.
type ErrorBody struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// GetThread returns the latest committed checkpoint of a thread.
// GET /v1/threads/:thread_id
func (s *Server) GetThread(c echo.Context) error {
	threadID := c.Param("thread_id")

	cp, err := s.engine.Checkpoint(c.Request().Context(), threadID)
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"checkpoint": cp,
		"status":     cp.Status(),
		"busy":       s.engine.Checkpoints().Busy(threadID),
	})
}

// PostMessage starts a turn with a user message. The answer is an SSE stream
// when the client accepts text/event-stream and a TurnResponse otherwise.
// POST /v1/threads/:thread_id/messages
func (s *Server) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, core.NewError(core.KindInput, c.Param("thread_id"), fmt.Errorf("invalid request body: %w", err)))
	}

	return s.runTurn(c, core.UserMessage{Content: req.Content})
}

// Resume continues a thread without new input.
// POST /v1/threads/:thread_id/resume
func (s *Server) Resume(c echo.Context) error {
	return s.runTurn(c, nil)
}

func (s *Server) runTurn(c echo.Context, msg core.Message) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	streaming := wantsEventStream(c.Request())

	mode := stream.ParseMode(c.QueryParam("mode"))

	inv, err := s.engine.Invoke(ctx, threadID, msg, func(o *engine.InvokeOptions) {
		o.Mode = mode
		o.Detached = !streaming
	})
	if err != nil {
		return s.writeError(c, err)
	}

	if streaming {
		return s.streamEvents(c, inv)
	}

	cp, err := inv.Wait(ctx)

	resp := TurnResponse{
		InvocationID: inv.ID(),
		State:        inv.State(),
		Checkpoint:   cp,
	}

	if err != nil {
		resp.Error = errorBody(err)
		return c.JSON(statusFor(err), resp)
	}

	return c.JSON(http.StatusOK, resp)
}

// streamEvents writes the invocation's events as server-sent events and
// finishes with a "done" event carrying the terminal state.
func (s *Server) streamEvents(c echo.Context, inv *engine.Invocation) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set("X-Invocation-Id", inv.ID())
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for ev := range inv.Events() {
		if err := writeSSE(res, string(ev.Kind), ev.ID, ev); err != nil {
			// the client is gone; cancelling the subscription aborts the turn
			inv.Subscription().Cancel()
			s.logger.Debug("server.sse.write.error", "invocation_id", inv.ID(), "error", err)
			return nil
		}
	}

	cp, err := inv.Wait(c.Request().Context())

	done := TurnResponse{
		InvocationID: inv.ID(),
		State:        inv.State(),
		Checkpoint:   cp,
	}
	if err != nil {
		done.Error = errorBody(err)
	}

	_ = writeSSE(res, "done", "", done)

	return nil
}

func writeSSE(res *echo.Response, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')

	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}

	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")

	if _, err := res.Write([]byte(b.String())); err != nil {
		return err
	}

	res.Flush()

	return nil
}

// ListInvocations returns the ids of running invocations.
// GET /v1/invocations
func (s *Server) ListInvocations(c echo.Context) error {
	ids := s.engine.ActiveInvocations()

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		inv, ok := s.engine.Invocation(id)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"invocation_id": id,
			"thread_id":     inv.ThreadID(),
			"state":         inv.State(),
			"started_at":    inv.StartedAt(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{"invocations": out})
}

// StopInvocation cancels a running invocation.
// DELETE /v1/invocations/:invocation_id
func (s *Server) StopInvocation(c echo.Context) error {
	if err := s.engine.StopInvocation(c.Param("invocation_id")); err != nil {
		if errors.Is(err, engine.ErrInvocationNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return s.writeError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get(echo.HeaderAccept), "text/event-stream")
}

func (s *Server) writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("server.error", "path", c.Path(), "error", err)
	}

	return c.JSON(status, map[string]any{"error": errorBody(err)})
}

func errorBody(err error) *ErrorBody {
	kind := core.KindOf(err)
	if kind == "" {
		kind = core.KindInternal
	}

	return &ErrorBody{Kind: kind, Message: err.Error()}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindInput:
		return http.StatusBadRequest
	case core.KindThreadBusy:
		return http.StatusConflict
	case core.KindLoopLimit:
		return http.StatusUnprocessableEntity
	case core.KindModel, core.KindTool:
		return http.StatusBadGateway
	case core.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
