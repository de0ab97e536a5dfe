package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// Request captures the normalized model input assembled by the controller.
type Request struct {
	Messages []core.Message         `json:"-"`
	Tools    []core.ToolDescription `json:"tools,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
//
// Partial responses carry a text fragment in Delta. Exactly one final
// response (Partial == false) terminates a successful generation and carries
// the complete assistant decision in Message.
type Response struct {
	ID           string                `json:"id"`
	Partial      bool                  `json:"partial"`
	Delta        string                `json:"delta,omitempty"`
	Message      core.AssistantMessage `json:"-"`
	FinishReason string                `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage           `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the controller to drive generation.
//
// Generate returns a finite, non-restartable sequence: zero or more partial
// responses followed by exactly one final response, or an error on the error
// channel. Both channels are closed when the generation ends. Implementations
// must stop promptly when ctx is cancelled.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoFinalResponse is returned when a stream ends without a final response.
var ErrNoFinalResponse = errors.New("model stream ended without final response")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad request, auth failure, ...).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryableStatus reports whether an HTTP status returned by a provider is
// worth retrying: timeouts, conflicts, rate limits and server errors.
func RetryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Consume drains a generation, forwarding partial deltas to onDelta (may be
// nil), and returns the final response.
func Consume(ctx context.Context, respCh <-chan Response, errCh <-chan error, onDelta func(string)) (Response, error) {
	var (
		final    Response
		gotFinal bool
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				if r.Delta != "" && onDelta != nil {
					onDelta(r.Delta)
				}
				continue
			}
			final, gotFinal = r, true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				drainPartials(ctx, respCh, onDelta)
				return Response{}, err
			}
		}
	}

	if !gotFinal {
		return Response{}, ErrNoFinalResponse
	}

	if err := core.ValidateMessage(final.Message); err != nil {
		return Response{}, fmt.Errorf("invalid model decision: %w", err)
	}

	return final, nil
}

// drainPartials forwards deltas that were produced before a failure so
// fragments are observed in emission order.
func drainPartials(ctx context.Context, respCh <-chan Response, onDelta func(string)) {
	if respCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-respCh:
			if !ok {
				return
			}
			if r.Partial && r.Delta != "" && onDelta != nil {
				onDelta(r.Delta)
			}
		}
	}
}

// Turn scripts a single Generate call of a ScriptedModel.
type Turn struct {
	Content   string
	ToolCalls []core.ToolCall
	// Fragments overrides how Content is streamed; by default Content is
	// split into words.
	Fragments []string
	// Err fails the generation after the fragments were streamed.
	Err error
	// Hang blocks after the fragments until the context is cancelled.
	Hang bool
	// Gate, when set, holds the final response until it is closed.
	Gate <-chan struct{}
}

// TextTurn scripts a final answer.
func TextTurn(content string) Turn { return Turn{Content: content} }

// ToolCallTurn scripts a tool-calling decision.
func ToolCallTurn(calls ...core.ToolCall) Turn { return Turn{ToolCalls: calls} }

// ErrorTurn scripts a failing generation.
func ErrorTurn(err error) Turn { return Turn{Err: err} }

// ScriptedModel is a deterministic in-memory Model useful for tests & examples.
// Each Generate call consumes the next Turn.
type ScriptedModel struct {
	info       Info
	turns      []Turn
	repeatLast bool

	mu       sync.Mutex
	next     int
	requests []Request
}

// ScriptedOptions configures a ScriptedModel.
type ScriptedOptions struct {
	Name string
	// RepeatLast replays the final turn once the script is exhausted.
	RepeatLast bool
}

// NewScriptedModel constructs a ScriptedModel playing turns in order.
func NewScriptedModel(turns []Turn, optFns ...func(o *ScriptedOptions)) *ScriptedModel {
	opts := ScriptedOptions{Name: "scripted"}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &ScriptedModel{
		info:       Info{Name: opts.Name, Provider: "scripted", SupportsTools: true},
		turns:      turns,
		repeatLast: opts.RepeatLast,
	}
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, Request{Messages: core.CloneMessages(req.Messages), Tools: req.Tools, Stream: req.Stream})
	idx := m.next
	m.next++
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if idx >= len(m.turns) {
			if !m.repeatLast || len(m.turns) == 0 {
				errCh <- Permanent(fmt.Errorf("script exhausted after %d turns", len(m.turns)))
				return
			}
			idx = len(m.turns) - 1
		}

		turn := m.turns[idx]

		if req.Stream {
			fragments := turn.Fragments
			if fragments == nil {
				fragments = splitWords(turn.Content)
			}
			for _, f := range fragments {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Delta: f}:
				}
			}
		}

		if turn.Hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}

		if turn.Gate != nil {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-turn.Gate:
			}
		}

		if turn.Err != nil {
			errCh <- turn.Err
			return
		}

		finish := "stop"
		if len(turn.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		msg := core.CloneMessage(core.AssistantMessage{Content: turn.Content, ToolCalls: turn.ToolCalls}).(core.AssistantMessage)

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{ID: core.NewID(), Message: msg, FinishReason: finish}:
		}
	}()

	return respCh, errCh
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)

	return out
}

// Calls returns the number of Generate calls so far.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.next
}

// Info implements Model interface.
func (m *ScriptedModel) Info() Info { return m.info }

func splitWords(s string) []string {
	if s == "" {
		return nil
	}

	words := strings.SplitAfter(s, " ")
	out := words[:0]

	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}

	return out
}
