package model

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
)

var _ Model = (*ScriptedModel)(nil)

func generate(t *testing.T, m Model, req Request) (Response, []string, error) {
	t.Helper()

	var deltas []string
	respCh, errCh := m.Generate(context.Background(), req)
	resp, err := Consume(context.Background(), respCh, errCh, func(d string) { deltas = append(deltas, d) })

	return resp, deltas, err
}

func TestScriptedModel_StreamsThenFinal(t *testing.T) {
	m := NewScriptedModel([]Turn{TextTurn("Hi Bob, nice to meet you")})

	resp, deltas, err := generate(t, m, Request{Messages: []core.Message{core.UserMessage{Content: "hi"}}, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "Hi Bob, nice to meet you", strings.Join(deltas, ""))
	assert.Equal(t, "Hi Bob, nice to meet you", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 1, m.Calls())
}

func TestScriptedModel_NoStreamNoDeltas(t *testing.T) {
	m := NewScriptedModel([]Turn{TextTurn("hello there")})

	_, deltas, err := generate(t, m, Request{})
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestScriptedModel_ToolCalls(t *testing.T) {
	m := NewScriptedModel([]Turn{ToolCallTurn(core.ToolCall{ID: "1", Name: "search", Arguments: `{"query":"sf"}`})})

	resp, _, err := generate(t, m, Request{Stream: true})
	require.NoError(t, err)
	assert.True(t, resp.Message.HasToolCalls())
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestScriptedModel_Exhausted(t *testing.T) {
	m := NewScriptedModel(nil)

	_, _, err := generate(t, m, Request{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestScriptedModel_RepeatLast(t *testing.T) {
	m := NewScriptedModel([]Turn{TextTurn("again")}, func(o *ScriptedOptions) { o.RepeatLast = true })

	for i := 0; i < 3; i++ {
		resp, _, err := generate(t, m, Request{})
		require.NoError(t, err)
		assert.Equal(t, "again", resp.Message.Content)
	}
	assert.Len(t, m.Requests(), 3)
}

func TestScriptedModel_ErrorAfterFragments(t *testing.T) {
	boom := errors.New("boom")
	m := NewScriptedModel([]Turn{{Fragments: []string{"par", "tial"}, Err: boom}})

	_, deltas, err := generate(t, m, Request{Stream: true})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"par", "tial"}, deltas)
}

func TestScriptedModel_HangUntilCancelled(t *testing.T) {
	m := NewScriptedModel([]Turn{{Fragments: []string{"x"}, Hang: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	respCh, errCh := m.Generate(ctx, Request{Stream: true})
	_, err := Consume(ctx, respCh, errCh, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsume_NoFinal(t *testing.T) {
	respCh := make(chan Response, 1)
	errCh := make(chan error)
	respCh <- Response{Partial: true, Delta: "a"}
	close(respCh)
	close(errCh)

	_, err := Consume(context.Background(), respCh, errCh, nil)
	assert.ErrorIs(t, err, ErrNoFinalResponse)
}

func TestConsume_InvalidDecision(t *testing.T) {
	respCh := make(chan Response, 1)
	errCh := make(chan error)
	respCh <- Response{Message: core.AssistantMessage{ToolCalls: []core.ToolCall{{ID: "a", Name: "x"}, {ID: "a", Name: "y"}}}}
	close(respCh)
	close(errCh)

	_, err := Consume(context.Background(), respCh, errCh, nil)
	if err == nil {
		t.Fatalf("expected validation error for duplicate tool call ids")
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad request")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
