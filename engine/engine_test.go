package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/checkpoint"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
	"github.com/hupe1980/agentloop/tool"
)

const (
	bobIntro    = "hi im bob and i live in sf"
	weatherAsk  = "what's the weather where I live?"
	weatherInSF = "60 degrees and foggy"
)

func testConfig() Config {
	cfg := DefaultConfig
	cfg.ModelTimeout = 2 * time.Second
	cfg.ToolTimeout = 2 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, m model.Model, tools []tool.Tool, optFns ...func(o *Options)) (*Engine, *checkpoint.InMemoryStore) {
	t.Helper()

	store := checkpoint.NewInMemoryStore()
	reg, err := tool.NewRegistry(tools...)
	require.NoError(t, err)

	fns := append([]func(o *Options){func(o *Options) {
		o.Config = testConfig()
		o.Store = store
	}}, optFns...)

	return New(m, reg, fns...), store
}

func searchTool(output string, err error) *tool.FunctionTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	}

	return tool.NewFunctionTool("search", "Search the web", params, func(tc *core.ToolContext, args map[string]any) (any, error) {
		_ = tc.EmitToken("searching for " + args["query"].(string))
		if err != nil {
			return nil, err
		}
		return output, nil
	})
}

func searchCall(id, query string) core.ToolCall {
	return core.ToolCall{ID: id, Name: "search", Arguments: `{"query":"` + query + `"}`}
}

func user(s string) core.Message { return core.UserMessage{Content: s} }

func collect(events []core.StreamEvent, kind core.EventKind) []core.StreamEvent {
	c := &testutil.Collector{}
	for _, ev := range events {
		c.Add(ev)
	}
	return c.Kind(kind)
}

func runScenarioA(t *testing.T, eng *Engine) core.Checkpoint {
	t.Helper()

	cp, events, err := eng.InvokeSync(context.Background(), "bob", user(bobIntro))
	require.NoError(t, err)

	assert.Equal(t, 1, cp.StepIndex)
	assert.Equal(t, 1, cp.Revision)
	assert.Equal(t, []core.Message{
		core.UserMessage{Content: bobIntro},
		core.AssistantMessage{Content: "Hi Bob! Nice to meet you."},
	}, cp.Messages)

	values := collect(events, core.EventValue)
	require.Len(t, values, 1)
	assert.Equal(t, cp.Messages, values[0].Messages())
	assert.Empty(t, collect(events, core.EventError))

	return cp
}

func TestScenarioA_FinalAnswer(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("Hi Bob! Nice to meet you.")})
	eng, _ := newTestEngine(t, m, nil)

	runScenarioA(t, eng)

	stored, err := eng.Checkpoint(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.StepIndex)
	assert.Len(t, stored.Messages, 2)
}

func TestScenarioB_ToolRound(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.TextTurn("Hi Bob! Nice to meet you."),
		model.ToolCallTurn(searchCall("call_1", "weather in san francisco")),
		model.TextTurn("It is " + weatherInSF + " in San Francisco."),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool(weatherInSF, nil)})

	runScenarioA(t, eng)

	cp, events, err := eng.InvokeSync(context.Background(), "bob", user(weatherAsk))
	require.NoError(t, err)

	assert.Equal(t, 2, cp.StepIndex)
	assert.Equal(t, 3, cp.Revision, "tool round and final answer are separate commits")
	assert.Equal(t, []core.Message{
		core.UserMessage{Content: bobIntro},
		core.AssistantMessage{Content: "Hi Bob! Nice to meet you."},
		core.UserMessage{Content: weatherAsk},
		core.AssistantMessage{ToolCalls: []core.ToolCall{searchCall("call_1", "weather in san francisco")}},
		core.ToolResultMessage{CallID: "call_1", Name: "search", Output: weatherInSF},
		core.AssistantMessage{Content: "It is " + weatherInSF + " in San Francisco."},
	}, cp.Messages)

	tokens := collect(events, core.EventToken)
	require.NotEmpty(t, tokens)
	text := ""
	for _, ev := range tokens {
		assert.Equal(t, core.OriginModel, ev.Token.Origin)
		text += ev.Token.Fragment
	}
	assert.Equal(t, "It is "+weatherInSF+" in San Francisco.", text)

	values := collect(events, core.EventValue)
	require.Len(t, values, 2)
	assert.Equal(t, 1, values[0].StepIndex)
	assert.Equal(t, 2, values[0].Revision)
	assert.Len(t, values[0].Messages(), 5)
	assert.Equal(t, 2, values[1].StepIndex)
	assert.Equal(t, 3, values[1].Revision)

	// the model saw the tool result on its last call
	reqs := m.Requests()
	require.Len(t, reqs, 3)
	last := reqs[2].Messages
	assert.Equal(t, core.ToolResultMessage{CallID: "call_1", Name: "search", Output: weatherInSF}, last[len(last)-1])
	require.Len(t, reqs[1].Tools, 1)
	assert.Equal(t, "search", reqs[1].Tools[0].Name)
}

func TestScenarioC_ToolFailureIsRecovered(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(searchCall("call_1", "weather in sf")),
		model.TextTurn("Sorry, I could not look up the weather right now."),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("", errors.New("search backend unavailable"))})

	cp, events, err := eng.InvokeSync(context.Background(), "bob", user(weatherAsk))
	require.NoError(t, err)
	assert.Empty(t, collect(events, core.EventError))

	require.Len(t, cp.Messages, 4)
	res, ok := cp.Messages[2].(core.ToolResultMessage)
	require.True(t, ok)
	assert.True(t, res.IsError())
	assert.Equal(t, tool.CodeExecution, res.Failure.Code)
	assert.Equal(t, "search backend unavailable", res.Failure.Message)
	assert.Equal(t, "call_1", res.CallID)

	assert.Equal(t, core.AssistantMessage{Content: "Sorry, I could not look up the weather right now."}, cp.Messages[3])
	assert.Equal(t, 2, m.Calls())
}

func TestScenarioD_ConsumerCancelMidModelCall(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.TextTurn("Hi Bob! Nice to meet you."),
		{Fragments: []string{"Let ", "me ", "think"}, Hang: true},
	})
	eng, _ := newTestEngine(t, m, nil)

	prior := runScenarioA(t, eng)

	inv, err := eng.Invoke(context.Background(), "bob", user(weatherAsk), func(o *InvokeOptions) {
		o.Mode = stream.ModeTokens
	})
	require.NoError(t, err)

	first := <-inv.Events()
	require.Equal(t, core.EventToken, first.Kind)
	assert.Equal(t, "Let ", first.Token.Fragment)

	inv.Subscription().Cancel()

	_, err = inv.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrConsumerCancelled)
	assert.Equal(t, StateCancelled, inv.State())

	loaded, err := eng.Checkpoint(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, prior, loaded)

	// the thread is free again
	assert.False(t, eng.Checkpoints().Busy("bob"))
}

func TestLoopBound(t *testing.T) {
	m := model.NewScriptedModel(
		[]model.Turn{model.ToolCallTurn(searchCall("call_1", "again"))},
		func(o *model.ScriptedOptions) { o.RepeatLast = true },
	)
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("more", nil)}, func(o *Options) {
		o.Config.MaxSteps = 3
	})

	cp, events, err := eng.InvokeSync(context.Background(), "loop", user("go"))
	require.Error(t, err)
	assert.Equal(t, core.KindLoopLimit, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrLoopLimitExceeded)

	assert.Equal(t, 3, m.Calls(), "exactly MaxSteps model rounds")
	assert.Equal(t, 3, cp.Revision, "every completed tool round was committed")
	assert.Equal(t, 0, cp.StepIndex)

	errs := collect(events, core.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, core.KindLoopLimit, errs[0].Error.Kind)
}

func TestIdempotentNoInput(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("Hi Bob! Nice to meet you.")})
	eng, _ := newTestEngine(t, m, nil)

	prior := runScenarioA(t, eng)

	inv, err := eng.Invoke(context.Background(), "bob", nil)
	require.NoError(t, err)

	var events []core.StreamEvent
	for ev := range inv.Events() {
		events = append(events, ev)
	}
	assert.Empty(t, events)

	cp, err := inv.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingInput, inv.State())
	assert.Equal(t, prior, cp)
	assert.Equal(t, 1, m.Calls(), "no model call")

	// brand new thread as well
	cp, events, err = eng.InvokeSync(context.Background(), "nobody", nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.True(t, cp.IsInitial())
}

func TestResumeAfterFailedInvocation(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(searchCall("call_1", "sf")),
		model.ErrorTurn(model.Permanent(errors.New("401 unauthorized"))),
		model.TextTurn("It is foggy."),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool(weatherInSF, nil)})

	cp, _, err := eng.InvokeSync(context.Background(), "bob", user(weatherAsk))
	require.Error(t, err)
	assert.Equal(t, core.KindModel, core.KindOf(err))
	assert.Equal(t, 1, cp.Revision)
	assert.Equal(t, core.ThreadPendingModel, cp.Status())

	cp, events, err := eng.InvokeSync(context.Background(), "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.StepIndex)
	assert.Equal(t, 2, cp.Revision)
	assert.Len(t, cp.Messages, 4)
	assert.Len(t, collect(events, core.EventValue), 1)
}

func TestResumePendingToolCalls(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("done")})
	eng, store := newTestEngine(t, m, []tool.Tool{searchTool(weatherInSF, nil)})

	b := testutil.NewHistoryBuilder().User(weatherAsk)
	b.Call("search", `{"query":"sf"}`)
	require.NoError(t, store.Put(context.Background(), b.Checkpoint("bob", 0, 1)))

	cp, _, err := eng.InvokeSync(context.Background(), "bob", nil)
	require.NoError(t, err)
	require.Len(t, cp.Messages, 4)
	assert.Equal(t, core.ToolResultMessage{CallID: "call_1", Name: "search", Output: weatherInSF}, cp.Messages[2])
	assert.Equal(t, 3, cp.Revision)
}

func TestPendingToolCallsAnsweredBeforeNewInput(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("welcome back")})
	eng, store := newTestEngine(t, m, []tool.Tool{searchTool(weatherInSF, nil)})

	b := testutil.NewHistoryBuilder().User(weatherAsk)
	b.Call("search", `{"query":"sf"}`)
	require.NoError(t, store.Put(context.Background(), b.Checkpoint("bob", 0, 1)))

	cp, _, err := eng.InvokeSync(context.Background(), "bob", user("hello again"))
	require.NoError(t, err)

	result := core.ToolResultMessage{CallID: "call_1", Name: "search", Output: weatherInSF}

	require.Len(t, cp.Messages, 5)
	assert.Equal(t, result, cp.Messages[2])
	assert.Equal(t, user("hello again"), cp.Messages[3])
	assert.Equal(t, core.AssistantMessage{Content: "welcome back"}, cp.Messages[4])
	assert.Equal(t, 3, cp.Revision)
	assert.Equal(t, 1, cp.StepIndex)

	if err := core.ValidateHistory(cp.Messages); err != nil {
		t.Fatalf("committed history is malformed: %v", err)
	}

	sent := m.Requests()[0].Messages
	require.Len(t, sent, 5)
	assert.Equal(t, result, sent[2])
	assert.Equal(t, user("hello again"), sent[3])
}

func TestPruneSkipsActiveThread(t *testing.T) {
	gate := make(chan struct{})
	m := model.NewScriptedModel([]model.Turn{
		model.TextTurn("hi bob"),
		model.TextTurn("hi alice"),
		{Content: "again", Gate: gate},
	})
	eng, store := newTestEngine(t, m, nil)

	ctx := context.Background()

	_, _, err := eng.InvokeSync(ctx, "bob", user("hello"))
	require.NoError(t, err)
	_, _, err = eng.InvokeSync(ctx, "alice", user("hello"))
	require.NoError(t, err)

	inv, err := eng.Invoke(ctx, "bob", user("hello again"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Calls() == 3 }, time.Second, time.Millisecond)

	n, err := eng.Checkpoints().Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("expected only the idle thread to be pruned, got %d", n)
	}
	assert.ElementsMatch(t, []string{"bob"}, store.Threads())
	assert.True(t, eng.Checkpoints().Busy("bob"))

	close(gate)

	cp, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Revision)
	assert.Len(t, cp.Messages, 4)
}

func TestInputErrors(t *testing.T) {
	m := model.NewScriptedModel(nil)
	eng, store := newTestEngine(t, m, nil)

	cases := []struct {
		name     string
		threadID string
		msg      core.Message
	}{
		{"empty", "t", user("   ")},
		{"assistant", "t", core.AssistantMessage{Content: "x"}},
		{"no thread", "", user("hi")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv, err := eng.Invoke(context.Background(), tc.threadID, tc.msg)
			require.Error(t, err)
			assert.Nil(t, inv)
			assert.Equal(t, core.KindInput, core.KindOf(err))
		})
	}

	assert.Empty(t, store.Threads())
	assert.Zero(t, m.Calls())
}

func TestThreadBusyFailsFast(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{{Hang: true}, model.TextTurn("second")})
	eng, _ := newTestEngine(t, m, nil)

	first, err := eng.Invoke(context.Background(), "bob", user("one"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Calls() == 1 }, time.Second, time.Millisecond)

	_, err = eng.Invoke(context.Background(), "bob", user("two"))
	require.Error(t, err)
	assert.Equal(t, core.KindThreadBusy, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrThreadBusy)

	// another thread is unaffected
	other, err := eng.Invoke(context.Background(), "alice", user("hello"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)
	_, err = other.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, eng.StopInvocation(first.ID()))
	_, err = first.Wait(context.Background())
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	cp, err := eng.Checkpoint(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, cp.IsInitial())

	assert.ErrorIs(t, eng.StopInvocation(first.ID()), ErrInvocationNotFound)
}

func TestMonotonicMessageCount(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.TextTurn("one"),
		model.ToolCallTurn(searchCall("a", "x"), searchCall("b", "y")),
		model.TextTurn("two"),
		model.ErrorTurn(model.Permanent(errors.New("boom"))),
		model.TextTurn("three"),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("r", nil)})

	prevCount, prevRev := 0, 0
	for _, text := range []string{"a", "b", "c", "d"} {
		_, _, _ = eng.InvokeSync(context.Background(), "t", user(text))

		cp, err := eng.Checkpoint(context.Background(), "t")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(cp.Messages), prevCount)
		assert.GreaterOrEqual(t, cp.Revision, prevRev)
		prevCount, prevRev = len(cp.Messages), cp.Revision
	}

	cp, err := eng.Checkpoint(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.StepIndex)
	// "c" failed before any commit and is therefore absent
	assert.Equal(t, core.UserMessage{Content: "d"}, cp.Messages[len(cp.Messages)-2])
}

func TestToolTimeout(t *testing.T) {
	slow := tool.NewFunctionTool("slow", "", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	})

	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(core.ToolCall{ID: "c1", Name: "slow"}),
		model.TextTurn("gave up"),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{slow}, func(o *Options) {
		o.Config.ToolTimeout = 20 * time.Millisecond
	})

	cp, _, err := eng.InvokeSync(context.Background(), "t", user("go"))
	require.NoError(t, err)

	res := cp.Messages[2].(core.ToolResultMessage)
	require.True(t, res.IsError())
	assert.Equal(t, tool.CodeTimeout, res.Failure.Code)
}

func TestToolPanicAndUnknownTool(t *testing.T) {
	boom := tool.NewFunctionTool("boom", "", nil, func(*core.ToolContext, map[string]any) (any, error) {
		panic("kaboom")
	})

	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(
			core.ToolCall{ID: "c1", Name: "boom"},
			core.ToolCall{ID: "c2", Name: "missing"},
			core.ToolCall{ID: "c3", Name: "search", Arguments: `{"q":1}`},
			core.ToolCall{ID: "c4", Name: "search", Arguments: `not json`},
		),
		model.TextTurn("ok"),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{boom, searchTool("r", nil)})

	cp, _, err := eng.InvokeSync(context.Background(), "t", user("go"))
	require.NoError(t, err)
	require.Len(t, cp.Messages, 7)

	codes := map[string]string{}
	for _, msg := range cp.Messages[2:6] {
		res := msg.(core.ToolResultMessage)
		require.True(t, res.IsError(), res.CallID)
		codes[res.CallID] = res.Failure.Code
	}

	assert.Equal(t, map[string]string{
		"c1": tool.CodePanic,
		"c2": tool.CodeNotFound,
		"c3": tool.CodeValidation,
		"c4": tool.CodeValidation,
	}, codes)
}

func TestParallelToolsKeepIssueOrder(t *testing.T) {
	var (
		running int32
		peak    int32
		barrier sync.WaitGroup
	)

	barrier.Add(2)

	wait := tool.NewFunctionTool("wait", "", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}

		barrier.Done()
		barrier.Wait() // both calls must be in flight at once

		atomic.AddInt32(&running, -1)
		return "done " + tc.CallID(), nil
	})

	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(core.ToolCall{ID: "first", Name: "wait"}, core.ToolCall{ID: "second", Name: "wait"}),
		model.TextTurn("ok"),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{wait}, func(o *Options) {
		o.Config.MaxParallelTools = 2
	})

	cp, _, err := eng.InvokeSync(context.Background(), "t", user("go"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Equal(t, "first", cp.Messages[2].(core.ToolResultMessage).CallID)
	assert.Equal(t, "done first", cp.Messages[2].(core.ToolResultMessage).Output)
	assert.Equal(t, "second", cp.Messages[3].(core.ToolResultMessage).CallID)
}

func TestModelRetry(t *testing.T) {
	t.Run("transient then success", func(t *testing.T) {
		m := model.NewScriptedModel([]model.Turn{
			model.ErrorTurn(errors.New("503 service unavailable")),
			model.TextTurn("hello"),
		})
		eng, _ := newTestEngine(t, m, nil)

		cp, _, err := eng.InvokeSync(context.Background(), "t", user("hi"))
		require.NoError(t, err)
		assert.Equal(t, 2, m.Calls())
		assert.Equal(t, core.AssistantMessage{Content: "hello"}, cp.Messages[1])
	})

	t.Run("timeout then success", func(t *testing.T) {
		m := model.NewScriptedModel([]model.Turn{{Hang: true}, model.TextTurn("hello")})
		eng, _ := newTestEngine(t, m, nil, func(o *Options) {
			o.Config.ModelTimeout = 20 * time.Millisecond
		})

		_, _, err := eng.InvokeSync(context.Background(), "t", user("hi"))
		require.NoError(t, err)
		assert.Equal(t, 2, m.Calls())
	})

	t.Run("exhausted", func(t *testing.T) {
		m := model.NewScriptedModel(
			[]model.Turn{model.ErrorTurn(errors.New("429 rate limited"))},
			func(o *model.ScriptedOptions) { o.RepeatLast = true },
		)
		eng, _ := newTestEngine(t, m, nil, func(o *Options) { o.Config.ModelMaxAttempts = 3 })

		cp, events, err := eng.InvokeSync(context.Background(), "t", user("hi"))
		require.Error(t, err)
		assert.Equal(t, core.KindModel, core.KindOf(err))
		assert.Equal(t, 3, m.Calls())
		assert.True(t, cp.IsInitial(), "nothing committed")

		errs := collect(events, core.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, core.KindModel, errs[0].Error.Kind)
	})

	t.Run("permanent", func(t *testing.T) {
		m := model.NewScriptedModel([]model.Turn{model.ErrorTurn(model.Permanent(errors.New("invalid api key")))})
		eng, _ := newTestEngine(t, m, nil)

		_, _, err := eng.InvokeSync(context.Background(), "t", user("hi"))
		require.Error(t, err)
		assert.Equal(t, core.KindModel, core.KindOf(err))
		assert.Equal(t, 1, m.Calls())
	})
}

func TestConsecutiveToolFailuresEscalate(t *testing.T) {
	m := model.NewScriptedModel(
		[]model.Turn{model.ToolCallTurn(searchCall("c1", "sf"))},
		func(o *model.ScriptedOptions) { o.RepeatLast = true },
	)
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("", errors.New("down"))}, func(o *Options) {
		o.Config.MaxConsecutiveToolFailures = 2
	})

	cp, _, err := eng.InvokeSync(context.Background(), "t", user("weather?"))
	require.Error(t, err)
	assert.Equal(t, core.KindTool, core.KindOf(err))
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, 1, cp.Revision, "the escalating round is not committed")
}

func TestCheckpointFailureIsFatal(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("hello")})
	eng := New(m, nil, func(o *Options) {
		o.Config = testConfig()
		o.Store = failingStore{checkpoint.NewInMemoryStore()}
	})

	_, events, err := eng.InvokeSync(context.Background(), "t", user("hi"))
	require.Error(t, err)
	assert.Equal(t, core.KindCheckpoint, core.KindOf(err))
	assert.Len(t, collect(events, core.EventError), 1)
	assert.Empty(t, collect(events, core.EventValue))
}

type failingStore struct{ *checkpoint.InMemoryStore }

func (failingStore) Put(context.Context, core.Checkpoint) error { return errors.New("disk full") }

func TestSystemPromptIsNotPersisted(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("hello")})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("", nil)}, func(o *Options) {
		o.SystemPrompt = "You are a helpful assistant for {{.ThreadID}}. Tools: {{join \", \" .Tools}}."
	})

	cp, _, err := eng.InvokeSync(context.Background(), "bob", user("hi"))
	require.NoError(t, err)
	assert.Len(t, cp.Messages, 2)

	sent := m.Requests()[0].Messages
	require.Len(t, sent, 2)
	assert.Equal(t, core.SystemMessage{Content: "You are a helpful assistant for bob. Tools: search."}, sent[0])
}

func TestHistoryFilter(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("1"), model.TextTurn("2"), model.TextTurn("3")})
	eng, _ := newTestEngine(t, m, nil, func(o *Options) {
		o.HistoryFilter = LastMessages(3)
	})

	for _, s := range []string{"a", "b", "c"} {
		_, _, err := eng.InvokeSync(context.Background(), "t", user(s))
		require.NoError(t, err)
	}

	sent := m.Requests()[2].Messages
	assert.Equal(t, []core.Message{user("b"), core.AssistantMessage{Content: "2"}, user("c")}, sent)

	cp, err := eng.Checkpoint(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, cp.Messages, 6)
}

func TestCallbacks(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(searchCall("c1", "sf")),
		model.TextTurn("fine"),
	})
	eng, _ := newTestEngine(t, m, []tool.Tool{searchTool("r", nil)})

	var (
		mu    sync.Mutex
		order []CallbackType
	)

	record := func(ct CallbackType) {
		eng.Callbacks().RegisterCallback(NewFunctionCallback(ct, func(_ context.Context, cc *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, cc.CallbackType)
			if ct == CallbackBeforeTool {
				return errors.New("not allowed")
			}
			return nil
		}))
	}

	for _, ct := range []CallbackType{CallbackBeforeModel, CallbackAfterModel, CallbackBeforeTool, CallbackAfterTool, CallbackOnCommit} {
		record(ct)
	}

	cp, _, err := eng.InvokeSync(context.Background(), "t", user("go"))
	require.NoError(t, err)

	res := cp.Messages[2].(core.ToolResultMessage)
	require.True(t, res.IsError())
	assert.Equal(t, tool.CodeRejected, res.Failure.Code)

	assert.Equal(t, []CallbackType{
		CallbackBeforeModel, CallbackAfterModel,
		CallbackBeforeTool, CallbackAfterTool, CallbackOnCommit,
		CallbackBeforeModel, CallbackAfterModel, CallbackOnCommit,
	}, order)
}

func TestBeforeModelCallbackIsFatal(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{model.TextTurn("x")})
	eng, _ := newTestEngine(t, m, nil)

	var onError int32
	eng.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeModel, func(context.Context, *CallbackContext) error {
		return errors.New("blocked")
	}))
	eng.Callbacks().RegisterCallback(NewFunctionCallback(CallbackOnError, func(context.Context, *CallbackContext) error {
		atomic.AddInt32(&onError, 1)
		return nil
	}))

	_, _, err := eng.InvokeSync(context.Background(), "t", user("go"))
	require.Error(t, err)
	assert.Equal(t, core.KindInternal, core.KindOf(err))
	assert.Zero(t, m.Calls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&onError))
}

func TestCallerContextCancel(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{{Hang: true}})
	eng, _ := newTestEngine(t, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	inv, err := eng.Invoke(ctx, "t", user("go"))
	require.NoError(t, err)

	cancel()

	var events []core.StreamEvent
	for ev := range inv.Events() {
		events = append(events, ev)
	}
	assert.Empty(t, collect(events, core.EventError), "cancellation is not an error event")

	_, err = inv.Wait(context.Background())
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	var started int32

	gate := tool.NewFunctionTool("gate", "", nil, func(tc *core.ToolContext, _ map[string]any) (any, error) {
		atomic.AddInt32(&started, 1)
		select {
		case <-release:
		case <-tc.Context().Done():
		}
		return "ok", nil
	})

	m := model.NewScriptedModel([]model.Turn{
		model.ToolCallTurn(core.ToolCall{ID: "c", Name: "gate"}),
		model.TextTurn("done"),
	})

	eng, _ := newTestEngine(t, m, []tool.Tool{gate}, func(o *Options) {
		o.Config.MaxConcurrentInvocations = 1
	})

	a, err := eng.Invoke(context.Background(), "a", user("go"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, time.Millisecond)

	b, err := eng.Invoke(context.Background(), "b", user("go"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatePending, b.State(), "second invocation waits for a slot")

	b.Cancel()
	_, err = b.Wait(context.Background())
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	close(release)
	_, err = a.Wait(context.Background())
	require.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	m := model.NewScriptedModel([]model.Turn{{Hang: true}})
	eng, _ := newTestEngine(t, m, nil)

	inv, err := eng.Invoke(context.Background(), "t", user("go"), func(o *InvokeOptions) { o.Detached = true })
	require.NoError(t, err)
	assert.Len(t, eng.ActiveInvocations(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	<-inv.Done()
	assert.Empty(t, eng.ActiveInvocations())
}

func TestLastMessages(t *testing.T) {
	b := testutil.NewHistoryBuilder().System("sys").User("a").Assistant("1").User("b")
	b.Call("search", `{}`)
	b.Result(b.LastCallID(), "search", "r")
	b.Assistant("2")
	history := b.Build()

	// a window of 2 would start at the tool result; it widens back to "b"
	got := LastMessages(2)(history)
	assert.Equal(t, []core.Message{
		core.SystemMessage{Content: "sys"},
		core.UserMessage{Content: "b"},
		history[4],
		history[5],
		history[6],
	}, got)

	assert.Equal(t, history, LastMessages(0)(history))
	assert.Equal(t, history, LastMessages(100)(history))
}
