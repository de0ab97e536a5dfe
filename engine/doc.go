// Package engine implements the agent controller: a checkpointed
// decide, act and observe loop over a model and a closed set of tools.
//
// # Lifecycle
//
// Invoke appends the caller's message to the thread history and runs the
// state machine
//
//	AWAITING_INPUT -> MODEL_CALL -> (TOOL_EXECUTION -> MODEL_CALL)* -> DONE
//
// with ERROR reachable from every state. Each completed tool round and each
// final answer is committed through the checkpoint manager before the
// corresponding Value event is published. Nothing of a step is persisted
// before it completes, so a failed or cancelled invocation leaves the last
// committed checkpoint untouched and the thread resumable.
//
// # Concurrency
//
// One invocation runs per thread at a time; a second Invoke on a busy thread
// fails fast with thread_busy. Invocations across threads run concurrently up
// to Config.MaxConcurrentInvocations, and the tool calls of one decision run
// concurrently up to Config.MaxParallelTools.
//
// # Failures
//
// Tool failures (including timeouts, panics, schema violations and unknown
// tools) become tool results with an error payload and are shown to the
// model. The same failing call repeated for Config.MaxConsecutiveToolFailures
// rounds escalates to tool_error. Model failures are retried with exponential
// backoff up to Config.ModelMaxAttempts. Exceeding Config.MaxSteps model
// rounds ends the invocation with loop_limit_exceeded.
//
// Example:
//
//	eng := engine.New(m, tool.MustRegistry(search), func(o *engine.Options) {
//		o.SystemPrompt = "You are a helpful assistant."
//	})
//
//	inv, err := eng.Invoke(ctx, "bob", core.UserMessage{Content: "hi"})
//	if err != nil {
//		return err
//	}
//	for ev := range inv.Events() {
//		if ev.IsToken(core.OriginModel) {
//			fmt.Print(ev.Token.Fragment)
//		}
//	}
//	cp, err := inv.Wait(ctx)
package engine
