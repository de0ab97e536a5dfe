package engine

import "github.com/hupe1980/agentloop/core"

// LastMessages returns a HistoryFilter that keeps roughly the last n messages.
// The window is widened backwards until it starts at a user message so no
// tool result is separated from the call that produced it.
func LastMessages(n int) HistoryFilter {
	return func(history []core.Message) []core.Message {
		if n <= 0 || len(history) <= n {
			return history
		}

		start := len(history) - n
		for start > 0 {
			if _, ok := history[start].(core.UserMessage); ok {
				break
			}
			start--
		}

		// leading system messages stay pinned
		var pinned []core.Message
		for _, m := range history[:start] {
			if _, ok := m.(core.SystemMessage); ok {
				pinned = append(pinned, m)
			}
		}

		return append(pinned, history[start:]...)
	}
}
