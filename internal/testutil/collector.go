package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// Collector accumulates stream events for later assertions. It is safe for
// concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []core.StreamEvent
}

// Collect drains ch until it is closed or ctx is done.
func Collect(ctx context.Context, ch <-chan core.StreamEvent) *Collector {
	c := &Collector{}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return c
			}
			c.Add(ev)
		case <-ctx.Done():
			return c
		}
	}
}

// Add records ev.
func (c *Collector) Add(ev core.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// All returns every recorded event in arrival order.
func (c *Collector) All() []core.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.StreamEvent(nil), c.events...)
}

// Kind returns the recorded events of one kind.
func (c *Collector) Kind(kind core.EventKind) []core.StreamEvent {
	var out []core.StreamEvent
	for _, ev := range c.All() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Values returns the Value events.
func (c *Collector) Values() []core.StreamEvent { return c.Kind(core.EventValue) }

// Tokens returns the Token events.
func (c *Collector) Tokens() []core.StreamEvent { return c.Kind(core.EventToken) }

// Errors returns the Error events.
func (c *Collector) Errors() []core.StreamEvent { return c.Kind(core.EventError) }

// Text concatenates the fragments of all token events of the given origin.
func (c *Collector) Text(origin core.Origin) string {
	var sb strings.Builder
	for _, ev := range c.Tokens() {
		if ev.IsToken(origin) {
			sb.WriteString(ev.Token.Fragment)
		}
	}
	return sb.String()
}
