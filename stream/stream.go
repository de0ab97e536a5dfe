// Package stream fans out the events of one invocation to any number of
// subscribers.
//
// Each subscriber selects a Mode. Value events reach ModeValues subscribers,
// model-origin Token events reach ModeTokens subscribers, and Error events
// reach everybody. Tool-origin tokens are never forwarded. When the last
// attached subscriber cancels, the multiplexer aborts the producing step
// through the cancel function it was created with.
package stream

import (
	"context"
	"sync"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// Mode selects which event kinds a subscriber receives.
type Mode uint8

const (
	// ModeValues delivers one full snapshot per committed step.
	ModeValues Mode = 1 << iota
	// ModeTokens delivers model text fragments as they arrive.
	ModeTokens
	// ModeBoth delivers values and tokens.
	ModeBoth = ModeValues | ModeTokens
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeValues:
		return "values"
	case ModeTokens:
		return "tokens"
	case ModeBoth:
		return "both"
	default:
		return "none"
	}
}

// ParseMode maps "values", "tokens" or "both" to a Mode; anything else is ModeBoth.
func ParseMode(s string) Mode {
	switch s {
	case "values":
		return ModeValues
	case "tokens", "messages":
		return ModeTokens
	default:
		return ModeBoth
	}
}

// Accepts reports whether a subscriber in mode m receives ev.
func (m Mode) Accepts(ev core.StreamEvent) bool {
	switch ev.Kind {
	case core.EventError:
		return true
	case core.EventValue:
		return m&ModeValues != 0
	case core.EventToken:
		return m&ModeTokens != 0 && ev.IsToken(core.OriginModel)
	default:
		return false
	}
}

// Options configure a Multiplexer.
type Options struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
	Logger     logging.Logger
}

// Multiplexer distributes the events of one invocation to subscribers. All
// methods are safe for concurrent use; events published from one goroutine
// are delivered in publish order.
type Multiplexer struct {
	ctx    context.Context
	abort  context.CancelCauseFunc
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New creates a multiplexer bound to the producer's context. abort is called
// with core.ErrConsumerCancelled when the last subscriber cancels.
func New(ctx context.Context, abort context.CancelCauseFunc, optFns ...func(o *Options)) *Multiplexer {
	opts := Options{
		BufferSize: 64,
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}

	return &Multiplexer{
		ctx:    ctx,
		abort:  abort,
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe attaches a new subscriber. Subscribing to a closed multiplexer
// returns a subscription whose channel is already closed.
func (m *Multiplexer) Subscribe(mode Mode) *Subscription {
	s := &Subscription{
		mode: mode,
		ch:   make(chan core.StreamEvent, m.opts.BufferSize),
		done: make(chan struct{}),
		mux:  m,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		s.closed = true
		close(s.ch)
		return s
	}

	m.nextID++
	s.id = m.nextID
	m.subs[s.id] = s

	return s
}

// Len returns the number of attached subscribers.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Publish routes ev to every subscriber whose mode accepts it. A slow
// subscriber blocks the producer until it reads, cancels or the producer's
// context ends.
func (m *Multiplexer) Publish(ev core.StreamEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	targets := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.mode.Accepts(ev) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		s.deliver(m.ctx, ev)
	}
}

// Close detaches all subscribers and closes their channels. It does not
// abort the producer.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*Subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.shutdown(false)
	}
}

func (m *Multiplexer) detach(s *Subscription) {
	m.mu.Lock()
	_, attached := m.subs[s.id]
	delete(m.subs, s.id)
	last := attached && len(m.subs) == 0 && !m.closed
	m.mu.Unlock()

	if last && m.abort != nil {
		m.logger.Info("stream.consumers.detached", "action", "abort")
		m.abort(core.ErrConsumerCancelled)
	}
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	id   uint64
	mode Mode
	ch   chan core.StreamEvent
	done chan struct{}
	mux  *Multiplexer

	sendMu sync.Mutex
	closed bool

	cancelOnce sync.Once
}

// Events returns the channel of delivered events. It is closed after Cancel
// or when the producer finishes.
func (s *Subscription) Events() <-chan core.StreamEvent { return s.ch }

// Mode returns the subscription mode.
func (s *Subscription) Mode() Mode { return s.mode }

// Cancel detaches the subscriber. No further events are delivered. If it was
// the last attached subscriber the in-flight step is aborted.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.mux.detach(s)
		s.shutdown(true)
	})
}

func (s *Subscription) deliver(ctx context.Context, ev core.StreamEvent) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	case <-s.done:
	case <-ctx.Done():
		// a terminal error event must still reach buffered consumers
		if ev.Kind == core.EventError {
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// shutdown closes the channel. With discard set, events still buffered are
// dropped so a cancelled consumer sees nothing after Cancel.
func (s *Subscription) shutdown(discard bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	if discard {
		for drained := false; !drained; {
			select {
			case <-s.ch:
			default:
				drained = true
			}
		}
	}

	close(s.ch)
}
