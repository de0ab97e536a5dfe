package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/stream"
)

// Websocket frame types.
const (
	FrameMessage = "message" // client: start a turn with content
	FrameResume  = "resume"  // client: resume without input
	FrameCancel  = "cancel"  // client: cancel the running turn
	FrameEvent   = "event"   // server: a stream event
	FrameDone    = "done"    // server: the turn finished
	FrameError   = "error"   // server: a command was rejected
)

// Frame is the websocket envelope in both directions.
type Frame struct {
	Type         string            `json:"type"`
	Content      string            `json:"content,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Event        *core.StreamEvent `json:"event,omitempty"`
	Turn         *TurnResponse     `json:"turn,omitempty"`
	Error        *ErrorBody        `json:"error,omitempty"`
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	current *engine.Invocation
}

func (w *wsConn) write(f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))

	return w.conn.WriteJSON(f)
}

func (w *wsConn) ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsConn) setCurrent(inv *engine.Invocation) {
	w.mu.Lock()
	w.current = inv
	w.mu.Unlock()
}

// clearCurrent forgets inv unless a newer turn already replaced it.
func (w *wsConn) clearCurrent(inv *engine.Invocation) {
	w.mu.Lock()
	if w.current == inv {
		w.current = nil
	}
	w.mu.Unlock()
}

func (w *wsConn) cancelCurrent() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return false
	}

	w.current.Cancel()

	return true
}

// HandleWebSocket upgrades the connection and runs turns on the thread for
// every message frame received. Closing the connection cancels the running
// turn.
// GET /v1/threads/:thread_id/ws
func (s *Server) HandleWebSocket(c echo.Context) error {
	threadID := c.Param("thread_id")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("server.ws.upgrade.error", "thread_id", threadID, "error", err)
		return nil
	}

	conn := &wsConn{conn: ws, writeTimeout: s.opts.WriteTimeout}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))

	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
		_ = ws.Close()
	}()

	ws.SetReadLimit(s.opts.MaxMessageSize)

	if s.opts.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(ctx, conn)
	}()

	s.logger.Debug("server.ws.open", "thread_id", threadID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("server.ws.read.error", "thread_id", threadID, "error", err)
			}
			return nil
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = conn.write(Frame{Type: FrameError, Error: &ErrorBody{Kind: core.KindInput, Message: "invalid frame: " + err.Error()}})
			continue
		}

		switch f.Type {
		case FrameMessage:
			s.wsTurn(ctx, &wg, conn, threadID, core.UserMessage{Content: f.Content}, f.Mode)
		case FrameResume:
			s.wsTurn(ctx, &wg, conn, threadID, nil, f.Mode)
		case FrameCancel:
			if !conn.cancelCurrent() {
				_ = conn.write(Frame{Type: FrameError, Error: &ErrorBody{Kind: core.KindInput, Message: "no running turn"}})
			}
		default:
			_ = conn.write(Frame{Type: FrameError, Error: &ErrorBody{Kind: core.KindInput, Message: "unknown frame type: " + f.Type}})
		}
	}
}

// wsTurn starts a turn and forwards its events from a separate goroutine so
// cancel frames are still read while it runs.
func (s *Server) wsTurn(ctx context.Context, wg *sync.WaitGroup, conn *wsConn, threadID string, msg core.Message, mode string) {
	inv, err := s.engine.Invoke(ctx, threadID, msg, func(o *engine.InvokeOptions) {
		o.Mode = stream.ParseMode(mode)
	})
	if err != nil {
		_ = conn.write(Frame{Type: FrameError, Error: errorBody(err)})
		return
	}

	conn.setCurrent(inv)

	wg.Add(1)
	go func() {
		defer wg.Done()

		for ev := range inv.Events() {
			if err := conn.write(Frame{Type: FrameEvent, InvocationID: inv.ID(), Event: &ev}); err != nil {
				inv.Cancel()
			}
		}

		cp, err := inv.Wait(context.Background())
		conn.clearCurrent(inv)

		turn := &TurnResponse{InvocationID: inv.ID(), State: inv.State(), Checkpoint: cp}
		if err != nil {
			turn.Error = errorBody(err)
		}

		_ = conn.write(Frame{Type: FrameDone, InvocationID: inv.ID(), Turn: turn})
	}()
}

func (s *Server) keepalive(ctx context.Context, conn *wsConn) {
	if s.opts.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
