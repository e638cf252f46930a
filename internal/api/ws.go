package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kwall/drover/internal/approval"
	"github.com/kwall/drover/internal/llm"
	"github.com/kwall/drover/internal/router"
	"github.com/kwall/drover/internal/usage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The host UI is the only expected client; same-origin is not
	// enforced here but at the deployment boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the single frame type in both directions. Type
// discriminates which fields are set.
type wsMessage struct {
	Type string `json:"type"`

	// client -> server
	Message  string `json:"message,omitempty"`
	ID       string `json:"id,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// server -> client
	Text       string          `json:"text,omitempty"`
	ToolCall   *llm.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *llm.ToolResult `json:"tool_result,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	// approval_request fields
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
	Risk string         `json:"risk,omitempty"`
}

// wsConn serializes writes and routes approval answers back to the
// tool call blocked on them.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan approval.Response
	closed  bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, pending: make(map[string]chan approval.Response)}
}

func (c *wsConn) send(msg wsMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// ask relays one approval request to the client and blocks until it
// answers or the socket closes. A closed socket is a withdrawal, which
// reads as a denial to the gate.
func (c *wsConn) ask(req approval.Request) approval.Response {
	id := uuid.NewString()
	ch := make(chan approval.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return approval.Response{Approved: false, Reason: "approval withdrawn: connection closed"}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.send(wsMessage{
		Type:   "approval_request",
		ID:     id,
		Tool:   req.Tool,
		Args:   req.Args,
		Risk:   req.Risk.String(),
		Reason: req.Reason,
	})
	if err != nil {
		return approval.Response{Approved: false, Reason: "approval withdrawn: connection closed"}
	}

	return <-ch
}

// answer delivers a client approval response to the blocked tool call.
func (c *wsConn) answer(id string, approved bool, reason string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- approval.Response{Approved: approved, Reason: reason}
	}
}

// close withdraws every pending approval and marks the conn dead.
func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- approval.Response{Approved: false, Reason: "approval withdrawn: connection closed"}
		delete(c.pending, id)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	wc := newWSConn(conn)
	defer wc.close()

	sess := s.getSession(sessionID)
	if !sess.streaming.CompareAndSwap(false, true) {
		s.logger.Warn("rejecting second stream for session", "session", sessionID)
		wc.send(wsMessage{Type: "error", Error: "session already has an active stream"})
		return
	}
	// Released after the deferred SetCallback(nil) below, so a new
	// socket for this session can only claim the gate once this one
	// has let go of it.
	defer sess.streaming.Store(false)

	sess.loop.Gate().SetCallback(wc.ask)
	defer sess.loop.Gate().SetCallback(nil)

	s.logger.Info("stream connected", "session", sessionID)
	wc.send(wsMessage{Type: "session", ID: sessionID})

	var turnWG sync.WaitGroup
	defer turnWG.Wait()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream read failed", "session", sessionID, "error", err)
			}
			// Unblock any tool call waiting on an approval before the
			// turn goroutine is joined.
			wc.close()
			return
		}

		switch msg.Type {
		case "chat":
			if msg.Message == "" {
				wc.send(wsMessage{Type: "error", Error: "message is required"})
				continue
			}
			if s.limits != nil && !s.limits.Allow(sessionID) {
				wc.send(wsMessage{Type: "error", Error: "rate limit exceeded"})
				continue
			}
			if !sess.mu.TryLock() {
				wc.send(wsMessage{Type: "error", Error: "turn already in progress"})
				continue
			}
			turnWG.Add(1)
			go func(input string) {
				defer turnWG.Done()
				defer sess.mu.Unlock()
				s.streamTurn(r.Context(), sess, wc, input)
			}(msg.Message)

		case "approval_response":
			approved := msg.Approved != nil && *msg.Approved
			wc.answer(msg.ID, approved, msg.Reason)

		default:
			wc.send(wsMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

func (s *Server) streamTurn(ctx context.Context, sess *session, wc *wsConn, input string) {
	started := time.Now()
	for chunk := range sess.loop.RunStream(ctx, input) {
		switch chunk.Kind {
		case llm.KindText:
			wc.send(wsMessage{Type: "text", Text: chunk.Text})
		case llm.KindToolCallStart:
			wc.send(wsMessage{Type: "tool_call_start", ToolCall: chunk.ToolCall})
		case llm.KindToolCallDelta:
			wc.send(wsMessage{Type: "tool_call_delta", Text: chunk.Text})
		case llm.KindToolCallEnd:
			wc.send(wsMessage{Type: "tool_call_end", ToolCall: chunk.ToolCall})
		case llm.KindToolResult:
			wc.send(wsMessage{Type: "tool_result", ToolResult: chunk.ToolResult})
		case llm.KindDone:
			s.recordStreamTurn(ctx, sess, chunk.Result, time.Since(started))
			wc.send(wsMessage{Type: "done", Result: chunk.Result})
		case llm.KindError:
			wc.send(wsMessage{Type: "error", Error: chunk.Err.Error()})
		}
	}
}

func (s *Server) recordStreamTurn(ctx context.Context, sess *session, result *llm.GenerationResult, elapsed time.Duration) {
	if s.store == nil || result == nil {
		return
	}
	tier := sess.router.TierOf(result.BackendID)
	rec := usage.Record{
		RequestID:    uuid.NewString(),
		SessionID:    sess.id,
		BackendID:    result.BackendID,
		Tier:         string(tier),
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}
	if tier == router.TierCloud {
		rec.CostUSD = usage.ComputeCost(result.BackendID, result.Usage.TotalTokens, sess.router.CostTable())
	} else {
		rec.SavingsUSD = sess.router.EstimateSavings(result.Usage.TotalTokens)
	}
	if err := s.store.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to persist turn record", "error", err, "elapsed", elapsed)
	}
}
