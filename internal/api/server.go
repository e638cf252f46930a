// Package api exposes the agent over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwall/drover/internal/agent"
	"github.com/kwall/drover/internal/buildinfo"
	"github.com/kwall/drover/internal/connwatch"
	"github.com/kwall/drover/internal/ratelimit"
	"github.com/kwall/drover/internal/router"
	"github.com/kwall/drover/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// SessionFactory builds the per-session loop and its router. Sessions
// do not share fallback state; only the backend clients underneath are
// process-wide.
type SessionFactory func(sessionID string) (*agent.Loop, *router.TieredRouter)

// Server is the HTTP host surface.
type Server struct {
	addr    string
	factory SessionFactory
	store   *usage.Store
	limits  *ratelimit.Registry
	logger  *slog.Logger
	server  *http.Server
	health  func() map[string]connwatch.ServiceStatus

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	loop      *agent.Loop
	router    *router.TieredRouter
	mu        sync.Mutex  // one turn at a time per session
	streaming atomic.Bool // at most one websocket per session
	lastSeen  time.Time   // guarded by Server.mu
}

// Sessions idle past the TTL are dropped along with their history and
// rate limiter. A client reusing the ID afterwards gets a fresh session.
const (
	sessionTTL           = 30 * time.Minute
	sessionSweepInterval = time.Minute
)

// NewServer creates the API server. store may be nil to disable
// persistence; limits may be nil to disable rate limiting.
func NewServer(addr string, factory SessionFactory, store *usage.Store, limits *ratelimit.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		factory:  factory,
		store:    store,
		limits:   limits,
		logger:   logger.With("component", "api"),
		sessions: make(map[string]*session),
	}
}

// SetHealth registers a service-status source included in healthz
// responses. Call before Start.
func (s *Server) SetHealth(fn func() map[string]connwatch.ServiceStatus) {
	s.health = fn
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.withLogging(s.Handler()),
		ReadTimeout: 30 * time.Second,
		// No write timeout: streams stay open for the turn's duration.
	}

	go s.janitor(ctx)

	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the routed handler without starting a listener.
// Used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// getSession returns the session, creating it on first use.
func (s *Server) getSession(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		loop, rt := s.factory(id)
		sess = &session{id: id, loop: loop, router: rt}
		s.sessions[id] = sess
		s.logger.Info("session created", "session", id)
	}
	sess.lastSeen = time.Now()
	return sess
}

// janitor evicts idle sessions until ctx is cancelled.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(time.Now().Add(-sessionTTL))
		}
	}
}

// evictIdle drops every session whose last request predates cutoff,
// releasing its history and rate limiter. Sessions mid-turn or holding
// an open websocket are left alone.
func (s *Server) evictIdle(cutoff time.Time) int {
	s.mu.Lock()
	var evicted []string
	for id, sess := range s.sessions {
		if !sess.lastSeen.Before(cutoff) || sess.streaming.Load() {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		sess.mu.Unlock()
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	for _, id := range evicted {
		if s.limits != nil {
			s.limits.Forget(id)
		}
		s.logger.Info("idle session evicted", "session", id)
	}
	return len(evicted)
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID    string  `json:"session_id"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason"`
	BackendID    string  `json:"backend_id"`
	Tier         string  `json:"tier"`
	Iterations   int     `json:"iterations"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	ElapsedMs    int64   `json:"elapsed_ms"`
	SavingsUSD   float64 `json:"estimated_savings_usd"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required", s.logger)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	if s.limits != nil && !s.limits.Allow(req.SessionID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
		return
	}

	sess := s.getSession(req.SessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	turn, err := sess.loop.Run(r.Context(), req.Message)
	if err != nil {
		s.logger.Error("turn failed", "session", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error(), s.logger)
		return
	}

	s.recordTurn(r.Context(), sess, turn)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse{
		SessionID:    req.SessionID,
		Content:      turn.Content,
		FinishReason: string(turn.FinishReason),
		BackendID:    turn.BackendID,
		Tier:         string(turn.Tier),
		Iterations:   turn.Iterations,
		InputTokens:  turn.Usage.InputTokens,
		OutputTokens: turn.Usage.OutputTokens,
		ElapsedMs:    turn.Elapsed.Milliseconds(),
		SavingsUSD:   sess.router.Stats().EstimatedSavings,
	}, s.logger)
}

func (s *Server) recordTurn(ctx context.Context, sess *session, turn *agent.TurnResult) {
	if s.store == nil {
		return
	}
	rec := usage.Record{
		RequestID:    uuid.NewString(),
		SessionID:    sess.id,
		BackendID:    turn.BackendID,
		Tier:         string(turn.Tier),
		InputTokens:  turn.Usage.InputTokens,
		OutputTokens: turn.Usage.OutputTokens,
	}
	if turn.Tier == router.TierCloud {
		rec.CostUSD = usage.ComputeCost(turn.BackendID, turn.Usage.TotalTokens, sess.router.CostTable())
	} else {
		rec.SavingsUSD = sess.router.EstimateSavings(turn.Usage.TotalTokens)
	}
	if err := s.store.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to persist turn record", "error", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"build":  buildinfo.Info(),
		"uptime": buildinfo.Uptime().String(),
	}

	s.mu.Lock()
	routing := router.Stats{}
	for _, sess := range s.sessions {
		st := sess.router.Stats()
		routing.TotalTurns += st.TotalTurns
		routing.LocalTurns += st.LocalTurns
		routing.CloudTurns += st.CloudTurns
		routing.EstimatedSavings += st.EstimatedSavings
	}
	out["sessions"] = len(s.sessions)
	s.mu.Unlock()
	out["routing"] = routing

	if s.store != nil {
		now := time.Now()
		if sum, err := s.store.Summary(now.Add(-24*time.Hour), now.Add(time.Minute)); err == nil {
			out["last_24h"] = sum
		}
		if byTier, err := s.store.SummaryByTier(now.Add(-24*time.Hour), now.Add(time.Minute)); err == nil {
			out["last_24h_by_tier"] = byTier
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
	}
	if s.health != nil {
		services := s.health()
		out["services"] = services
		for _, st := range services {
			if !st.Ready {
				out["status"] = "degraded"
				break
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}
