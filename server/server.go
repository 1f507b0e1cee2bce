// Package server exposes the relay over HTTP: a WebSocket endpoint for voice
// sessions plus health and lifecycle plumbing for graceful shutdown.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	relay "github.com/bt-bridge/meeting-relay"
	"github.com/bt-bridge/meeting-relay/auth"
	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Server struct {
	logger   shared.LoggerAdapter
	gate     *auth.Gate
	orch     *relay.Orchestrator
	upgrader websocket.Upgrader

	mu       sync.Mutex
	live     int
	draining bool
	drained  chan struct{}
}

func New(logger shared.LoggerAdapter, gate *auth.Gate, orch *relay.Orchestrator) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Server{
		logger: logger,
		gate:   gate,
		orch:   orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		drained: make(chan struct{}),
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/voice", s.handleVoice)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	s.live++
	s.mu.Unlock()
	defer s.release()

	identity := s.gate.ResolveIdentity(r.Context(), bearerToken(r))
	meetingID := r.URL.Query().Get("meeting_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if err := s.orch.HandleConnection(r.Context(), relay.NewClientConn(conn), identity, meetingID); err != nil {
		s.logger.Warn("relay session ended with error", zap.Error(err))
	}
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
	if s.draining && s.live == 0 {
		close(s.drained)
	}
}

// LiveSessions reports the number of voice sessions currently running.
func (s *Server) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// SetDraining stops accepting new sessions. Existing sessions keep running.
func (s *Server) SetDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return
	}
	s.draining = true
	if s.live == 0 {
		close(s.drained)
	}
}

// WaitLiveSessions blocks until every live session has finished or the
// context expires. Call SetDraining first.
func (s *Server) WaitLiveSessions(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bearerToken pulls the credential from the Authorization header, falling
// back to the token query parameter for browser WebSocket clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
