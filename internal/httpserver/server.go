// Package httpserver exposes the PostLab REST and SSE endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/history"
	"github.com/postlab/postlab/internal/identity"
	"github.com/postlab/postlab/internal/metrics"
	"github.com/postlab/postlab/internal/provider"
	"github.com/postlab/postlab/internal/session"
	"github.com/postlab/postlab/internal/simulate"
	"github.com/postlab/postlab/internal/userstore"
)

// Server wires the simulation orchestrator and its collaborators to HTTP.
type Server struct {
	orch     *simulate.Orchestrator
	chat     provider.ChatProvider
	sessions *session.Verifier
	users    userstore.Store
	history  history.Store
	coll     *metrics.Collector
	logger   *log.Logger
	logLevel string
}

// New creates a Server around the orchestrator. Optional collaborators are
// attached with the Set* methods before Router is called.
func New(orch *simulate.Orchestrator) *Server {
	return &Server{orch: orch}
}

// SetChatProvider enables the free-form chat endpoint.
func (s *Server) SetChatProvider(chat provider.ChatProvider) { s.chat = chat }

// SetSessionVerifier enables authenticated identities. A nil verifier leaves
// every request anonymous.
func (s *Server) SetSessionVerifier(v *session.Verifier) { s.sessions = v }

// SetUserStore wires author profiles into the analysis prompt.
func (s *Server) SetUserStore(store userstore.Store) { s.users = store }

// SetHistoryStore enables the history and stats endpoints.
func (s *Server) SetHistoryStore(store history.Store) { s.history = store }

// SetMetrics wires the in-process collector and the /metrics endpoint.
func (s *Server) SetMetrics(coll *metrics.Collector) { s.coll = coll }

// SetLogger configures logging with level support.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = level
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.coll != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/simulate", s.handleSimulate)
		api.Post("/simulate-stream", s.handleSimulateStream)
		api.Post("/chat", s.handleChat)
		api.Get("/usage", s.handleUsage)
		api.Get("/history", s.handleHistory)
		api.Get("/stats", s.handleStats)
		api.Post("/identity/anonymous", s.handleAnonymousIdentity)
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	return r
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// resolveIdentity picks the quota identity for a request: the verified
// session's user id when present, the client-supplied anonymous id otherwise.
// A bad session token degrades to anonymous rather than failing the call.
func (s *Server) resolveIdentity(r *http.Request, anonymousID string) identity.Identity {
	var userID string
	if s.sessions != nil {
		sess, err := s.sessions.FromRequest(r)
		switch {
		case err == nil:
			userID = sess.UserID
		case errors.Is(err, session.ErrInvalidSession):
			s.debugf("rejecting invalid session token, treating request as anonymous")
		}
	}
	id, ok := identity.Resolve(userID, anonymousID)
	if !ok {
		s.debugf("request carries no identity, quota check will fail open")
	}
	return id
}

// userContext loads profile hints for signed-in authors. Lookup failures are
// logged and degrade to no context.
func (s *Server) userContext(ctx context.Context, id identity.Identity) *analysis.UserContext {
	if s.users == nil || !id.Authenticated() {
		return nil
	}
	u, err := s.users.FindByID(ctx, id.UserID)
	if err != nil {
		s.logf("profile lookup failed for %s: %v", id.UserID, err)
		return nil
	}
	if u == nil {
		return nil
	}
	if u.Bio == "" && u.TargetAudience == "" && u.AIContext == "" {
		return nil
	}
	return &analysis.UserContext{
		Bio:            u.Bio,
		TargetAudience: u.TargetAudience,
		AIContext:      u.AIContext,
	}
}
