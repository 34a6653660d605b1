package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/postlab/postlab/internal/history"
	"github.com/postlab/postlab/internal/identity"
	"github.com/postlab/postlab/internal/metrics"
	"github.com/postlab/postlab/internal/usage"
	"github.com/postlab/postlab/internal/version"
)

type chatRequest struct {
	Message     string `json:"message"`
	PostContext string `json:"postContext,omitempty"`
	AnonymousID string `json:"anonymousId,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("chat is not configured"))
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	// Chat rides the same tier as analyses but never consumes quota.
	id := s.resolveIdentity(r, req.AnonymousID)
	dec := s.orch.Check(r.Context(), id)

	reply, err := s.chat.Chat(r.Context(), req.Message, req.PostContext, dec.IsPremiumTier)
	if err != nil {
		s.logf("chat failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("chat failed"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"response": reply})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := s.resolveIdentity(r, r.URL.Query().Get("anonymousId"))
	dec := s.orch.Check(r.Context(), id)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"used":             usage.DailyLimit - dec.Remaining,
		"remaining":        dec.Remaining,
		"limit":            usage.DailyLimit,
		"resetAt":          dec.ResetAt.UTC().Format(time.RFC3339),
		"isPremiumTier":    dec.IsPremiumTier,
		"premiumRemaining": dec.PremiumRemaining,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("history is not configured"))
		return
	}
	id := s.resolveIdentity(r, "")
	if !id.Authenticated() {
		s.respondError(w, http.StatusUnauthorized, errors.New("sign in to view history"))
		return
	}
	entries, err := s.history.ListRecent(r.Context(), id.UserID, 20)
	if err != nil {
		s.logf("history lookup failed for %s: %v", id.UserID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to load history"))
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("stats are not configured"))
		return
	}
	total, err := s.history.StatValue(r.Context(), history.StatTotalSimulations)
	if err != nil {
		s.logf("stats lookup failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to load stats"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"totalSimulations": total})
}

func (s *Server) handleAnonymousIdentity(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"anonymousId": identity.NewAnonymousID()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.coll == nil {
		http.Error(w, "metrics are not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.coll.GetSnapshot())))
}

// metricsMiddleware records request counts, durations and error totals for
// every route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		s.coll.RecordRequestStart(endpoint)
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.coll.RecordRequestEnd(endpoint)
		s.coll.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= http.StatusInternalServerError {
			s.coll.RecordError(endpoint)
		}
	})
}
