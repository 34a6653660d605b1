package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/simulate"
)

// maxPostLength is the hard cap on a drafted post, matching the platform's
// own character limit.
const maxPostLength = 280

type simulateRequest struct {
	Tweet         *string `json:"tweet"`
	ImageBase64   string  `json:"imageBase64,omitempty"`
	ImageMimeType string  `json:"imageMimeType,omitempty"`
	AnonymousID   string  `json:"anonymousId,omitempty"`
}

// parseSimulateRequest decodes and validates the shared simulate body.
// The returned error message is safe to surface to the client.
func parseSimulateRequest(r *http.Request) (simulateRequest, error) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	if req.Tweet == nil {
		return req, errors.New("tweet is required and must be a string")
	}
	if strings.TrimSpace(*req.Tweet) == "" {
		return req, errors.New("tweet is required and must be a string")
	}
	if utf8.RuneCountInString(*req.Tweet) > maxPostLength {
		return req, fmt.Errorf("tweet exceeds %d characters", maxPostLength)
	}
	return req, nil
}

func (s *Server) simulateInput(r *http.Request, req simulateRequest) simulate.Input {
	id := s.resolveIdentity(r, req.AnonymousID)
	in := simulate.Input{
		Identity:    id,
		Text:        *req.Tweet,
		UserContext: s.userContext(r.Context(), id),
	}
	if req.ImageBase64 != "" {
		in.Image = &analysis.ImageData{Base64: req.ImageBase64, MimeType: req.ImageMimeType}
	}
	return in
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	req, err := parseSimulateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	out, err := s.orch.Analyze(r.Context(), s.simulateInput(r, req))
	if err != nil {
		var qe *simulate.QuotaError
		if errors.As(err, &qe) {
			s.respondJSON(w, http.StatusTooManyRequests, quotaPayload(qe))
			return
		}
		s.logf("simulate failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to analyze tweet"))
		return
	}

	if out.ParseErr != nil {
		// Malformed provider output is delivered, not retried; no quota was
		// spent on it.
		s.respondJSON(w, http.StatusOK, map[string]any{
			"error":     "Parse failed",
			"_tierInfo": tierPayload(out.Tier),
		})
		return
	}

	body, err := mergeResult(out)
	if err != nil {
		s.logf("simulate response encoding failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to analyze tweet"))
		return
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleSimulateStream(w http.ResponseWriter, r *http.Request) {
	req, err := parseSimulateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	events, err := s.orch.Stream(r.Context(), s.simulateInput(r, req))
	if err != nil {
		var qe *simulate.QuotaError
		if errors.As(err, &qe) {
			s.respondJSON(w, http.StatusTooManyRequests, quotaPayload(qe))
			return
		}
		s.logf("stream setup failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, errors.New("failed to analyze tweet"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch ev.Type {
		case simulate.EventTierInfo:
			s.writeFrame(w, flusher, map[string]any{"_tierInfo": tierPayload(*ev.Tier)})
		case simulate.EventPartial:
			s.writeFrame(w, flusher, map[string]any{"partial": ev.Partial})
		case simulate.EventComplete:
			if ev.ParseErr != nil {
				s.writeFrame(w, flusher, map[string]any{
					"complete": true,
					"analysis": map[string]any{"error": "Parse failed"},
				})
			} else {
				s.writeFrame(w, flusher, map[string]any{
					"complete": true,
					"analysis": ev.Result,
				})
			}
		case simulate.EventUsageUpdate:
			s.writeFrame(w, flusher, map[string]any{"_usage": usagePayload(ev.Usage)})
		case simulate.EventError:
			s.logf("stream aborted: %v", ev.Err)
			// No [DONE] after a fatal error: the consumer must be able to
			// tell an aborted stream from a finished one.
			s.writeFrame(w, flusher, map[string]any{"error": "stream error"})
			return
		case simulate.EventDone:
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logf("stream frame encoding failed: %v", err)
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func tierPayload(tier simulate.TierInfo) map[string]any {
	return map[string]any{
		"isPremiumTier":    tier.IsPremiumTier,
		"premiumRemaining": tier.PremiumRemaining,
	}
}

func usagePayload(u *simulate.UsageUpdate) map[string]any {
	return map[string]any{
		"remaining": u.Remaining,
		"resetAt":   u.ResetAt.UTC().Format(time.RFC3339),
	}
}

func quotaPayload(qe *simulate.QuotaError) map[string]any {
	return map[string]any{
		"error":     "Daily limit reached",
		"remaining": 0,
		"resetAt":   qe.Decision.ResetAt.UTC().Format(time.RFC3339),
	}
}

// mergeResult flattens the analysis fields and attaches the usage and tier
// envelopes the client reads alongside them.
func mergeResult(out *simulate.Outcome) (map[string]any, error) {
	raw, err := json.Marshal(out.Result)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if out.Usage != nil {
		body["_usage"] = usagePayload(out.Usage)
	}
	body["_tierInfo"] = tierPayload(out.Tier)
	return body, nil
}
