package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/provider"
)

// Ensure Adapter implements the provider contracts.
var _ provider.Provider = (*Adapter)(nil)
var _ provider.ChatProvider = (*Adapter)(nil)

// Adapter fabricates deterministic, schema-valid analyses without any
// network call. It backs local development and pipeline tests.
type Adapter struct{}

// New creates an Adapter instance.
func New() *Adapter {
	return &Adapter{}
}

func canned(req analysis.Request) analysis.Result {
	outlook := analysis.OutlookMedium
	if len(strings.Fields(req.Text)) < 3 {
		outlook = analysis.OutlookLow
	}
	return analysis.Result{
		Tweet:                   req.Text,
		PredictedLikes:          42,
		PredictedRetweets:       5,
		PredictedReplies:        7,
		PredictedQuotes:         1,
		PredictedViews:          1200,
		EngagementOutlook:       outlook,
		EngagementJustification: "[loopback] deterministic verdict for pipeline testing",
		Analysis: []string{
			"Hook: loopback analysis, no model consulted",
			"Reply Potential: fixed response for testing",
		},
		Suggestions: []analysis.Variant{
			{
				Version:           "Curiosity",
				Tweet:             "[loopback] " + req.Text,
				Reason:            "deterministic rewrite",
				AudienceReactions: []string{"reaction one", "reaction two", "reaction three"},
			},
		},
	}
}

// Analyze returns the canned analysis as raw JSON text.
func (a *Adapter) Analyze(ctx context.Context, req analysis.Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("loopback: empty post text")
	}
	raw, err := json.Marshal(canned(req))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AnalyzeStream delivers the canned analysis in small fragments so callers
// can exercise their streaming path.
func (a *Adapter) AnalyzeStream(ctx context.Context, req analysis.Request) (<-chan provider.Fragment, error) {
	raw, err := a.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	fragments := make(chan provider.Fragment, 4)
	go func() {
		defer close(fragments)
		const chunkSize = 64
		for start := 0; start < len(raw); start += chunkSize {
			end := start + chunkSize
			if end > len(raw) {
				end = len(raw)
			}
			select {
			case fragments <- provider.Fragment{Delta: raw[start:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return fragments, nil
}

// Chat echoes the message back with a loopback marker.
func (a *Adapter) Chat(ctx context.Context, message, postContext string, premium bool) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("loopback: empty chat message")
	}
	return "[loopback] " + strings.TrimSpace(message), nil
}
