package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outlook is the qualitative engagement verdict.
type Outlook string

const (
	OutlookLow    Outlook = "Low"
	OutlookMedium Outlook = "Medium"
	OutlookHigh   Outlook = "High"
)

// ImageData is an optional attachment submitted with a post.
type ImageData struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

// UserContext carries the author's profile hints into the prompt.
type UserContext struct {
	Bio            string `json:"bio,omitempty"`
	TargetAudience string `json:"targetAudience,omitempty"`
	AIContext      string `json:"aiContext,omitempty"`
}

// Request is one analysis job. It is immutable once constructed.
type Request struct {
	Text        string
	Image       *ImageData
	UserContext *UserContext
	Premium     bool
}

// Variant is one rewritten version of the post with its rationale.
type Variant struct {
	Version           string   `json:"version"`
	Tweet             string   `json:"tweet"`
	Reason            string   `json:"reason"`
	AudienceReactions []string `json:"audience_reactions"`
}

// Result is a structurally validated engagement analysis.
type Result struct {
	Tweet                   string    `json:"tweet"`
	PredictedLikes          float64   `json:"predicted_likes"`
	PredictedRetweets       float64   `json:"predicted_retweets"`
	PredictedReplies        float64   `json:"predicted_replies"`
	PredictedQuotes         float64   `json:"predicted_quotes"`
	PredictedViews          float64   `json:"predicted_views"`
	EngagementOutlook       Outlook   `json:"engagement_outlook"`
	EngagementJustification string    `json:"engagement_justification"`
	Analysis                []string  `json:"analysis"`
	Suggestions             []Variant `json:"suggestions"`
}

// ParseError reports that provider output did not conform to the analysis
// schema. It is a normal outcome, distinct from a transport failure: callers
// deliver it to the client and must not consume quota for it.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "analysis parse failed: " + e.Reason
}

// rawResult mirrors Result with pointer prediction fields so that a missing
// number is distinguishable from a genuine zero.
type rawResult struct {
	Tweet                   string    `json:"tweet"`
	PredictedLikes          *float64  `json:"predicted_likes"`
	PredictedRetweets       *float64  `json:"predicted_retweets"`
	PredictedReplies        *float64  `json:"predicted_replies"`
	PredictedQuotes         *float64  `json:"predicted_quotes"`
	PredictedViews          *float64  `json:"predicted_views"`
	EngagementOutlook       Outlook   `json:"engagement_outlook"`
	EngagementJustification string    `json:"engagement_justification"`
	Analysis                []string  `json:"analysis"`
	Suggestions             []Variant `json:"suggestions"`
}

func (r rawResult) result() Result {
	return Result{
		Tweet:                   r.Tweet,
		PredictedLikes:          *r.PredictedLikes,
		PredictedRetweets:       *r.PredictedRetweets,
		PredictedReplies:        *r.PredictedReplies,
		PredictedQuotes:         *r.PredictedQuotes,
		PredictedViews:          *r.PredictedViews,
		EngagementOutlook:       r.EngagementOutlook,
		EngagementJustification: r.EngagementJustification,
		Analysis:                r.Analysis,
		Suggestions:             r.Suggestions,
	}
}

// Parse validates raw provider text into a Result. The text may be wrapped
// in a fenced code block. A missing or mistyped required field yields a
// *ParseError, never a default-substituted value.
func Parse(raw string) (Result, error) {
	cleaned := stripFences(strings.TrimSpace(raw))
	if cleaned == "" {
		return Result{}, &ParseError{Reason: "empty response"}
	}

	var res rawResult
	if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
		return Result{}, &ParseError{Reason: err.Error()}
	}
	if err := validate(res); err != nil {
		return Result{}, err
	}
	return res.result(), nil
}

func validate(res rawResult) error {
	if strings.TrimSpace(res.Tweet) == "" {
		return &ParseError{Reason: "missing tweet field"}
	}
	predictions := []struct {
		name  string
		value *float64
	}{
		{"predicted_likes", res.PredictedLikes},
		{"predicted_retweets", res.PredictedRetweets},
		{"predicted_replies", res.PredictedReplies},
		{"predicted_quotes", res.PredictedQuotes},
		{"predicted_views", res.PredictedViews},
	}
	for _, p := range predictions {
		if p.value == nil {
			return &ParseError{Reason: "missing " + p.name + " field"}
		}
	}
	switch res.EngagementOutlook {
	case OutlookLow, OutlookMedium, OutlookHigh:
	default:
		return &ParseError{Reason: fmt.Sprintf("invalid engagement_outlook %q", res.EngagementOutlook)}
	}
	if strings.TrimSpace(res.EngagementJustification) == "" {
		return &ParseError{Reason: "missing engagement_justification field"}
	}
	if len(res.Analysis) == 0 {
		return &ParseError{Reason: "missing analysis entries"}
	}
	if len(res.Suggestions) == 0 {
		return &ParseError{Reason: "missing suggestions"}
	}
	for i, v := range res.Suggestions {
		if strings.TrimSpace(v.Version) == "" || strings.TrimSpace(v.Tweet) == "" {
			return &ParseError{Reason: fmt.Sprintf("suggestion %d incomplete", i)}
		}
		if len(v.AudienceReactions) == 0 {
			return &ParseError{Reason: fmt.Sprintf("suggestion %d has no audience reactions", i)}
		}
	}
	return nil
}

// stripFences removes a single surrounding markdown code fence, with or
// without a language tag.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 && !strings.HasPrefix(text, "{") {
		// drop a language tag such as "json" on the fence line
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
