package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/postlab/postlab/internal/analysis"
)

// defaults mirror the production prompt set. A deployment can override any
// of them via a YAML file (see Load).
const defaultSystem = `You are an expert X (Twitter) engagement analyst with deep knowledge of the current ranking algorithm.

CRITICAL ALGORITHM FACTS YOU MUST USE:
- REPLIES are far more valuable than likes for reach
- Bookmarks and DM shares carry a heavy engagement multiplier
- The first 15-30 minutes of engagement determine viral potential
- Dwell time (how long users stop scrolling) is a core metric
- External links are penalized
- Over-posting triggers diversity penalties
- Controversy and curiosity hooks trigger broader distribution

YOUR TASK: Analyze this post HONESTLY. No sugarcoating. If it's weak, say so.

RULES:
- Single-word posts get LOW scores and critical analysis
- Generic posts ("hi", "gm", "good morning") should score VERY LOW
- Predictions must be REALISTIC, not inflated
- ALL audience_reactions MUST be filled with specific, varied responses
- Suggestions must IMPROVE reply potential specifically

RESPOND WITH VALID JSON ONLY. No markdown, no explanation, just the JSON object.`

const defaultFormat = `{
  "tweet": "original post text",
  "predicted_likes": <10-2000 realistic>,
  "predicted_retweets": <1-200 realistic>,
  "predicted_replies": <0-50 realistic - THIS IS THE MOST IMPORTANT METRIC>,
  "predicted_quotes": <0-20>,
  "predicted_views": <50-50000 realistic based on content quality>,
  "engagement_outlook": "Low" | "Medium" | "High",
  "engagement_justification": "Brutally honest 1-2 sentence assessment naming specific algorithm factors.",
  "analysis": [
    "Hook: Does it stop the scroll in the first 5 words? Be critical.",
    "Reply Potential: Will people WANT to respond? Why/why not?",
    "Dwell: Will users pause or scroll past? What would make them stay?",
    "Share Value: Is this bookmark/retweet worthy? Be honest."
  ],
  "suggestions": [
    {
      "version": "Curiosity",
      "tweet": "REWRITE to create an information gap. Keep the original format.",
      "reason": "WHY this version will get more replies. Max 20 words.",
      "audience_reactions": ["Specific reaction 1", "Specific reaction 2", "Specific reaction 3"]
    },
    {
      "version": "Authority",
      "tweet": "REWRITE with a confident, expert voice. Same format as original.",
      "reason": "WHY this establishes expertise and drives engagement.",
      "audience_reactions": ["Reaction 1", "Reaction 2", "Reaction 3"]
    },
    {
      "version": "Controversy",
      "tweet": "REWRITE to challenge assumptions (NOT toxic). Same format.",
      "reason": "WHY this triggers debate and sharing.",
      "audience_reactions": ["Reaction 1", "Reaction 2", "Reaction 3"]
    }
  ]
}`

const defaultChat = `PostLab AI. Help improve posts. Be concise.

Context:`

// Set holds the prompt templates used to drive the analysis provider.
type Set struct {
	System string `yaml:"system"`
	Format string `yaml:"format"`
	Chat   string `yaml:"chat"`
}

// Defaults returns the built-in prompt set.
func Defaults() Set {
	return Set{System: defaultSystem, Format: defaultFormat, Chat: defaultChat}
}

// Load reads a YAML override file and merges it over the defaults. Empty
// keys in the file keep their default value.
func Load(path string) (Set, error) {
	set := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read prompts file %s: %w", path, err)
	}
	var override Set
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Set{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if strings.TrimSpace(override.System) != "" {
		set.System = override.System
	}
	if strings.TrimSpace(override.Format) != "" {
		set.Format = override.Format
	}
	if strings.TrimSpace(override.Chat) != "" {
		set.Chat = override.Chat
	}
	return set, nil
}

// SystemFor returns the system prompt for a request, appending the audience
// line when the author's profile names a target audience.
func (s Set) SystemFor(ctx *analysis.UserContext) string {
	system := s.System
	if ctx != nil && strings.TrimSpace(ctx.TargetAudience) != "" {
		system += fmt.Sprintf("\n[Audience: %s]", ctx.TargetAudience)
	}
	return system
}

// UserFor builds the user message for an analysis request.
func (s Set) UserFor(text string) string {
	return fmt.Sprintf("Tweet to analyze: %q\n\nOUTPUT FORMAT (JSON only):\n%s", text, s.Format)
}

// ChatSystemFor builds the system prompt for the free-form chat mode.
func (s Set) ChatSystemFor(postContext string) string {
	if strings.TrimSpace(postContext) == "" {
		return s.Chat + " None"
	}
	return fmt.Sprintf("%s %q", s.Chat, postContext)
}
