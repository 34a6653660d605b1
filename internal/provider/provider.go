package provider

import (
	"context"

	"github.com/postlab/postlab/internal/analysis"
)

// Fragment is one incremental chunk of raw text from a streaming analysis
// call. Fragments are opaque until the stream ends; validation happens on
// the accumulated text only.
type Fragment struct {
	Delta string
	Err   error
}

// Provider produces engagement analyses for drafted posts. Implementations
// must not retry failed calls; a transport error is fatal for the request.
type Provider interface {
	// Analyze blocks until the provider returns the full raw response text.
	Analyze(ctx context.Context, req analysis.Request) (string, error)
	// AnalyzeStream returns a finite, non-restartable sequence of fragments.
	// The channel is closed when the stream ends; a Fragment with Err set
	// terminates it early.
	AnalyzeStream(ctx context.Context, req analysis.Request) (<-chan Fragment, error)
}

// ChatProvider is the optional free-form chat capability.
type ChatProvider interface {
	Chat(ctx context.Context, message, postContext string, premium bool) (string, error)
}
