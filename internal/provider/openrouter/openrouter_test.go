package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postlab/postlab/internal/analysis"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestModelTierSelection(t *testing.T) {
	a, err := New(Config{APIKey: "k", PremiumModel: "big-model", LiteModel: "small-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.model(true) != "big-model" {
		t.Fatalf("premium tier should use big-model")
	}
	if a.model(false) != "small-model" {
		t.Fatalf("lite tier should use small-model")
	}
}

func TestAnalyzeSendsPromptAndReturnsContent(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"tweet\":\"x\"}"}}]}`)
	}))
	defer srv.Close()

	a, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := a.Analyze(context.Background(), analysis.Request{Text: "my draft", Premium: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if text != `{"tweet":"x"}` {
		t.Fatalf("unexpected content %q", text)
	}
	if captured.Stream {
		t.Fatalf("whole-response mode must not set stream")
	}
	if captured.Model != "google/gemini-2.5-flash" {
		t.Fatalf("unexpected model %q", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", captured.Messages)
	}
}

func TestAnalyzeIncludesImagePart(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := a.Analyze(context.Background(), analysis.Request{
		Text:  "with image",
		Image: &analysis.ImageData{Base64: "aGVsbG8=", MimeType: "image/png"},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	raw, _ := json.Marshal(captured)
	if !strings.Contains(string(raw), "data:image/png;base64,aGVsbG8=") {
		t.Fatalf("image data url missing from request: %s", raw)
	}
}

func TestAnalyzeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"rate limited"}}`)
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := a.Analyze(context.Background(), analysis.Request{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAnalyzeStreamDeliversDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if !req.Stream {
			t.Errorf("stream mode expected")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range []string{`{"tw`, `eet":`, `"hi"}`} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	ch, err := a.AnalyzeStream(context.Background(), analysis.Request{Text: "x"})
	if err != nil {
		t.Fatalf("AnalyzeStream: %v", err)
	}

	var sb strings.Builder
	for frag := range ch {
		if frag.Err != nil {
			t.Fatalf("fragment error: %v", frag.Err)
		}
		sb.WriteString(frag.Delta)
	}
	if sb.String() != `{"tweet":"hi"}` {
		t.Fatalf("unexpected accumulated text %q", sb.String())
	}
}

func TestAnalyzeStreamUpstreamErrorBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"code":502,"message":"upstream down"}}`)
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	if _, err := a.AnalyzeStream(context.Background(), analysis.Request{Text: "x"}); err == nil {
		t.Fatalf("expected error for upstream failure")
	}
}

func TestAnalyzeStreamCancelClosesChannel(t *testing.T) {
	sent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// more deltas than the fragment buffer holds, so the reader is
		// blocked on a send when the consumer goes away
		for i := 0; i < 30; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"chunk%d \"}}]}\n\n", i)
		}
		flusher.Flush()
		close(sent)
		<-r.Context().Done()
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.AnalyzeStream(ctx, analysis.Request{Text: "x"})
	if err != nil {
		t.Fatalf("AnalyzeStream: %v", err)
	}

	<-sent
	time.Sleep(100 * time.Millisecond)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frag, ok := <-ch:
			if !ok {
				return
			}
			if frag.Err != nil {
				t.Fatalf("unexpected error fragment after cancel: %v", frag.Err)
			}
		case <-deadline:
			t.Fatalf("fragment channel still open after cancel")
		}
	}
}

func TestChatUsesChatPrompt(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"try a question hook"}}]}`)
	}))
	defer srv.Close()

	a, _ := New(Config{APIKey: "k", BaseURL: srv.URL})
	reply, err := a.Chat(context.Background(), "how do I improve this?", "my draft post", false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "try a question hook" {
		t.Fatalf("unexpected reply %q", reply)
	}
	system, _ := captured.Messages[0].Content.(string)
	if !strings.Contains(system, "my draft post") {
		t.Fatalf("chat system prompt missing post context: %q", system)
	}
	if captured.Model != "google/gemini-2.5-flash-lite" {
		t.Fatalf("lite tier expected, got %q", captured.Model)
	}
}
