package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/postlab/postlab/internal/analysis"
	"github.com/postlab/postlab/internal/prompt"
	"github.com/postlab/postlab/internal/provider"
)

// Ensure Adapter implements the provider contracts.
var _ provider.Provider = (*Adapter)(nil)
var _ provider.ChatProvider = (*Adapter)(nil)

// Adapter calls the OpenRouter chat completions API in whole-response or
// streaming mode.
type Adapter struct {
	apiKey       string
	baseURL      string
	premiumModel string
	liteModel    string
	prompts      prompt.Set
	httpClient   *http.Client
}

// Config holds configuration for the OpenRouter adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://openrouter.ai/api
	PremiumModel   string // optional, defaults to google/gemini-2.5-flash
	LiteModel      string // optional, defaults to google/gemini-2.5-flash-lite
	Prompts        prompt.Set
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	premium := strings.TrimSpace(cfg.PremiumModel)
	if premium == "" {
		premium = "google/gemini-2.5-flash"
	}
	lite := strings.TrimSpace(cfg.LiteModel)
	if lite == "" {
		lite = "google/gemini-2.5-flash-lite"
	}

	prompts := cfg.Prompts
	if prompts.System == "" {
		prompts = prompt.Defaults()
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second // generation plus streaming can be slow
	}

	return &Adapter{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		premiumModel: premium,
		liteModel:    lite,
		prompts:      prompts,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// model returns the concrete model id for a tier choice.
func (a *Adapter) model(premium bool) string {
	if premium {
		return a.premiumModel
	}
	return a.liteModel
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *Adapter) analysisMessages(req analysis.Request) []message {
	var parts []contentPart
	if req.Image != nil {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", req.Image.MimeType, req.Image.Base64),
			},
		})
	}
	parts = append(parts, contentPart{Type: "text", Text: a.prompts.UserFor(req.Text)})

	return []message{
		{Role: "system", Content: a.prompts.SystemFor(req.UserContext)},
		{Role: "user", Content: parts},
	}
}

// Analyze blocks until the provider returns the full raw response text.
func (a *Adapter) Analyze(ctx context.Context, req analysis.Request) (string, error) {
	body := chatRequest{
		Model:    a.model(req.Premium),
		Messages: a.analysisMessages(req),
	}
	resp, err := a.send(ctx, body)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Chat sends a free-form chat message about a drafted post.
func (a *Adapter) Chat(ctx context.Context, msg, postContext string, premium bool) (string, error) {
	body := chatRequest{
		Model: a.model(premium),
		Messages: []message{
			{Role: "system", Content: a.prompts.ChatSystemFor(postContext)},
			{Role: "user", Content: msg},
		},
	}
	resp, err := a.send(ctx, body)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *Adapter) send(ctx context.Context, body chatRequest) (chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return chatResponse{}, fmt.Errorf("openrouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return chatResponse{}, fmt.Errorf("openrouter: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("openrouter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return chatResponse{}, upstreamError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return chatResponse{}, fmt.Errorf("openrouter: decode response: %w", err)
	}
	return parsed, nil
}

// AnalyzeStream opens a streaming completion and forwards content deltas on
// the returned channel. The channel is closed on stream end; a fragment with
// Err set terminates it early.
func (a *Adapter) AnalyzeStream(ctx context.Context, req analysis.Request) (<-chan provider.Fragment, error) {
	body := chatRequest{
		Model:    a.model(req.Premium),
		Messages: a.analysisMessages(req),
		Stream:   true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: send stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(resp.StatusCode, respBody)
	}

	fragments := make(chan provider.Fragment, 10)

	go func() {
		defer close(fragments)
		defer resp.Body.Close()

		reader := io.Reader(resp.Body)
		buffer := make([]byte, 8192)
		leftover := ""

		for {
			select {
			case <-ctx.Done():
				// the consumer is gone; nobody is reading fragments
				return
			default:
			}

			n, err := reader.Read(buffer)
			if n > 0 {
				data := leftover + string(buffer[:n])
				lines := strings.Split(data, "\n")

				// keep the last incomplete line for the next read
				leftover = lines[len(lines)-1]
				lines = lines[:len(lines)-1]

				for _, line := range lines {
					line = strings.TrimSpace(line)
					if !strings.HasPrefix(line, "data: ") {
						continue
					}
					payload := strings.TrimPrefix(line, "data: ")
					if payload == "[DONE]" {
						return
					}
					var chunk chatChunk
					if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
						continue
					}
					if len(chunk.Choices) == 0 {
						continue
					}
					if delta := chunk.Choices[0].Delta.Content; delta != "" {
						select {
						case fragments <- provider.Fragment{Delta: delta}:
						case <-ctx.Done():
							return
						}
					}
				}
			}

			if err != nil {
				if err == io.EOF {
					return
				}
				select {
				case fragments <- provider.Fragment{Err: fmt.Errorf("openrouter: read stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return fragments, nil
}

func upstreamError(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("openrouter: %s (code=%d)", errResp.Error.Message, errResp.Error.Code)
	}
	return fmt.Errorf("openrouter: http %d: %s", status, string(body))
}
