// Package llm implements the text-generation endpoint used by the fallback
// risk classifier.
package llm

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

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Provider selects the wire format spoken to the endpoint.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderNone      Provider = "none"
)

// Defaults per provider.
const (
	DefaultAnthropicEndpoint = "https://api.anthropic.com"
	DefaultAnthropicModel    = "claude-3-5-haiku-latest"
	DefaultOpenAIEndpoint    = "https://api.openai.com"
	DefaultOpenAIModel       = "gpt-4o-mini"

	anthropicVersion = "2023-06-01"
	maxTokens        = 256
	maxErrorBody     = 4096
)

var (
	// ErrEmptyResponse is returned when the endpoint answers with no text.
	ErrEmptyResponse = errors.New("llm returned empty response")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("llm endpoint returned error status")
	// ErrDisabled is returned by New when the provider is "none".
	ErrDisabled = errors.New("llm provider disabled")
)

// Config configures a Client.
type Config struct {
	Provider Provider
	Model    string
	// Endpoint is the base URL; the provider path is appended.
	Endpoint string
	APIKey   string
	// Timeout bounds each HTTP round trip. Zero means 20s.
	Timeout time.Duration
	// RequestsPerMinute throttles outgoing calls. Zero disables throttling.
	RequestsPerMinute int
	HTTPClient        *http.Client
	Logger            *log.Logger
}

// Client calls a hosted model. It implements core.Completer.
type Client struct {
	provider Provider
	model    string
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *log.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	c := &Client{
		provider: cfg.Provider,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
	if c.provider == "" {
		c.provider = ProviderAnthropic
	}

	switch c.provider {
	case ProviderAnthropic:
		if c.endpoint == "" {
			c.endpoint = DefaultAnthropicEndpoint
		}
		if c.model == "" {
			c.model = DefaultAnthropicModel
		}
	case ProviderOpenAI:
		if c.endpoint == "" {
			c.endpoint = DefaultOpenAIEndpoint
		}
		if c.model == "" {
			c.model = DefaultOpenAIModel
		}
	case ProviderNone:
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: api key is required", c.provider)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	if c.logger == nil {
		c.logger = log.Default().WithPrefix("llm")
	}
	return c, nil
}

// Provider returns the configured provider.
func (c *Client) Provider() Provider { return c.provider }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends one system instruction and one user prompt and returns the
// trimmed text of the reply.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	start := time.Now()
	var (
		text string
		err  error
	)
	switch c.provider {
	case ProviderOpenAI:
		text, err = c.completeOpenAI(ctx, system, prompt)
	default:
		text, err = c.completeAnthropic(ctx, system, prompt)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("completion", "provider", c.provider, "model", c.model, "duration", time.Since(start))
	return text, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) completeAnthropic(ctx context.Context, system, prompt string) (string, error) {
	body := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := c.post(ctx, "/v1/messages", headers, body, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) completeOpenAI(ctx context.Context, system, prompt string) (string, error) {
	body := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		MaxTokens: maxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp openAIResponse
	if err := c.post(ctx, "/v1/chat/completions", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %d: %s", ErrStatus, c.provider, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.provider, err)
	}
	return nil
}
