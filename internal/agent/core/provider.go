package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/helpers"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewLLMProvider builds a completion provider from configuration. The
// "openai" entry wins when present; otherwise the first provider (by name)
// with a supported type is used.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if p, ok := cfg.Providers["openai"]; ok {
		return newOpenAIProvider(p)
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Providers[name]
		switch p.Type {
		case "openai", "openai-compatible":
			return newOpenAIProvider(p)
		}
	}
	return nil, fmt.Errorf("no supported LLM provider configured")
}

// OpenAIProvider speaks the chat-completions HTTP API. It also serves any
// endpoint that is wire-compatible with it when base_url is overridden.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	maxRetries int
	models     map[string]config.LLMModel
	client     *http.Client
	logger     *log.Logger
}

func newOpenAIProvider(cfg config.LLMProvider) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider: api key not configured")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxRetries: retries,
		models:     cfg.Models,
		client:     &http.Client{Timeout: timeout},
		logger:     log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate returns the completion text, discarding token accounting.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	text, _, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return text, err
}

// GenerateWithTokens returns the completion text plus prompt/output token
// counts and the estimated cost of the call.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, float64, error) {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return "", 0, 0, 0, err
	}

	req := chatRequest{
		Model:       info.APIName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: info.Temperature,
		MaxTokens:   info.MaxTokens,
	}
	if temp, ok := optionFloat(options, "temperature"); ok {
		req.Temperature = temp
	}
	if maxTokens, ok := optionInt(options, "max_tokens"); ok {
		req.MaxTokens = maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("marshaling chat request: %w", err)
	}

	var resp chatResponse
	if err := p.post(ctx, "/chat/completions", body, &resp); err != nil {
		return "", 0, 0, 0, err
	}
	if resp.Error != nil {
		return "", 0, 0, 0, fmt.Errorf("chat completion failed: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, 0, fmt.Errorf("chat completion returned no choices")
	}

	text := resp.Choices[0].Message.Content
	inTokens := resp.Usage.PromptTokens
	outTokens := resp.Usage.CompletionTokens
	cost, err := p.CalculateCost(inTokens, outTokens, model)
	if err != nil {
		cost = 0
	}
	return text, inTokens, outTokens, cost, nil
}

// post sends one JSON request, retrying transient failures.
func (p *OpenAIProvider) post(ctx context.Context, path string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Printf("retrying %s (attempt %d/%d): %v", path, attempt, p.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := helpers.ReadAllAndClose(httpResp.Body)
		if err != nil {
			lastErr = fmt.Errorf("reading response: %w", err)
			continue
		}
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			lastErr = fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, truncateForLog(respBody))
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, truncateForLog(respBody))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("provider request failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

// GetModelInfo resolves a configured model by name.
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	for _, m := range p.models {
		if m.Name == model {
			apiName := m.APIName
			if apiName == "" {
				apiName = m.Name
			}
			return ModelInfo{
				Name:            m.Name,
				APIName:         apiName,
				MaxTokens:       m.MaxTokens,
				Temperature:     m.Temperature,
				CostPer1K:       m.CostPer1K,
				CostPer1KOutput: m.CostPer1KOutput,
			}, nil
		}
	}
	return ModelInfo{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// CalculateCost estimates the dollar cost of a call from per-1K pricing.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) (float64, error) {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0, err
	}
	cost := float64(inputTokens)/1000*info.CostPer1K + float64(outputTokens)/1000*info.CostPer1KOutput
	return cost, nil
}

func optionFloat(options map[string]interface{}, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optionInt(options map[string]interface{}, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	switch v := options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func truncateForLog(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// extractFirstJSON returns the first balanced JSON object in s, tolerating
// markdown code fences and leading prose around it.
func extractFirstJSON(s string) (string, bool) {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			if obj, ok := scanBalancedObject(rest[:j]); ok {
				return obj, true
			}
		}
	}
	return scanBalancedObject(s)
}

func scanBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
