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
)

const (
	clientTimeout    = 60 * time.Second
	maxErrorBodySize = 1024
)

// ErrNotConfigured 表示缺少 API Key；与网络类错误区分开，便于调用方直接纠正配置
var ErrNotConfigured = errors.New("llm: api key not configured")

// Message 对应 OpenAI 兼容接口的一条对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options 控制单次补全调用的模型参数；零值字段不会出现在请求体里
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client 调用 OpenAI 兼容的 chat completions 接口
type Client struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

func NewClient(endpoint, model, apiKey string) *Client {
	return &Client{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Complete 发起一次补全调用并返回首个 choice 的文本
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if c == nil || c.apiKey == "" {
		return "", ErrNotConfigured
	}
	if c.endpoint == "" {
		return "", fmt.Errorf("llm: endpoint not configured")
	}

	model := opts.Model
	if model == "" {
		model = c.model
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("llm: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm: response has no choices")
	}

	return out.Choices[0].Message.Content, nil
}
