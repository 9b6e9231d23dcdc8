// Package llm provides a client for OpenAI-compatible chat completion APIs.
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

	"advisor-go/internal/config"
	"advisor-go/pkg/log"

	"golang.org/x/time/rate"
)

// Client defines the interface for an LLM client.
// It keeps no conversation state: every call carries its full context.
type Client interface {
	// Complete 同步调用，返回完整回复。
	Complete(ctx context.Context, req Request) (string, error)
	// Stream 以 SSE 模式调用，返回累积文本的快照序列。
	Stream(ctx context.Context, req Request) (TextStream, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
}

// Request 是一次 completion 调用的输入：系统提示、有界历史和新的用户消息。
type Request struct {
	System     string
	History    []Message
	Prompt     string
	Generation *GenerationParams
}

// Messages 按 system, history..., user 的顺序组装消息列表。
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	if r.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.System})
	}
	msgs = append(msgs, r.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: r.Prompt})
	return msgs
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new LLM client. One client should be shared by the
// whole process so that the minimum request spacing applies globally.
func NewClient(cfg config.LLMConfig) Client {
	var limiter *rate.Limiter
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// 流式响应可能持续很久，只限制等待响应头的时间。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	cfg.Timeout = timeout
	return &openAIClient{
		cfg:     cfg,
		client:  &http.Client{Transport: transport},
		limiter: limiter,
	}
}

// Complete calls the chat completions endpoint in synchronous mode.
func (c *openAIClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Err: fmt.Errorf("failed to read chat response: %w", err)}
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Kind: KindMalformed, Err: fmt.Errorf("failed to decode chat response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: KindMalformed, Err: errors.New("chat response has no choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream calls the chat completions endpoint in incremental mode.
// The returned stream must be closed by the caller. If no line arrives
// within cfg.Timeout the request is cancelled and the stream fails with
// KindNetwork.
func (c *openAIClient) Stream(ctx context.Context, req Request) (TextStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return newEventStream(resp.Body, cancel, c.cfg.Timeout), nil
}

// do 发送请求前先等待最小间隔，返回 2xx 响应；其它情况返回分类后的错误。
func (c *openAIClient) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: req.Messages(),
		Stream:   stream,
	}
	if req.Generation != nil {
		reqBody.Temperature = req.Generation.Temperature
		reqBody.MaxTokens = req.Generation.MaxTokens
	} else {
		if c.cfg.Generation.Temperature != 0 {
			t := c.cfg.Generation.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.Generation.MaxTokens != 0 {
			m := c.cfg.Generation.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("failed to call chat api: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		kind := statusKind(resp.StatusCode)
		log.Warnw("chat api returned non-2xx status", "status", resp.StatusCode, "kind", kind)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("chat api returned %s: %s", resp.Status, string(bodyBytes))}
	}
	return resp, nil
}
