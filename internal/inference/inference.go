// Package inference talks to an OpenAI-compatible chat completions API.
package inference

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

var ErrUpstream = errors.New("inference upstream failure")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Completion struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

type Completer interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts the conversation. Every transport, status or decoding
// failure wraps ErrUpstream.
func (c *Client) Complete(ctx context.Context, messages []Message) (Completion, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return Completion{}, fmt.Errorf("encode completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, fmt.Errorf("%w: status %d: decode: %v", ErrUpstream, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Completion{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: empty choices", ErrUpstream)
	}
	return Completion{Model: out.Model, Content: out.Choices[0].Message.Content}, nil
}

// Echo answers with the last user message. Used when no API key is
// configured so the rest of the chat flow can run locally.
type Echo struct{}

func (Echo) Complete(_ context.Context, messages []Message) (Completion, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return Completion{Model: "echo", Content: messages[i].Content}, nil
		}
	}
	return Completion{Model: "echo"}, nil
}

// New picks the HTTP client when an API key is present, else Echo.
func New(opts Options) Completer {
	if strings.TrimSpace(opts.APIKey) == "" {
		return Echo{}
	}
	return NewClient(opts)
}
