package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kwv/sketchmesh/mesh"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// OllamaChat calls Ollama's /api/chat with a single user message
type OllamaChat struct {
	Host        string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// NewOllamaChat creates a chat generator for host (e.g. http://localhost:11434)
func NewOllamaChat(host, model string, temperature float64, timeout time.Duration) *OllamaChat {
	return &OllamaChat{Host: host, Model: model, Temperature: temperature, Timeout: timeout}
}

func (o *OllamaChat) Generate(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model:    o.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Options:  map[string]any{"temperature": o.Temperature},
		Stream:   false,
	}

	var resp chatResponse
	if err := mesh.PostJSON(ctx, endpoint(o.Host, "/api/chat"), req, &resp, ollamaOptions(o.Timeout)...); err != nil {
		return "", wrapCallError(err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %s", resp.Error)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Message.Content, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// OllamaGenerate calls Ollama's /api/generate, used by the revise channel
type OllamaGenerate struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// NewOllamaGenerate creates a completion generator
func NewOllamaGenerate(host, model string, timeout time.Duration) *OllamaGenerate {
	return &OllamaGenerate{Host: host, Model: model, Timeout: timeout}
}

func (o *OllamaGenerate) Generate(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{Model: o.Model, Prompt: prompt, Stream: false}

	var resp generateResponse
	if err := mesh.PostJSON(ctx, endpoint(o.Host, "/api/generate"), req, &resp, ollamaOptions(o.Timeout)...); err != nil {
		return "", wrapCallError(err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %s", resp.Error)
	}
	return resp.Response, nil
}

// ollamaOptions issues a single attempt; retrying is the synthesis loop's job
func ollamaOptions(timeout time.Duration) []mesh.RequestOption {
	opts := []mesh.RequestOption{mesh.WithMaxRetries(1)}
	if timeout > 0 {
		opts = append(opts, mesh.WithTimeout(timeout))
	}
	return opts
}

func endpoint(host, path string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = mesh.DefaultGeneratorHost
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return host + path
}

func wrapCallError(err error) error {
	if errors.Is(err, mesh.ErrTransport) {
		return &TransportError{Err: err}
	}
	return err
}
