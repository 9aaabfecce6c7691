package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// FailureMarker prefixes the legacy string rendering of a failed request.
const FailureMarker = "❌ Error: "

const defaultTimeout = 120 * time.Second

type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat-completion endpoint.
// It is safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey:   opts.APIKey,
		model:    opts.Model,
		http:     hc,
	}
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string { return c.model }

// Request is one page plus its instruction. Build it once; it is not mutated.
type Request struct {
	Image       []byte
	Instruction string
	Model       string
}

// Result carries either the model's text or the reason the request failed.
type Result struct {
	Text string
	Err  *TransportError
}

func (r Result) Failed() bool { return r.Err != nil }

// Output renders the result as text; failures become a marker line so a
// free-form artifact still records what happened to the page.
func (r Result) Output() string {
	if r.Err != nil {
		return FailureMarker + r.Err.Error()
	}
	return r.Text
}

// TransportError covers network, authentication and server-side failures
// of a single request.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// OpenAI-compatible API structures
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

type Content struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ChatResponse struct {
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

type Choice struct {
	Message ResponseMessage `json:"message"`
}

type ResponseMessage struct {
	Content string `json:"content"`
}

type APIError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"` // Can be string or number
}

// Analyze sends one JPEG image and one instruction and returns the reply.
// It makes exactly one attempt; failures come back inside the Result.
func (c *Client) Analyze(ctx context.Context, image []byte, instruction string) Result {
	return c.Do(ctx, Request{Image: image, Instruction: instruction, Model: c.model})
}

func (c *Client) Do(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Instruction) == "" {
		return Result{Err: &TransportError{Message: "instruction is empty"}}
	}
	if len(req.Image) == 0 {
		return Result{Err: &TransportError{Message: "image is empty"}}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	body := ChatRequest{
		Model: model,
		Messages: []Message{
			{
				Role: "user",
				Content: []Content{
					{Type: "text", Text: req.Instruction},
					{Type: "image_url", ImageURL: &ImageURL{URL: DataURI(req.Image)}},
				},
			},
		},
		Stream: false,
	}

	start := time.Now()
	resp, err := c.post(ctx, body)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Err: err}
		}
		log.Printf("llm: request failed after %v: %v", time.Since(start), te)
		return Result{Err: te}
	}
	if len(resp.Choices) == 0 {
		return Result{Err: &TransportError{Message: "no choices in API response"}}
	}

	text := StripFences(resp.Choices[0].Message.Content)
	log.Printf("llm: reply in %v, %d chars", time.Since(start), len(text))
	return Result{Text: text}
}

func (c *Client) post(ctx context.Context, body ChatRequest) (*ChatResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Message: "API request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var parsed ChatResponse
	decodeErr := json.Unmarshal(data, &parsed)

	if resp.StatusCode != http.StatusOK {
		te := &TransportError{StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode)}
		if decodeErr == nil && parsed.Error != nil && te.Message == "" {
			te.Message = parsed.Error.Message
		}
		if te.Message == "" {
			te.Message = fmt.Sprintf("API returned status %d: %s", resp.StatusCode, snippet(data))
		}
		return nil, te
	}
	if decodeErr != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: "failed to decode response", Err: decodeErr}
	}
	if parsed.Error != nil {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API error: %s (type: %s, code: %v)", parsed.Error.Message, parsed.Error.Type, parsed.Error.Code),
		}
	}
	return &parsed, nil
}

func statusMessage(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "authentication failed: check the API token"
	case http.StatusNotFound:
		return "request error: check the API URL or model name"
	default:
		return ""
	}
}

func snippet(data []byte) string {
	const max = 200
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// DataURI embeds a JPEG image as a base64 data URI.
func DataURI(image []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
}

// StripFences removes a surrounding ```json / ``` code fence and trims whitespace.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		lang := strings.TrimSpace(s[:nl])
		if lang == "" || !strings.ContainsAny(lang, " \t{[") {
			s = s[nl+1:]
		}
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
