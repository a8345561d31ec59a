package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// answerSchema is the output shape requested from the structured service.
var answerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"response":   map[string]any{"type": "string"},
		"tone":       map[string]any{"type": "string"},
		"references": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"response"},
}

var errIncompleteAnswer = errors.New("structured stream ended without a complete answer")

type structuredRequest struct {
	Prompt  string         `json:"prompt"`
	History []HistoryEntry `json:"context_history,omitempty"`
	Schema  map[string]any `json:"schema"`
}

type structuredAnswer struct {
	Response   string   `json:"response"`
	Tone       string   `json:"tone,omitempty"`
	References []string `json:"references,omitempty"`
	Done       bool     `json:"done,omitempty"`
}

// StructuredClient asks a structured-generation service for an answer with
// tone and reference metadata. The service replies with one JSON object, or
// with NDJSON partial objects whose response field grows until one marked done.
type StructuredClient struct {
	*HTTPClient
}

// NewStructuredClient creates a client for the service at cfg.EndpointURL.
func NewStructuredClient(cfg ClientConfig, logger *slog.Logger) *StructuredClient {
	return &StructuredClient{HTTPClient: NewHTTPClient(cfg, logger)}
}

// Cumulative reports that every chunk carries the whole answer so far.
func (c *StructuredClient) Cumulative() bool { return true }

// Chat requests a structured answer and yields each partial object.
func (c *StructuredClient) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}

		body, err := json.Marshal(structuredRequest{Prompt: req.Message, History: req.History, Schema: answerSchema})
		if err != nil {
			yield(nil, fmt.Errorf("failed to marshal request: %w", err))
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndpointURL, bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("failed to create request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson, application/json")
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("failed to send request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield(nil, fmt.Errorf("structured endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
			return
		}

		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType == "application/x-ndjson" {
			c.readPartials(resp.Body, yield)
			return
		}

		var answer structuredAnswer
		if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
			yield(nil, fmt.Errorf("failed to decode answer: %w", err))
			return
		}
		answer.Done = true
		yield(answer.toResponse(), nil)
	}
}

func (c *StructuredClient) readPartials(body io.Reader, yield func(*ChatResponse, error) bool) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var partial structuredAnswer
		if err := json.Unmarshal(line, &partial); err != nil {
			c.logger.Debug("skipping malformed structured partial", "error", err)
			continue
		}
		if !yield(partial.toResponse(), nil) {
			return
		}
		if partial.Done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		yield(nil, fmt.Errorf("structured stream error: %w", err))
		return
	}
	yield(nil, errIncompleteAnswer)
}

func (a structuredAnswer) toResponse() *ChatResponse {
	return &ChatResponse{
		Response:   a.Response,
		Tone:       a.Tone,
		References: a.References,
		Done:       a.Done,
	}
}
