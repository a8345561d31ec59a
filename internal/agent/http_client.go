package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// generationErrorPrefix marks an error the AI endpoint reports inside the text stream.
const generationErrorPrefix = "Error during generation:"

var errGeneration = errors.New("generation failed")

// HTTPClient streams answers from the plain-text chat endpoint.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the endpoint in cfg. The underlying
// http.Client has no overall timeout because answers stream for a while;
// cfg.RequestTimeout bounds each answer instead.
func NewHTTPClient(cfg ClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (c *HTTPClient) newChatRequest(ctx context.Context, req ChatRequest) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	if c.cfg.RequestEncoding == "json" {
		payload := req
		if payload.History == nil {
			payload.History = []HistoryEntry{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	} else {
		form := url.Values{"user_input": {req.Message}}
		if len(req.History) > 0 {
			history, err := json.Marshal(req.History)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal history: %w", err)
			}
			form.Set("context_history", string(history))
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndpointURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/plain")
	c.setHeaders(httpReq)
	return httpReq, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// Chat posts the question and yields text as it arrives. Multi-byte
// characters split across reads are held back until complete.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}

		httpReq, err := c.newChatRequest(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("failed to send request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield(nil, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
			return
		}

		buf := make([]byte, 4096)
		var (
			pending []byte
			held    string
		)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				text, rest := splitUTF8(pending)
				pending = rest
				held += text

				if idx := strings.Index(held, generationErrorPrefix); idx >= 0 {
					if idx > 0 && !yield(&ChatResponse{Response: held[:idx]}, nil) {
						return
					}
					detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
					msg := strings.TrimSpace(held[idx+len(generationErrorPrefix):] + string(detail))
					yield(nil, fmt.Errorf("%w: %s", errGeneration, msg))
					return
				}

				// Keep back a tail that could be the start of a marker split across reads.
				cut := len(held) - markerOverlap(held)
				if cut > 0 {
					if !yield(&ChatResponse{Response: held[:cut]}, nil) {
						return
					}
					held = held[cut:]
				}
			}
			if errors.Is(readErr, io.EOF) {
				if tail := held + strings.ToValidUTF8(string(pending), "\uFFFD"); tail != "" {
					yield(&ChatResponse{Response: tail}, nil)
				}
				return
			}
			if readErr != nil {
				yield(nil, fmt.Errorf("chat stream error: %w", readErr))
				return
			}
		}
	}
}

// markerOverlap returns the length of the longest suffix of s that is a
// proper prefix of generationErrorPrefix.
func markerOverlap(s string) int {
	for k := min(len(s), len(generationErrorPrefix)-1); k > 0; k-- {
		if strings.HasSuffix(s, generationErrorPrefix[:k]) {
			return k
		}
	}
	return 0
}

// splitUTF8 returns the longest prefix of b ending on a character boundary
// and the incomplete tail.
func splitUTF8(b []byte) (string, []byte) {
	cut := len(b)
	// A UTF-8 sequence is at most 4 bytes, so only the last 3 can be incomplete.
	for i := len(b) - 1; i >= 0 && i >= len(b)-3; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				cut = i
			}
			break
		}
	}
	text := string(b[:cut])
	rest := append([]byte(nil), b[cut:]...)
	return text, rest
}

// StopGeneration posts to the stop endpoint. The endpoint keeps no per-session
// state, so the ids are sent for logging only.
func (c *HTTPClient) StopGeneration(ctx context.Context, userID, sessionID string) error {
	if c.cfg.StopURL == "" {
		return ErrStopUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	form := url.Values{"user_id": {userID}, "session_id": {sessionID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.StopURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create stop request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send stop request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("stop endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Health sends a preflight request to the chat endpoint; any non-5xx answer counts as reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.cfg.EndpointURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() {
	c.httpClient.CloseIdleConnections()
}
