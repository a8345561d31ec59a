package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func collect(t *testing.T, seq func(func(*ChatResponse, error) bool)) ([]string, error) {
	t.Helper()
	var chunks []string
	for resp, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, resp.Response)
	}
	return chunks, nil
}

func streamingServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientStreamsFormRequest(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("user_input"); got != "Who was Moses?" {
			t.Errorf("unexpected user_input %q", got)
		}
		w.Header().Set("Content-Type", "text/plain;charset=utf-8")
		flusher := w.(http.Flusher)
		for _, part := range []string{"Moses ", "led ", "Israel."} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
	chunks, err := collect(t, client.Chat(context.Background(), ChatRequest{Message: "Who was Moses?"}))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Moses led Israel." {
		t.Fatalf("unexpected answer %q", got)
	}
}

func TestHTTPClientSendsJSONWithHistory(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserInput      string         `json:"user_input"`
			ContextHistory []HistoryEntry `json:"context_history"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.UserInput != "And then?" || len(body.ContextHistory) != 2 || body.ContextHistory[0].Sender != "user" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = io.WriteString(w, "ok")
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL, RequestEncoding: "json"}, nil)
	req := ChatRequest{
		Message: "And then?",
		History: []HistoryEntry{{Sender: "user", Content: "Who was Moses?"}, {Sender: "ai", Content: "A prophet."}},
	}
	if _, err := collect(t, client.Chat(context.Background(), req)); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
}

func TestHTTPClientReportsBadStatus(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "No user input provided"}`, http.StatusBadRequest)
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
	_, err := collect(t, client.Chat(context.Background(), ChatRequest{Message: "x"}))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHTTPClientDetectsInBandError(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "Error during generation: quota exceeded")
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
	_, err := collect(t, client.Chat(context.Background(), ChatRequest{Message: "x"}))
	if !errors.Is(err, errGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestHTTPClientDetectsErrorAfterPartialText(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
	}{
		{"single write", []string{"Blessed are the meek. Error during generation: quota exceeded"}},
		{"marker split across writes", []string{"Blessed are the meek. Error dur", "ing generation: quota exceeded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := streamingServer(t, func(w http.ResponseWriter, _ *http.Request) {
				flusher := w.(http.Flusher)
				for _, part := range tt.parts {
					_, _ = io.WriteString(w, part)
					flusher.Flush()
				}
			})

			client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
			chunks, err := collect(t, client.Chat(context.Background(), ChatRequest{Message: "x"}))
			if !errors.Is(err, errGeneration) {
				t.Fatalf("expected generation error, got %v", err)
			}
			if !strings.Contains(err.Error(), "quota exceeded") {
				t.Errorf("expected error detail, got %v", err)
			}
			if got := strings.Join(chunks, ""); got != "Blessed are the meek. " {
				t.Errorf("unexpected text before the error %q", got)
			}
		})
	}
}

func TestHTTPClientKeepsMarkerLookalikeText(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{"Every Err", "or is forgiven. E"} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
	chunks, err := collect(t, client.Chat(context.Background(), ChatRequest{Message: "x"}))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Every Error is forgiven. E" {
		t.Fatalf("unexpected answer %q", got)
	}
}

func TestHTTPClientSendsFormHistory(t *testing.T) {
	srv := streamingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		var history []HistoryEntry
		if err := json.Unmarshal([]byte(r.PostForm.Get("context_history")), &history); err != nil {
			t.Errorf("decode context_history: %v", err)
		}
		if len(history) != 2 || history[1].Content != "A prophet." {
			t.Errorf("unexpected history %+v", history)
		}
		_, _ = io.WriteString(w, "ok")
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL, RequestEncoding: "form"}, nil)
	req := ChatRequest{
		Message: "And then?",
		History: []HistoryEntry{{Sender: "user", Content: "Who was Moses?"}, {Sender: "ai", Content: "A prophet."}},
	}
	if _, err := collect(t, client.Chat(context.Background(), req)); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
}

func TestMarkerOverlap(t *testing.T) {
	tests := map[string]int{
		"":                     0,
		"amen":                 0,
		"amen E":               1,
		"amen Error duri":      10,
		"Error during generat": 20,
	}
	for in, want := range tests {
		if got := markerOverlap(in); got != want {
			t.Errorf("markerOverlap(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSplitUTF8HoldsBackPartialRune(t *testing.T) {
	full := []byte("grace •")
	text, rest := splitUTF8(full[:len(full)-1])
	if text != "grace " {
		t.Fatalf("unexpected text %q", text)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 pending bytes, got %d", len(rest))
	}
	text, rest = splitUTF8(append(rest, full[len(full)-1]))
	if text != "•" || len(rest) != 0 {
		t.Fatalf("unexpected completion %q, %v", text, rest)
	}
}

func TestHTTPClientStopGeneration(t *testing.T) {
	var calls atomic.Int32
	srv := streamingServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status": "Generation stopped"}`)
	})

	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL, StopURL: srv.URL + "/stop-generation"}, nil)
	if err := client.StopGeneration(context.Background(), "user-1", "sess-1"); err != nil {
		t.Fatalf("StopGeneration failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one stop call, got %d", calls.Load())
	}

	noStop := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)
	if err := noStop.StopGeneration(context.Background(), "u", "s"); !errors.Is(err, ErrStopUnsupported) {
		t.Fatalf("expected ErrStopUnsupported, got %v", err)
	}
}

func TestHTTPClientStopsReadingWhenCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := streamingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := NewHTTPClient(ClientConfig{EndpointURL: srv.URL}, nil)

	var got []string
	var gotErr error
	for resp, err := range client.Chat(ctx, ChatRequest{Message: "x"}) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, resp.Response)
		cancel()
	}
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("unexpected chunks %v", got)
	}
	if gotErr == nil {
		t.Fatal("expected an error after cancellation")
	}
}
