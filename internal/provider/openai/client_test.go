package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	sentinel "github.com/eugener/sentinel/internal"
)

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content-type = %q", got)
		}
		json.NewEncoder(w).Encode(sentinel.ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []sentinel.Choice{{
				Message:      sentinel.Message{Role: "assistant", Content: "hi"},
				FinishReason: "stop",
			}},
			Usage: &sentinel.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		})
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	resp, err := c.ChatCompletion(context.Background(), &sentinel.ChatRequest{
		Model:    "gpt-4o",
		Messages: []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" || resp.Usage.TotalTokens != 6 {
		t.Errorf("response = %+v", resp)
	}
}

func TestChatCompletionStream_InjectsUsageOption(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Error("stream must be forced true")
		}
		if !gjson.GetBytes(body, "stream_options.include_usage").Bool() {
			t.Error("include_usage must be injected")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":1,\"total_tokens\":3}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	ch, err := c.ChatCompletionStream(context.Background(), &sentinel.ChatRequest{
		Model:    "gpt-4o",
		Messages: []sentinel.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var content string
	var usage *sentinel.Usage
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		done = done || chunk.Done
	}
	if content != "ok" || !done {
		t.Errorf("content = %q done = %v", content, done)
	}
	if usage == nil || usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestChatCompletionStream_PreservesCallerStreamOptions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream_options.include_usage").Bool() {
			t.Error("caller's explicit stream_options must not be overwritten")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	ch, err := c.ChatCompletionStream(context.Background(), &sentinel.ChatRequest{
		Model:         "gpt-4o",
		Messages:      []sentinel.Message{{Role: "user", Content: "x"}},
		StreamOptions: &sentinel.StreamOptions{IncludeUsage: false},
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	for range ch {
	}
}

func TestCompletionsPassThrough(t *testing.T) {
	t.Parallel()

	in := []byte(`{"model":"gpt-3.5-turbo-instruct","prompt":"say hi"}`)
	out := []byte(`{"id":"cmpl-1","choices":[{"text":"hi"}]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != string(in) {
			t.Errorf("body = %s, must be forwarded unchanged", body)
		}
		w.Write(out)
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	got, err := c.Completions(context.Background(), in)
	if err != nil {
		t.Fatalf("Completions: %v", err)
	}
	if string(got) != string(out) {
		t.Errorf("response = %s", got)
	}
}

func TestEmbeddingsAndResponsesPaths(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	ctx := context.Background()
	c.Embeddings(ctx, []byte(`{"input":"x"}`))
	c.Responses(ctx, []byte(`{"input":"x"}`))

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[0] != "/embeddings" || paths[1] != "/responses" {
		t.Errorf("paths = %v", paths)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("models = %v", models)
	}
}

func TestUpstreamErrorKind(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("openai", srv.URL, "sk-test", srv.Client())
	_, err := c.ChatCompletion(context.Background(), &sentinel.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, sentinel.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream kind", err)
	}
}
