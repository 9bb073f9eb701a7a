package azopenai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		HTTPClient:          srv.Client(),
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Endpoint:            srv.URL + "/",
		APIKey:              "key",
		ChatDeployment:      "gpt-4.1-mini",
		EmbeddingDeployment: "text-embedding-3-large",
		RetryDelay:          time.Millisecond,
	})
}

func TestCompleteWithSearchSource(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt-4.1-mini/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != chatAPIVersion {
			t.Errorf("api-version = %s", r.URL.Query().Get("api-version"))
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Submit by Friday [doc1].",
			"context":{"citations":[{"title":"Expenses","content":"submit by Friday"}]}}}]}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).Complete(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "system", Content: "You are an AI assistant."}, {Role: "user", Content: "経費申請"}},
		Temperature: 1,
		DataSource:  &SearchSource{Endpoint: "https://svc.search.windows.net", Index: "sharepoint-index", APIKey: "skey"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Submit by Friday [doc1]." || len(resp.Citations) != 1 || resp.Citations[0].Title != "Expenses" {
		t.Errorf("Complete() = %+v", resp)
	}

	if body["max_tokens"] != float64(800) {
		t.Errorf("max_tokens = %v, want 800", body["max_tokens"])
	}
	sources := body["data_sources"].([]any)
	params := sources[0].(map[string]any)["parameters"].(map[string]any)
	if params["strictness"] != float64(3) || params["top_n_documents"] != float64(5) ||
		params["semantic_configuration"] != "default" || params["index_name"] != "sharepoint-index" {
		t.Errorf("data source parameters = %+v", params)
	}
	if params["authentication"].(map[string]any)["key"] != "skey" {
		t.Error("search key not forwarded")
	}
}

func TestCompleteWithoutSource(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).Complete(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil || resp.Content != "hi" {
		t.Fatalf("Complete() = %+v, %v", resp, err)
	}
	if _, ok := body["data_sources"]; ok {
		t.Error("data_sources sent without a source")
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/text-embedding-3-large/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"embedding":[0.25,-0.5]}]}`)
	}))
	defer srv.Close()

	vec, err := newTestClient(srv).Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.25 || vec[1] != -0.5 {
		t.Errorf("Embed() = %v", vec)
	}
}

func TestRetryOnThrottle(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"data":[{"embedding":[1]}]}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":"401"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Embed(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Embed() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
