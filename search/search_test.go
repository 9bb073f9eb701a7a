package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		HTTPClient: srv.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Endpoint:   srv.URL,
		APIKey:     "key",
		Index:      "sharepoint-index",
		RetryDelay: time.Millisecond,
	})
}

func TestUpsert(t *testing.T) {
	var got struct {
		Value []map[string]any `json:"value"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/indexes/sharepoint-index/docs/index" || r.URL.Query().Get("api-version") != apiVersion {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("api-key") != "key" {
			t.Error("missing api-key header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"value":[{"key":"a_0","status":true},{"key":"a_1","status":true}]}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).Upsert(context.Background(), []Document{
		{ID: "a_0", ParentID: "a", ChunkText: "one", ChunkVector: []float32{0.5}},
		{ID: "a_1", ParentID: "a", ChunkText: "two"},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if len(got.Value) != 2 || got.Value[0]["@search.action"] != "mergeOrUpload" || got.Value[0]["parent_id"] != "a" {
		t.Errorf("request body = %+v", got.Value)
	}
	if _, ok := got.Value[1]["chunk_vector"]; ok {
		t.Error("empty vector should be omitted")
	}
}

func TestUpsertPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprint(w, `{"value":[{"key":"a_0","status":true},{"key":"a_1","status":false,"errorMessage":"too big"}]}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).Upsert(context.Background(), []Document{{ID: "a_0"}, {ID: "a_1"}})
	if err == nil || !strings.Contains(err.Error(), "a_1: too big") {
		t.Errorf("Upsert() error = %v", err)
	}
}

func TestQueryModes(t *testing.T) {
	tests := []struct {
		name     string
		query    Query
		wantKeys []string
		noKeys   []string
	}{
		{
			name:     "semantic",
			query:    Query{Text: "expense report", Semantic: true},
			wantKeys: []string{"search", "queryType", "semanticConfiguration", "captions"},
			noKeys:   []string{"vectorQueries"},
		},
		{
			name:     "vector",
			query:    Query{Vector: []float32{0.1, 0.2}},
			wantKeys: []string{"vectorQueries"},
			noKeys:   []string{"search", "queryType"},
		},
		{
			name:     "hybrid",
			query:    Query{Text: "expense report", Vector: []float32{0.1}},
			wantKeys: []string{"search", "vectorQueries"},
			noKeys:   []string{"queryType"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewDecoder(r.Body).Decode(&body)
				fmt.Fprint(w, `{"value":[{"id":"a_0","title":"Expenses","chunk_text":"submit by Friday","@search.score":1.5,
					"@search.captions":[{"text":"submit by Friday"}]}]}`)
			}))
			defer srv.Close()

			results, err := newTestClient(srv).Query(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(results) != 1 || results[0].Score != 1.5 || results[0].Captions[0].Text != "submit by Friday" {
				t.Errorf("results = %+v", results)
			}
			if body["top"] != float64(5) {
				t.Errorf("top = %v, want default 5", body["top"])
			}
			for _, k := range tt.wantKeys {
				if _, ok := body[k]; !ok {
					t.Errorf("request missing %q", k)
				}
			}
			for _, k := range tt.noKeys {
				if _, ok := body[k]; ok {
					t.Errorf("request unexpectedly has %q", k)
				}
			}
		})
	}
}

func TestQueryErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.Query(context.Background(), Query{}); err == nil {
		t.Error("empty query should fail")
	}

	_, err := c.Query(context.Background(), Query{Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("Query() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx not retried)", calls)
	}
}
