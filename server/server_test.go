package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/deltasync"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/dispatch"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
	"github.com/nekoconer/Azure-SharePoint-AI-Search/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingQueue struct {
	tasks []sharepoint.Task
	mu    sync.Mutex
}

func (q *recordingQueue) Enqueue(task sharepoint.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return true
}

func (q *recordingQueue) Stats() dispatch.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dispatch.Stats{QueueDepth: len(q.tasks)}
}

func (q *recordingQueue) subscriptions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, t := range q.tasks {
		ids = append(ids, t.SubscriptionID)
	}
	return ids
}

type countingSweeper struct {
	err   error
	calls int
}

func (c *countingSweeper) Sweep(context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func newTestServer(q Queue, clientState string) *Server {
	return New(&Config{
		Queue:       q,
		Sweeper:     &countingSweeper{},
		Logger:      testLogger(),
		ClientState: clientState,
	})
}

func TestNotifyValidation(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "get echoes token", method: http.MethodGet, target: "/api/notify?validationToken=abc123", wantStatus: http.StatusOK, wantBody: "abc123"},
		{name: "get without token", method: http.MethodGet, target: "/api/notify", wantStatus: http.StatusBadRequest},
		{name: "post echoes token", method: http.MethodPost, target: "/api/notify?validationToken=Validation%3A+Testing+client+application+reachability", wantStatus: http.StatusOK, wantBody: "Validation: Testing client application reachability"},
		{name: "post token ignores body", method: http.MethodPost, target: "/api/notify?validationToken=t", body: "not json", wantStatus: http.StatusOK, wantBody: "t"},
		{name: "put not allowed", method: http.MethodPut, target: "/api/notify", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &recordingQueue{}
			h := newTestServer(q, "").Handler()

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" {
				if got := rec.Body.String(); got != tt.wantBody {
					t.Errorf("body = %q, want %q", got, tt.wantBody)
				}
				if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
					t.Errorf("Content-Type = %q, want text/plain", ct)
				}
			}
			if len(q.tasks) != 0 {
				t.Errorf("enqueued %d tasks during validation", len(q.tasks))
			}
		})
	}
}

func TestNotifyEnqueues(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSubs   []string
	}{
		{
			name:       "single entry",
			body:       `{"value":[{"subscriptionId":"s1","resourceData":{"id":"i1"}}]}`,
			wantStatus: http.StatusOK,
			wantSubs:   []string{"s1"},
		},
		{
			name:       "entries without subscription skipped",
			body:       `{"value":[{"subscriptionId":""},{"subscriptionId":"s2"},{"resourceData":{"id":"x"}}]}`,
			wantStatus: http.StatusOK,
			wantSubs:   []string{"s2"},
		},
		{
			name:       "empty value",
			body:       `{"value":[]}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid json",
			body:       `{"value":[`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong shape",
			body:       `["s1"]`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "null body",
			body:       `null`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty object",
			body:       `{}`,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &recordingQueue{}
			h := newTestServer(q, "").Handler()

			req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
			if got := q.subscriptions(); !slices.Equal(got, tt.wantSubs) {
				t.Errorf("enqueued = %v, want %v", got, tt.wantSubs)
			}
		})
	}
}

func TestNotifyItemID(t *testing.T) {
	q := &recordingQueue{}
	h := newTestServer(q, "").Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader(`{"value":[{"subscriptionId":"s1","resourceData":{"id":"i1"}}]}`))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if len(q.tasks) != 1 || q.tasks[0].ChangedItemID != "i1" || q.tasks[0].ReceivedAt.IsZero() {
		t.Errorf("tasks = %+v", q.tasks)
	}
}

func TestNotifyClientState(t *testing.T) {
	q := &recordingQueue{}
	h := newTestServer(q, "s3cret").Handler()

	body := `{"value":[
		{"subscriptionId":"good","clientState":"s3cret"},
		{"subscriptionId":"spoofed","clientState":"guess"},
		{"subscriptionId":"missing"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := q.subscriptions(); !slices.Equal(got, []string{"good"}) {
		t.Errorf("enqueued = %v, want [good]", got)
	}
}

func TestNotifyBodyLimit(t *testing.T) {
	q := &recordingQueue{}
	s := New(&Config{Queue: q, Sweeper: &countingSweeper{}, Logger: testLogger(), MaxBodyBytes: 64})

	body := `{"value":[{"subscriptionId":"` + strings.Repeat("x", 128) + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if len(q.tasks) != 0 {
		t.Error("oversized body was enqueued")
	}
}

type stepSyncer struct{}

func (stepSyncer) Sync(_ context.Context, link string) (string, *deltasync.Report, error) {
	return link + "+", &deltasync.Report{}, nil
}

// TestNotifyEndToEnd posts a notification and waits for the dispatcher to persist a cursor.
func TestNotifyEndToEnd(t *testing.T) {
	store := storage.NewMemory()
	d := dispatch.New(dispatch.Config{
		Syncer:  stepSyncer{},
		Store:   store,
		Logger:  testLogger(),
		SeedURL: "seed",
	})
	srv := httptest.NewServer(New(&Config{Queue: d, Sweeper: &countingSweeper{}, Logger: testLogger()}).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/notify", "application/json",
		strings.NewReader(`{"value":[{"subscriptionId":"s1","resourceData":{"id":"i1"}}]}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if link, ok, _ := store.Get(context.Background(), "s1"); ok {
			if link != "seed+" {
				t.Errorf("cursor = %q, want seed+", link)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cursor not persisted in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Wait()
}

func TestHealth(t *testing.T) {
	q := &recordingQueue{}
	q.Enqueue(sharepoint.Task{SubscriptionID: "s1"})
	h := newTestServer(q, "").Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status     string         `json:"status"`
		Dispatcher dispatch.Stats `json:"dispatcher"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Dispatcher.QueueDepth != 1 {
		t.Errorf("health = %+v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d, want 405", rec.Code)
	}
}

func TestResync(t *testing.T) {
	sweeper := &countingSweeper{}
	s := New(&Config{Queue: &recordingQueue{}, Sweeper: sweeper, Logger: testLogger()})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resyncz", nil))
	if rec.Code != http.StatusOK || sweeper.calls != 1 {
		t.Fatalf("status = %d, calls = %d", rec.Code, sweeper.calls)
	}
	if !strings.Contains(rec.Body.String(), `"enqueued":2`) {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resyncz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /resyncz status = %d, want 405", rec.Code)
	}

	sweeper.err = errors.New("store unavailable")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resyncz", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("failed sweep status = %d, want 500", rec.Code)
	}
}
