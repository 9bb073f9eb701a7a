package deltasync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/nekoconer/Azure-SharePoint-AI-Search/pkg/sharepoint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFeed serves pages keyed by link and content keyed by download URL.
type fakeFeed struct {
	pages     map[string]*sharepoint.DeltaPage
	content   map[string]string
	fetchErr  map[string]error
	fetched   []string
	downloads []string
	mu        sync.Mutex
}

func (f *fakeFeed) Delta(_ context.Context, link string) (*sharepoint.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, link)
	if err, ok := f.fetchErr[link]; ok {
		return nil, err
	}
	page, ok := f.pages[link]
	if !ok {
		return nil, &sharepoint.SyncError{URL: link, StatusCode: 404}
	}
	return page, nil
}

func (f *fakeFeed) Download(_ context.Context, item sharepoint.ChangeItem) (*sharepoint.DownloadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, item.ID)
	data, ok := f.content[item.DownloadURL]
	if !ok {
		return nil, &sharepoint.DownloadError{ItemID: item.ID, Name: item.Name, StatusCode: 500}
	}
	return &sharepoint.DownloadedFile{ItemID: item.ID, Name: item.Name, Data: []byte(data)}, nil
}

type memStager struct {
	files map[string]string
	fail  bool
}

func (m *memStager) Stage(_ context.Context, file *sharepoint.DownloadedFile) (string, error) {
	if m.fail {
		return "", errors.New("disk full")
	}
	if m.files == nil {
		m.files = make(map[string]string)
	}
	m.files[file.Name] = string(file.Data)
	return "mem://" + file.Name, nil
}

type recordingHandoff struct {
	staged  []string
	deleted []string
}

func (r *recordingHandoff) Staged(_ context.Context, item sharepoint.ChangeItem, _ *sharepoint.DownloadedFile, location string) error {
	r.staged = append(r.staged, item.ID+"@"+location)
	return nil
}

func (r *recordingHandoff) Deleted(_ context.Context, item sharepoint.ChangeItem) error {
	r.deleted = append(r.deleted, item.ID)
	return nil
}

func TestSyncDeletedAndUpdated(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"D1": {
				Items: []sharepoint.ChangeItem{
					{ID: "gone", Name: "old.docx", Deleted: true},
					{ID: "new", Name: "a.txt", DownloadURL: "https://dl/a"},
				},
				DeltaLink: "D2",
			},
		},
		content: map[string]string{"https://dl/a": "hello"},
	}
	stager := &memStager{}
	handoff := &recordingHandoff{}
	s := New(Config{Feed: feed, Stager: stager, Handoff: handoff, Logger: testLogger()})

	next, report, err := s.Sync(context.Background(), "D1")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if next != "D2" {
		t.Errorf("Sync() cursor = %q, want D2", next)
	}
	if !slices.Equal(report.DeletedIDs, []string{"gone"}) || report.Deleted != 1 {
		t.Errorf("deleted = %v", report.DeletedIDs)
	}
	if report.Updated != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if stager.files["a.txt"] != "hello" {
		t.Errorf("staged files = %v", stager.files)
	}
	if !slices.Equal(handoff.deleted, []string{"gone"}) || !slices.Equal(handoff.staged, []string{"new@mem://a.txt"}) {
		t.Errorf("handoff = %+v", handoff)
	}
}

func TestSyncDownloadFailureStillAdvances(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"D1": {
				Items: []sharepoint.ChangeItem{
					{ID: "gone", Deleted: true},
					{ID: "broken", Name: "b.txt", DownloadURL: "https://dl/missing"},
					{ID: "fine", Name: "c.txt", DownloadURL: "https://dl/c"},
				},
				DeltaLink: "D2",
			},
		},
		content: map[string]string{"https://dl/c": "ok"},
	}
	stager := &memStager{}
	s := New(Config{Feed: feed, Stager: stager, Logger: testLogger()})

	next, report, err := s.Sync(context.Background(), "D1")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if next != "D2" {
		t.Errorf("Sync() cursor = %q, want D2", next)
	}
	if report.Failed != 1 || report.Updated != 1 || report.Deleted != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := stager.files["c.txt"]; !ok {
		t.Error("sibling item after failure was not staged")
	}
}

func TestSyncFollowsNextLinks(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"seed": {Items: []sharepoint.ChangeItem{{ID: "f", Folder: true}}, NextLink: "p2"},
			"p2":   {Items: []sharepoint.ChangeItem{{ID: "x", Deleted: true}}, NextLink: "p3"},
			"p3":   {DeltaLink: "D9"},
		},
	}
	s := New(Config{Feed: feed, Stager: &memStager{}, Logger: testLogger()})

	next, report, err := s.Sync(context.Background(), "seed")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if next != "D9" || report.Pages != 3 || report.Skipped != 1 || report.Deleted != 1 {
		t.Errorf("Sync() = %q, %+v", next, report)
	}
	if !slices.Equal(feed.fetched, []string{"seed", "p2", "p3"}) {
		t.Errorf("fetched = %v", feed.fetched)
	}
}

func TestSyncPageLimit(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"p1": {NextLink: "p2"},
			"p2": {NextLink: "p3"},
			"p3": {DeltaLink: "D"},
		},
	}
	s := New(Config{Feed: feed, Stager: &memStager{}, Logger: testLogger(), MaxPages: 2})

	next, report, err := s.Sync(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if next != "p3" || !report.Truncated {
		t.Errorf("Sync() = %q, truncated %v; want p3, true", next, report.Truncated)
	}
}

func TestSyncEdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		pages    map[string]*sharepoint.DeltaPage
		fetchErr map[string]error
		wantNext string
		wantErr  bool
	}{
		{
			name:     "empty change set returns next cursor",
			pages:    map[string]*sharepoint.DeltaPage{"D1": {DeltaLink: "D2"}},
			wantNext: "D2",
		},
		{
			name:     "no links returns empty cursor",
			pages:    map[string]*sharepoint.DeltaPage{"D1": {}},
			wantNext: "",
		},
		{
			name:     "expired cursor fails",
			fetchErr: map[string]error{"D1": &sharepoint.SyncError{URL: "D1", StatusCode: 410}},
			wantErr:  true,
		},
		{
			name:     "failure on later page resumes from applied page",
			pages:    map[string]*sharepoint.DeltaPage{"D1": {NextLink: "p2"}},
			fetchErr: map[string]error{"p2": &sharepoint.SyncError{URL: "p2", StatusCode: 503}},
			wantNext: "p2",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := &fakeFeed{pages: tt.pages, fetchErr: tt.fetchErr}
			s := New(Config{Feed: feed, Stager: &memStager{}, Logger: testLogger()})

			next, _, err := s.Sync(context.Background(), "D1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Sync() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !sharepoint.IsSyncError(err) {
				t.Errorf("Sync() error = %v, want SyncError", err)
			}
			if next != tt.wantNext {
				t.Errorf("Sync() cursor = %q, want %q", next, tt.wantNext)
			}
		})
	}
}

// cancellingStager cancels the sync once it stages the named item.
type cancellingStager struct {
	cancel func()
	at     string
}

func (c *cancellingStager) Stage(_ context.Context, file *sharepoint.DownloadedFile) (string, error) {
	if file.ItemID == c.at {
		c.cancel()
	}
	return "mem://" + file.Name, nil
}

func TestSyncCancelledKeepsAppliedPages(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"seed":  {Items: []sharepoint.ChangeItem{{ID: "a", Name: "a.txt", DownloadURL: "ua"}}, NextLink: "page2"},
			"page2": {Items: []sharepoint.ChangeItem{{ID: "b", Name: "b.txt", DownloadURL: "ub"}, {ID: "c", Name: "c.txt", DownloadURL: "uc"}}, DeltaLink: "D"},
		},
		content: map[string]string{"ua": "A", "ub": "B", "uc": "C"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Config{Feed: feed, Stager: &cancellingStager{cancel: cancel, at: "b"}, Logger: testLogger()})

	next, report, err := s.Sync(ctx, "seed")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	if next != "page2" || !report.Truncated {
		t.Errorf("Sync() = %q, truncated %v; want page2, true", next, report.Truncated)
	}
	if report.Updated != 2 {
		t.Errorf("Updated = %d, want 2", report.Updated)
	}
}

func TestSyncCancelledOnFirstPageKeepsNothing(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"seed": {Items: []sharepoint.ChangeItem{{ID: "a", Name: "a.txt", DownloadURL: "ua"}, {ID: "b", Name: "b.txt", DownloadURL: "ub"}}, NextLink: "page2"},
		},
		content: map[string]string{"ua": "A", "ub": "B"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Config{Feed: feed, Stager: &cancellingStager{cancel: cancel, at: "a"}, Logger: testLogger()})

	next, report, err := s.Sync(ctx, "seed")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	if next != "" || report.Truncated {
		t.Errorf("Sync() = %q, truncated %v; want empty cursor", next, report.Truncated)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"D1": {Items: []sharepoint.ChangeItem{{ID: "a", Name: "a.txt", DownloadURL: "u"}}, DeltaLink: "D2"},
		},
		content: map[string]string{"u": "same"},
	}
	stager := &memStager{}
	s := New(Config{Feed: feed, Stager: stager, Logger: testLogger()})

	for range 2 {
		next, _, err := s.Sync(context.Background(), "D1")
		if err != nil || next != "D2" {
			t.Fatalf("Sync() = %q, %v", next, err)
		}
	}
	if len(stager.files) != 1 || stager.files["a.txt"] != "same" {
		t.Errorf("staged files = %v", stager.files)
	}
}

func TestSyncStageFailureCounted(t *testing.T) {
	feed := &fakeFeed{
		pages: map[string]*sharepoint.DeltaPage{
			"D1": {Items: []sharepoint.ChangeItem{{ID: "a", Name: "a.txt", DownloadURL: "u"}}, DeltaLink: "D2"},
		},
		content: map[string]string{"u": "x"},
	}
	s := New(Config{Feed: feed, Stager: &memStager{fail: true}, Logger: testLogger()})

	next, report, err := s.Sync(context.Background(), "D1")
	if err != nil || next != "D2" {
		t.Fatalf("Sync() = %q, %v", next, err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
}

type fakeQueue struct {
	tasks []sharepoint.Task
}

func (q *fakeQueue) Enqueue(task sharepoint.Task) bool {
	q.tasks = append(q.tasks, task)
	return true
}

type fakeLister map[string]string

func (f fakeLister) List(context.Context) (map[string]string, error) { return f, nil }

func TestSweep(t *testing.T) {
	q := &fakeQueue{}
	w := NewSweeper(fakeLister{"s2": "D", "s1": "D"}, q, []string{"s3", "s1", ""}, testLogger())

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Sweep() = %d, want 3", n)
	}
	var ids []string
	for _, task := range q.tasks {
		ids = append(ids, task.SubscriptionID)
	}
	if !slices.Equal(ids, []string{"s1", "s2", "s3"}) {
		t.Errorf("enqueued = %v", ids)
	}
}
