package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nitterfetch/nitterfetch/internal/broker"
	"github.com/nitterfetch/nitterfetch/internal/gateway"
	"github.com/nitterfetch/nitterfetch/internal/model"
	"github.com/nitterfetch/nitterfetch/internal/store"
)

const rssFixture = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<item>
<title>someuser</title>
<description>hello there</description>
<link>https://nitter.example/someuser/status/1</link>
<guid>https://nitter.example/someuser/status/1</guid>
<pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
</item>
</channel></rss>`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRunFetchesParsesAndStores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newTestStore(t)
	pool, err := gateway.New([]string{srv.URL}, 60, 2, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	evt := broker.New(nil)
	sub := evt.Subscribe()
	defer sub.Close()

	pl := New(st, pool, "test-agent", evt, nil, nil)
	target := model.Target{ID: 1, Kind: model.TargetUser, Value: "someuser", PollIntervalSeconds: 60}

	summary := pl.Run(context.Background(), target)
	if summary.Error != "" {
		t.Fatalf("unexpected error: %s", summary.Error)
	}
	if summary.New != 1 {
		t.Fatalf("expected 1 new post, got %d", summary.New)
	}

	posts, err := st.GetPosts(store.GetPostsFilter{Target: target.Composite()})
	if err != nil {
		t.Fatalf("get posts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("expected 1 stored post, got %d", len(posts))
	}
	if posts[0].Content != "someuser" {
		t.Errorf("expected title to win as content, got %q", posts[0].Content)
	}

	got, err := st.GetTarget(1)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.LastFetchedID == "" {
		t.Error("expected last_fetched_id to be recorded")
	}
}

func TestRunHandlesUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := newTestStore(t)
	pool, err := gateway.New([]string{srv.URL}, 60, 2, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pl := New(st, pool, "test-agent", nil, nil, nil)
	target := model.Target{ID: 1, Kind: model.TargetUser, Value: "someuser", PollIntervalSeconds: 60}

	summary := pl.Run(context.Background(), target)
	if summary.Error == "" {
		t.Fatal("expected an error summary for a 503 upstream response")
	}
}

func TestRunReturnsErrorWhenNoInstanceAvailable(t *testing.T) {
	st := newTestStore(t)
	pool, err := gateway.New([]string{"https://a.example"}, 1, 2, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	// Exhaust the single token.
	if _, err := pool.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	pl := New(st, pool, "test-agent", nil, nil, nil)
	target := model.Target{ID: 1, Kind: model.TargetUser, Value: "someuser", PollIntervalSeconds: 60}

	summary := pl.Run(context.Background(), target)
	if summary.Error == "" {
		t.Fatal("expected an error summary when the pool has no available instance")
	}
}

func TestTargetURLBuildsHashtagSearchRoute(t *testing.T) {
	u := targetURL("https://nitter.example", model.Target{Kind: model.TargetHashtag, Value: "golang"})
	want := "https://nitter.example/search/rss?f=tweets&q=%23golang"
	if u != want {
		t.Fatalf("got %q, want %q", u, want)
	}
}

func TestRunAllAggregatesAcrossTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssFixture))
	}))
	defer srv.Close()

	st := newTestStore(t)
	pool, err := gateway.New([]string{srv.URL}, 60, 2, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pl := New(st, pool, "test-agent", nil, nil, nil)

	if _, err := st.AddTarget(model.TargetUser, "someuser", 60); err != nil {
		t.Fatalf("add target: %v", err)
	}

	result, err := RunAll(context.Background(), pl, st)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if result.NewCountsByTarget["someuser"] != 1 {
		t.Fatalf("expected 1 new post for someuser, got %+v", result.NewCountsByTarget)
	}
}
