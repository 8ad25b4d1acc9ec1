package unsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeListFile(t *testing.T, path string, emails ...string) {
	t.Helper()
	f := File{Version: 1, LastUpdated: time.Now().UTC().Format(time.RFC3339)}
	for _, e := range emails {
		f.UnsubscribedEmails = append(f.UnsubscribedEmails, Entry{Email: e, UnsubscribedAt: f.LastUpdated})
	}
	data, _ := json.Marshal(f)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
}

func TestIsUnsubscribedCaseInsensitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsubscribed.json")
	writeListFile(t, path, "opted.out@x.com")

	r := New(path, "", 5*time.Minute, zap.NewNop())
	ctx := context.Background()

	if !r.IsUnsubscribed(ctx, "Opted.Out@X.COM") {
		t.Fatal("expected case-insensitive match")
	}
	if r.IsUnsubscribed(ctx, "someone.else@x.com") {
		t.Fatal("unexpected match")
	}
}

func TestMissingFileFallsBackToURL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(File{
			UnsubscribedEmails: []Entry{{Email: "remote@x.com"}},
			Version:            3,
		})
	}))
	defer srv.Close()

	r := New(filepath.Join(t.TempDir(), "absent.json"), srv.URL, 5*time.Minute, zap.NewNop())
	ctx := context.Background()

	if !r.IsUnsubscribed(ctx, "remote@x.com") {
		t.Fatal("expected remote entry to match")
	}
	// Second lookup within the TTL must hit the cache, not the server.
	r.IsUnsubscribed(ctx, "remote@x.com")
	if calls != 1 {
		t.Fatalf("want 1 remote fetch, got %d", calls)
	}
}

func TestFallbackFailureDegradesToFalse(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(filepath.Join(t.TempDir(), "absent.json"), srv.URL, time.Minute, zap.NewNop())
	ctx := context.Background()

	if r.IsUnsubscribed(ctx, "anyone@x.com") {
		t.Fatal("fetch failure must degrade to not-unsubscribed")
	}

	// The empty result is cached for the TTL: a dead mirror is hit
	// once per window, not once per recipient.
	for _, e := range []string{"u1@x.com", "u2@x.com", "u3@x.com"} {
		r.IsUnsubscribed(ctx, e)
	}
	if calls != 1 {
		t.Fatalf("want 1 fetch against a dead mirror, got %d", calls)
	}

	// After the TTL the mirror is tried again.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	r.IsUnsubscribed(ctx, "anyone@x.com")
	if calls != 2 {
		t.Fatalf("want a retry after the TTL, got %d fetches", calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsubscribed.json")
	writeListFile(t, path, "a@x.com")

	r := New(path, "", time.Minute, zap.NewNop())
	ctx := context.Background()

	if !r.IsUnsubscribed(ctx, "a@x.com") {
		t.Fatal("expected match")
	}

	// The file changes on disk but the cache is still fresh.
	writeListFile(t, path, "b@x.com")
	if r.IsUnsubscribed(ctx, "b@x.com") {
		t.Fatal("cache should still serve the old list")
	}

	// After the TTL elapses the new list is picked up.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if !r.IsUnsubscribed(ctx, "b@x.com") {
		t.Fatal("expected reload after TTL")
	}
}

func TestAddRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsubscribed.json")
	r := New(path, "", time.Minute, zap.NewNop())

	added, err := r.Add("Gone@X.com", "operator request")
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	// Duplicate add is a no-op.
	added, err = r.Add("gone@x.com", "again")
	if err != nil || added {
		t.Fatalf("duplicate add: added=%v err=%v", added, err)
	}
	if !r.IsUnsubscribed(context.Background(), "gone@x.com") {
		t.Fatal("added address not reported unsubscribed")
	}

	removed, err := r.Remove("gone@x.com")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if r.IsUnsubscribed(context.Background(), "gone@x.com") {
		t.Fatal("removed address still reported unsubscribed")
	}

	// Version bumped by each change.
	data, _ := os.ReadFile(path)
	var f File
	_ = json.Unmarshal(data, &f)
	if f.Version != 3 {
		t.Fatalf("want version 3 after add+remove, got %d", f.Version)
	}
}
