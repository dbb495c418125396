package feedsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

type feedPoster struct {
	nextID  int
	posts   []ItemPost
	updates []ItemPost
	replies []string
	// times maps a message id to the timestamp it displays.
	times map[string]time.Time
}

func newFeedPoster() *feedPoster {
	return &feedPoster{times: map[string]time.Time{}}
}

func (f *feedPoster) PostFeedItem(_ context.Context, _ string, item ItemPost) (string, error) {
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.posts = append(f.posts, item)
	f.times[id] = item.Published
	return id, nil
}

func (f *feedPoster) PostFeedUpdate(_ context.Context, _ string, item ItemPost, replyToID string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.updates = append(f.updates, item)
	f.replies = append(f.replies, replyToID)
	f.times[id] = item.Published
	return id, nil
}

func (f *feedPoster) PostedItemTime(_ context.Context, _, messageID string) (time.Time, bool, error) {
	ts, ok := f.times[messageID]
	return ts, ok, nil
}

type rssServer struct {
	mu    sync.Mutex
	items string
	srv   *httptest.Server
}

func newRSSServer(t *testing.T) *rssServer {
	t.Helper()
	r := &rssServer{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>portal</title>%s</channel></rss>`, r.items)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rssServer) set(items string) {
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
}

func rssItem(title, desc string, pub time.Time) string {
	return fmt.Sprintf(`<item><title>%s</title><link>https://portal.example/%s</link><description>%s</description><pubDate>%s</pubDate></item>`,
		title, title, desc, pub.Format(time.RFC1123Z))
}

func testSync(t *testing.T) (*Synchronizer, *feedPoster, *rssServer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	poster := newFeedPoster()
	srv := newRSSServer(t)
	feeds := func() map[string]string { return map[string]string{"chan": srv.srv.URL} }
	s := New(store, poster, feeds, time.Hour, zerolog.Nop())
	return s, poster, srv, store
}

func TestSyncPostsNewItemOnce(t *testing.T) {
	s, poster, srv, store := testSync(t)
	ctx := context.Background()

	pub := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	srv.set(rssItem("Raumänderung", "Hörsaal V201", pub))

	s.SyncAll(ctx)
	s.SyncAll(ctx)

	if len(poster.posts) != 1 {
		t.Fatalf("expected one post across two passes, got %d", len(poster.posts))
	}
	if poster.posts[0].Title != "Raumänderung" || poster.posts[0].Description != "Hörsaal V201" {
		t.Fatalf("unexpected post payload: %+v", poster.posts[0])
	}
	p, found, err := store.GetFeedPost(ctx, "Raumänderung", "chan")
	if err != nil || !found || p.MessageID != "m1" {
		t.Fatalf("expected persisted post m1, got %+v found=%v err=%v", p, found, err)
	}
}

func TestSyncUpdatesStrictlyNewerItem(t *testing.T) {
	s, poster, srv, store := testSync(t)
	ctx := context.Background()

	pub := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	srv.set(rssItem("Klausurtermin", "erste Fassung", pub))
	s.SyncAll(ctx)

	// Same timestamp again is already in sync.
	s.SyncAll(ctx)
	if len(poster.updates) != 0 {
		t.Fatalf("expected no update for equal timestamp, got %d", len(poster.updates))
	}

	srv.set(rssItem("Klausurtermin", "korrigierte Fassung", pub.Add(time.Hour)))
	s.SyncAll(ctx)

	if len(poster.updates) != 1 || poster.updates[0].Description != "korrigierte Fassung" {
		t.Fatalf("expected one update with new body, got %+v", poster.updates)
	}
	if len(poster.replies) != 1 || poster.replies[0] != "m1" {
		t.Fatalf("expected update to reply to m1, got %v", poster.replies)
	}
	p, _, err := store.GetFeedPost(ctx, "Klausurtermin", "chan")
	if err != nil || p.MessageID != "m2" {
		t.Fatalf("expected record repointed to m2, got %+v err=%v", p, err)
	}
}

func TestSyncLeavesDeletedOriginalAlone(t *testing.T) {
	s, poster, srv, store := testSync(t)
	ctx := context.Background()

	pub := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	srv.set(rssItem("Stundenplan", "alt", pub))
	s.SyncAll(ctx)

	// The posted message disappears; even a newer item stays untouched.
	delete(poster.times, "m1")
	srv.set(rssItem("Stundenplan", "neu", pub.Add(time.Hour)))
	s.SyncAll(ctx)

	if len(poster.posts) != 1 || len(poster.updates) != 0 {
		t.Fatalf("expected no repost or update, got posts=%d updates=%d",
			len(poster.posts), len(poster.updates))
	}
	p, _, err := store.GetFeedPost(ctx, "Stundenplan", "chan")
	if err != nil || p.MessageID != "m1" {
		t.Fatalf("expected record kept at m1, got %+v err=%v", p, err)
	}
}

func TestSyncIgnoresItemsBeforeCutoff(t *testing.T) {
	s, poster, srv, _ := testSync(t)

	old := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	srv.set(rssItem("Altlast", "history", old))
	s.SyncAll(context.Background())

	if len(poster.posts) != 0 {
		t.Fatalf("expected pre-cutoff item skipped, got %d posts", len(poster.posts))
	}
}

func TestClean(t *testing.T) {
	s, _, _, _ := testSync(t)

	in := `<p>Termin &amp; Ort</p>\nif wk med details <script>x()</script>`
	got := s.clean(in)
	want := `Termin & Ort details`
	if got != want {
		t.Fatalf("clean: got %q want %q", got, want)
	}
}
