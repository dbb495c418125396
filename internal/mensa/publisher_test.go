package mensa

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

type fakePoster struct {
	mu         sync.Mutex
	failPosts  int
	attempts   int
	posts      []string
	postedCh   chan string
	crossFail  bool
	crossposts []string
}

func (f *fakePoster) PostMealplan(_ context.Context, channelID, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failPosts > 0 {
		f.failPosts--
		return "", errors.New("channel unavailable")
	}
	f.posts = append(f.posts, channelID)
	if f.postedCh != nil {
		f.postedCh <- channelID
	}
	return "msg-1", nil
}

func (f *fakePoster) postAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakePoster) Crosspost(_ context.Context, _, messageID string) error {
	if f.crossFail {
		return errors.New("announcement channel rejected")
	}
	f.crossposts = append(f.crossposts, messageID)
	return nil
}

type passthroughRenderer struct{}

func (passthroughRenderer) PDFToPNG(_ context.Context, pdf []byte) ([]byte, error) {
	return pdf, nil
}

func testPublisher(t *testing.T, poster *fakePoster) (*Publisher, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	t.Cleanup(srv.Close)

	p := NewPublisher(store, poster, passthroughRenderer{},
		srv.URL, "chan", "role", time.Monday, 8, zerolog.Nop())
	return p, store
}

func TestPublishDueIsIdempotent(t *testing.T) {
	poster := &fakePoster{}
	p, _ := testPublisher(t, poster)
	ctx := context.Background()

	if err := p.PublishDue(ctx); err != nil {
		t.Fatalf("PublishDue: %v", err)
	}
	if err := p.PublishDue(ctx); err != nil {
		t.Fatalf("PublishDue repeat: %v", err)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected exactly one post, got %d", len(poster.posts))
	}
	if len(poster.crossposts) != 1 || poster.crossposts[0] != "msg-1" {
		t.Fatalf("expected one crosspost of msg-1, got %v", poster.crossposts)
	}
}

func TestPublishDueSkipsWhenFlagged(t *testing.T) {
	poster := &fakePoster{}
	p, store := testPublisher(t, poster)
	ctx := context.Background()

	today := time.Now().Format(dateFormat)
	if err := store.MarkMealplanPosted(ctx, today); err != nil {
		t.Fatalf("MarkMealplanPosted: %v", err)
	}
	if err := p.PublishDue(ctx); err != nil {
		t.Fatalf("PublishDue: %v", err)
	}
	if len(poster.posts) != 0 {
		t.Fatalf("expected no post for an already-posted date, got %d", len(poster.posts))
	}
}

// A Monday inside the Monday/hour-8 window of testPublisher's schedule.
var insideWindow = time.Date(2026, time.August, 24, 8, 30, 0, 0, time.UTC)

func TestRunPublishesInsideWindowOnStartup(t *testing.T) {
	poster := &fakePoster{postedCh: make(chan string, 1)}
	p, store := testPublisher(t, poster)
	p.now = func() time.Time { return insideWindow }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-poster.postedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("no publish inside the scheduled window")
	}
	posted, err := store.MealplanPosted(ctx, insideWindow.Format(dateFormat))
	if err != nil || !posted {
		t.Fatalf("expected posted flag set, posted=%v err=%v", posted, err)
	}
	cancel()
	<-done
}

func TestRunRetriesFailedPublishWithinWindow(t *testing.T) {
	poster := &fakePoster{failPosts: 1, postedCh: make(chan string, 1)}
	p, _ := testPublisher(t, poster)
	p.now = func() time.Time { return insideWindow }
	p.retryPause = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-poster.postedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("publish was not retried inside the window")
	}
	if got := poster.postAttempts(); got != 2 {
		t.Fatalf("expected 2 post attempts, got %d", got)
	}
	cancel()
	<-done
}

func TestPublishDueSurvivesCrosspostFailure(t *testing.T) {
	poster := &fakePoster{crossFail: true}
	p, store := testPublisher(t, poster)
	ctx := context.Background()

	if err := p.PublishDue(ctx); err != nil {
		t.Fatalf("PublishDue: %v", err)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected the post to go out, got %d", len(poster.posts))
	}
	posted, err := store.MealplanPosted(ctx, time.Now().Format(dateFormat))
	if err != nil || !posted {
		t.Fatalf("expected posted flag set despite crosspost failure, posted=%v err=%v", posted, err)
	}
}
