package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rndrmu/faculty-bot/internal/mail"
	"github.com/rndrmu/faculty-bot/internal/storage"
)

type captureSender struct {
	sent chan mail.Email
}

func (c *captureSender) Send(e mail.Email) error {
	c.sent <- e
	return nil
}

type fakeGranter struct {
	granted []string
}

func (f *fakeGranter) GrantRole(_ context.Context, userID, roleID string) error {
	f.granted = append(f.granted, userID+":"+roleID)
	return nil
}

func testService(t *testing.T) (*Service, *captureSender, *fakeGranter, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &captureSender{sent: make(chan mail.Email, 8)}
	queue := mail.NewQueue(sender, 8, rate.Every(time.Millisecond), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = queue.Run(ctx) }()

	granter := &fakeGranter{}
	svc := NewService(store, NewSessions(15*time.Minute), queue, granter,
		"@stud.hs-kempten.de", "role-verified", zerolog.Nop())
	return svc, sender, granter, store
}

func waitForEmail(t *testing.T, c *captureSender) mail.Email {
	t.Helper()
	select {
	case e := <-c.sent:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("no email dispatched")
		return mail.Email{}
	}
}

func TestVerificationEndToEnd(t *testing.T) {
	svc, sender, granter, store := testService(t)
	ctx := context.Background()

	if err := svc.Request(ctx, "u1", "a@stud.hs-kempten.de"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	e := waitForEmail(t, sender)
	if e.To != "a@stud.hs-kempten.de" {
		t.Fatalf("unexpected recipient %q", e.To)
	}
	if len(e.Code) != 15 {
		t.Fatalf("expected 15-character code, got %q", e.Code)
	}

	res, err := svc.Confirm(ctx, "u1", "not-the-code")
	if err != nil || res != Rejected {
		t.Fatalf("expected Rejected, got %v err=%v", res, err)
	}

	res, err = svc.Confirm(ctx, "u1", e.Code)
	if err != nil || res != Accepted {
		t.Fatalf("expected Accepted, got %v err=%v", res, err)
	}
	ok, err := store.IsVerified(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("expected verified identity persisted, ok=%v err=%v", ok, err)
	}
	if len(granter.granted) != 1 || granter.granted[0] != "u1:role-verified" {
		t.Fatalf("expected verified role granted once, got %v", granter.granted)
	}

	// The session was consumed: replaying the same code finds nothing.
	res, err = svc.Confirm(ctx, "u1", e.Code)
	if err != nil || res != NoSession {
		t.Fatalf("expected NoSession on replay, got %v err=%v", res, err)
	}
}

func TestRequestValidation(t *testing.T) {
	svc, sender, _, store := testService(t)
	ctx := context.Background()

	if err := svc.Request(ctx, "u1", "someone@gmail.com"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}

	if err := store.InsertVerified(ctx, "other", "taken@stud.hs-kempten.de"); err != nil {
		t.Fatalf("seed verified: %v", err)
	}
	if err := svc.Request(ctx, "u1", "taken@stud.hs-kempten.de"); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}

	if err := store.InsertVerified(ctx, "u1", "mine@stud.hs-kempten.de"); err != nil {
		t.Fatalf("seed verified: %v", err)
	}
	if err := svc.Request(ctx, "u1", "new@stud.hs-kempten.de"); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}

	select {
	case e := <-sender.sent:
		t.Fatalf("no email should have been sent, got one to %q", e.To)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestReplacesPendingCode(t *testing.T) {
	svc, sender, _, _ := testService(t)
	ctx := context.Background()

	if err := svc.Request(ctx, "u1", "a@stud.hs-kempten.de"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	first := waitForEmail(t, sender)

	if err := svc.Request(ctx, "u1", "a@stud.hs-kempten.de"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	second := waitForEmail(t, sender)

	if res, _ := svc.Confirm(ctx, "u1", first.Code); res != Rejected {
		t.Fatalf("expected stale code rejected, got %v", res)
	}
	if res, err := svc.Confirm(ctx, "u1", second.Code); err != nil || res != Accepted {
		t.Fatalf("expected fresh code accepted, got %v err=%v", res, err)
	}
}
