package verify

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"
)

// ConfirmResult classifies a code submission.
type ConfirmResult int

const (
	// NoSession: no pending verification exists (never begun, consumed,
	// or expired).
	NoSession ConfirmResult = iota
	// Rejected: a session exists but the submitted code does not match.
	Rejected
	// Accepted: the code matched. The caller performs the persistence and
	// role-grant side effects, then removes the session.
	Accepted
)

const codeLength = 15

const codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a uniform random alphanumeric one-time code.
func GenerateCode() string {
	code, err := readCode(rand.Reader)
	if err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return code
}

// readCode draws alphabet picks from r. Bytes at or above the largest
// multiple of the alphabet size are rejected so every character is
// equally likely.
func readCode(r io.Reader) (string, error) {
	limit := byte(256 - 256%len(codeAlphabet))
	out := make([]byte, 0, codeLength)
	buf := make([]byte, 2*codeLength)
	for len(out) < codeLength {
		n, err := r.Read(buf)
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}

type session struct {
	code    string
	address string
	expires time.Time
}

// Sessions maps a requester to their pending (code, address) pair. Entries
// live in memory only: a process restart loses them and the user must
// re-request. Each entry expires after the configured TTL.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]session
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Sessions{ttl: ttl, now: time.Now, m: map[string]session{}}
}

// Begin records a pending verification, overwriting any prior entry for
// the user. Only one code may be outstanding per user.
func (s *Sessions) Begin(userID, code, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[userID] = session{code: code, address: address, expires: s.now().Add(s.ttl)}
}

// Confirm checks a submitted code. It does not consume the session;
// removal is the caller's job once side effects succeeded.
func (s *Sessions) Confirm(userID, submitted string) (ConfirmResult, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[userID]
	if !ok {
		return NoSession, ""
	}
	if s.now().After(sess.expires) {
		delete(s.m, userID)
		return NoSession, ""
	}
	if sess.code != submitted {
		return Rejected, ""
	}
	return Accepted, sess.address
}

// Remove deletes the pending session for a user.
func (s *Sessions) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, userID)
}

// Len reports the number of pending sessions (expired ones included until
// swept).
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Sessions) sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.m {
		if now.After(sess.expires) {
			delete(s.m, id)
			removed++
		}
	}
	return removed
}

// RunSweeper purges expired sessions periodically until ctx is done.
func (s *Sessions) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.sweep()
		}
	}
}
