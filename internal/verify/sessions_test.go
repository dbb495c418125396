package verify

import (
	"bytes"
	"testing"
	"time"
)

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code := GenerateCode()
		if len(code) != 15 {
			t.Fatalf("expected 15-character code, got %q", code)
		}
		for _, r := range code {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("non-alphanumeric rune %q in code %q", r, code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 50 {
		t.Fatalf("expected 50 distinct codes, got %d", len(seen))
	}
}

func TestReadCodeRejectsBiasedBytes(t *testing.T) {
	// 248..255 sit past the largest multiple of the alphabet size and must
	// be discarded, not folded onto the first eight characters.
	src := make([]byte, 0, 8+codeLength)
	for b := 248; b <= 255; b++ {
		src = append(src, byte(b))
	}
	for b := 0; b < codeLength; b++ {
		src = append(src, byte(b))
	}

	code, err := readCode(bytes.NewReader(src))
	if err != nil {
		t.Fatalf("readCode: %v", err)
	}
	want := codeAlphabet[:codeLength]
	if code != want {
		t.Fatalf("expected %q from deterministic bytes, got %q", want, code)
	}
}

func TestSessionsConfirm(t *testing.T) {
	s := NewSessions(15 * time.Minute)

	if res, _ := s.Confirm("u1", "whatever"); res != NoSession {
		t.Fatalf("expected NoSession before begin, got %v", res)
	}

	s.Begin("u1", "code-a", "a@stud.example.de")
	if res, _ := s.Confirm("u1", "wrong"); res != Rejected {
		t.Fatalf("expected Rejected for wrong code, got %v", res)
	}
	res, addr := s.Confirm("u1", "code-a")
	if res != Accepted || addr != "a@stud.example.de" {
		t.Fatalf("expected Accepted with address, got %v %q", res, addr)
	}

	// Confirm does not consume; removal is explicit.
	if res, _ := s.Confirm("u1", "code-a"); res != Accepted {
		t.Fatalf("expected session still present, got %v", res)
	}
	s.Remove("u1")
	if res, _ := s.Confirm("u1", "code-a"); res != NoSession {
		t.Fatalf("expected NoSession after removal, got %v", res)
	}
}

func TestSessionsBeginOverwrites(t *testing.T) {
	s := NewSessions(15 * time.Minute)
	s.Begin("u1", "first", "a@stud.example.de")
	s.Begin("u1", "second", "b@stud.example.de")

	if res, _ := s.Confirm("u1", "first"); res != Rejected {
		t.Fatalf("expected old code rejected, got %v", res)
	}
	res, addr := s.Confirm("u1", "second")
	if res != Accepted || addr != "b@stud.example.de" {
		t.Fatalf("expected latest code accepted, got %v %q", res, addr)
	}
}

func TestSessionsExpiry(t *testing.T) {
	s := NewSessions(10 * time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Begin("u1", "code-a", "a@stud.example.de")

	now = now.Add(9 * time.Minute)
	if res, _ := s.Confirm("u1", "code-a"); res != Accepted {
		t.Fatalf("expected code valid before TTL, got %v", res)
	}

	now = now.Add(2 * time.Minute)
	if res, _ := s.Confirm("u1", "code-a"); res != NoSession {
		t.Fatalf("expected NoSession after TTL, got %v", res)
	}
}

func TestSessionsSweep(t *testing.T) {
	s := NewSessions(10 * time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Begin("u1", "a", "a@stud.example.de")
	s.Begin("u2", "b", "b@stud.example.de")
	now = now.Add(11 * time.Minute)
	s.Begin("u3", "c", "c@stud.example.de")

	if removed := s.sweep(); removed != 2 {
		t.Fatalf("expected 2 expired sessions swept, got %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 session left, got %d", s.Len())
	}
}
