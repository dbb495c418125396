// Package verify implements student-email verification: the pending
// session store and the request/confirm operations the command layer
// invokes.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/mail"
	"github.com/rndrmu/faculty-bot/internal/storage"
)

// Validation rejections, surfaced to the requester rather than logged as
// errors.
var (
	ErrInvalidAddress  = errors.New("verify: address does not match the student mail domain")
	ErrAddressInUse    = errors.New("verify: address already verified by another user")
	ErrAlreadyVerified = errors.New("verify: user is already verified")
)

// RoleGranter grants the verified role on the chat platform.
type RoleGranter interface {
	GrantRole(ctx context.Context, userID, roleID string) error
}

type Service struct {
	store    *storage.Store
	sessions *Sessions
	queue    *mail.Queue
	granter  RoleGranter

	mailSuffix     string
	verifiedRoleID string
	botName        string
	log            zerolog.Logger
}

func NewService(store *storage.Store, sessions *Sessions, queue *mail.Queue, granter RoleGranter, mailSuffix, verifiedRoleID string, log zerolog.Logger) *Service {
	return &Service{
		store:          store,
		sessions:       sessions,
		queue:          queue,
		granter:        granter,
		mailSuffix:     mailSuffix,
		verifiedRoleID: verifiedRoleID,
		botName:        "FacultyManager",
		log:            log.With().Str("component", "verify").Logger(),
	}
}

// Request validates the address, begins a pending session and enqueues the
// code email. A repeated request replaces the previous code.
func (s *Service) Request(ctx context.Context, userID, address string) error {
	if !strings.HasSuffix(address, s.mailSuffix) {
		return ErrInvalidAddress
	}
	inUse, err := s.store.AddressInUse(ctx, address)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	if inUse {
		return ErrAddressInUse
	}
	verified, err := s.store.IsVerified(ctx, userID)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	if verified {
		return ErrAlreadyVerified
	}

	code := GenerateCode()
	body, err := mail.RenderVerificationBody(s.botName, code)
	if err != nil {
		return fmt.Errorf("render verification mail: %w", err)
	}

	s.sessions.Begin(userID, code, address)
	if err := s.queue.Enqueue(ctx, mail.Email{To: address, UserID: userID, Code: code, Body: body}); err != nil {
		// Don't leave a code outstanding that was never mailed.
		s.sessions.Remove(userID)
		return fmt.Errorf("enqueue verification mail: %w", err)
	}
	s.log.Info().Str("user_id", userID).Msg("verification requested")
	return nil
}

// Confirm checks the submitted code. On acceptance it persists the
// verified identity, grants the verified role and consumes the session.
func (s *Service) Confirm(ctx context.Context, userID, code string) (ConfirmResult, error) {
	res, address := s.sessions.Confirm(userID, code)
	if res != Accepted {
		return res, nil
	}

	if err := s.store.InsertVerified(ctx, userID, address); err != nil {
		if errors.Is(err, storage.ErrAlreadyVerified) {
			s.sessions.Remove(userID)
			return res, ErrAlreadyVerified
		}
		return res, fmt.Errorf("persist verified identity: %w", err)
	}
	if err := s.granter.GrantRole(ctx, userID, s.verifiedRoleID); err != nil {
		// The identity is persisted; the role can be granted manually.
		s.log.Error().Err(err).Str("user_id", userID).Msg("verified role grant failed")
	}
	s.sessions.Remove(userID)
	s.log.Info().Str("user_id", userID).Msg("user verified")
	return Accepted, nil
}
