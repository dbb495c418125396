// Package levels accumulates per-user XP from chat activity and announces
// level-ups. A level is floor(xp/100); XP accrual is a single atomic
// upsert so concurrent messages never lose score.
package levels

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

const pointsPerLevel = 100.0

// Notifier posts the congratulatory level-up message.
type Notifier interface {
	SendLevelUp(ctx context.Context, channelID, userID string, level int, banner []byte) error
}

// Renderer draws the level-up banner image.
type Renderer interface {
	LevelUpBanner(ctx context.Context, displayName string, level int) ([]byte, error)
}

// Message is one inbound chat message.
type Message struct {
	UserID      string
	DisplayName string
	Content     string
	FromBot     bool
}

type Handler struct {
	store    *storage.Store
	notifier Notifier
	render   Renderer

	scalingFactor float64
	charsPerPoint int
	channelID     string
	prefix        string
	log           zerolog.Logger
}

func NewHandler(store *storage.Store, notifier Notifier, render Renderer, scalingFactor float64, charsPerPoint int, channelID, prefix string, log zerolog.Logger) *Handler {
	if charsPerPoint <= 0 {
		charsPerPoint = 100
	}
	return &Handler{
		store:         store,
		notifier:      notifier,
		render:        render,
		scalingFactor: scalingFactor,
		charsPerPoint: charsPerPoint,
		channelID:     channelID,
		prefix:        prefix,
		log:           log.With().Str("component", "levels").Logger(),
	}
}

// Gain returns the XP earned by a message of the given rune length at the
// given level. Earnings shrink logarithmically as the level grows; levels
// below 1 are clamped so the logarithm stays defined.
func (h *Handler) Gain(contentLen, level int) float64 {
	base := float64(contentLen) / float64(h.charsPerPoint)
	if level < 1 {
		level = 1
	}
	return base / (1 + h.scalingFactor*math.Log(float64(level)))
}

// HandleMessage accrues XP for one qualifying message and fires the
// level-up notification when the accrual crosses a level boundary.
// Bot senders and command invocations never qualify.
func (h *Handler) HandleMessage(ctx context.Context, msg Message) error {
	if msg.FromBot || (h.prefix != "" && strings.HasPrefix(msg.Content, h.prefix)) {
		return nil
	}

	user, _, err := h.store.GetUser(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("load user progress: %w", err)
	}
	gain := h.Gain(utf8.RuneCountInString(msg.Content), user.Level)

	updated, err := h.store.AddXP(ctx, msg.UserID, gain)
	if err != nil {
		return fmt.Errorf("accrue xp: %w", err)
	}
	h.log.Debug().Str("user_id", msg.UserID).Float64("xp", updated.XP).Int("level", updated.Level).Msg("xp accrued")

	newLevel := int(updated.XP / pointsPerLevel)
	if newLevel <= updated.Level {
		return nil
	}

	// The conditional promote decides who announces when messages race:
	// exactly one crossing fires the notification.
	promoted, err := h.store.PromoteLevel(ctx, msg.UserID, newLevel)
	if err != nil {
		return fmt.Errorf("promote level: %w", err)
	}
	if !promoted {
		return nil
	}

	banner, err := h.render.LevelUpBanner(ctx, msg.DisplayName, newLevel)
	if err != nil {
		// Announce anyway; the image is decoration.
		h.log.Error().Err(err).Msg("level-up banner render failed")
		banner = nil
	}
	if err := h.notifier.SendLevelUp(ctx, h.channelID, msg.UserID, newLevel, banner); err != nil {
		return fmt.Errorf("send level-up: %w", err)
	}
	h.log.Info().Str("user_id", msg.UserID).Int("level", newLevel).Msg("level up")
	return nil
}

// Top returns the highest-scored users, for the leaderboard command.
func (h *Handler) Top(ctx context.Context, n int) ([]storage.UserProgress, error) {
	return h.store.TopUsers(ctx, n)
}

// Stats returns one user's progress, reporting whether any exists yet.
func (h *Handler) Stats(ctx context.Context, userID string) (storage.UserProgress, bool, error) {
	return h.store.GetUser(ctx, userID)
}
