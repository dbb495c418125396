// Package voicerooms spawns a private temporary voice room for anyone who
// joins the lobby channel and tears rooms down once they empty out.
package voicerooms

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

// Platform is the slice of chat-platform surface the manager needs.
type Platform interface {
	// ChannelInfo returns a channel's display name and parent category id.
	ChannelInfo(ctx context.Context, channelID string) (name, parentID string, err error)
	RoomEmpty(ctx context.Context, guildID, channelID string) (bool, error)
	CreateVoiceRoom(ctx context.Context, guildID, name, parentID, ownerID string) (roomID string, err error)
	DeleteRoom(ctx context.Context, roomID string) error
	MoveMember(ctx context.Context, guildID, userID, roomID string) error
}

// MoveEvent describes a member moving between voice rooms. Empty room ids
// mean "not in a voice room".
type MoveEvent struct {
	GuildID     string
	UserID      string
	DisplayName string
	OldRoomID   string
	NewRoomID   string
}

type Manager struct {
	store     *storage.Store
	platform  Platform
	lobbyName string
	log       zerolog.Logger
}

func NewManager(store *storage.Store, platform Platform, lobbyName string, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		platform:  platform,
		lobbyName: lobbyName,
		log:       log.With().Str("component", "voicerooms").Logger(),
	}
}

// HandleMove runs the vacate and spawn checks for one move event. The two
// checks are independent: a member can vacate one temporary room and enter
// the lobby in the same event.
func (m *Manager) HandleMove(ctx context.Context, ev MoveEvent) error {
	if ev.OldRoomID == ev.NewRoomID {
		return nil
	}
	if err := m.vacateCheck(ctx, ev); err != nil {
		m.log.Error().Err(err).Str("room_id", ev.OldRoomID).Msg("vacate check failed")
	}
	if err := m.spawnCheck(ctx, ev); err != nil {
		return err
	}
	return nil
}

// vacateCheck deletes the room the member left if it is a tracked
// temporary room that is now empty. The lobby is never deleted.
func (m *Manager) vacateCheck(ctx context.Context, ev MoveEvent) error {
	if ev.OldRoomID == "" {
		return nil
	}
	tracked, err := m.store.IsVoiceRoom(ctx, ev.OldRoomID)
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if !tracked {
		return nil
	}
	name, _, err := m.platform.ChannelInfo(ctx, ev.OldRoomID)
	if err != nil {
		return fmt.Errorf("channel info: %w", err)
	}
	if name == m.lobbyName {
		return nil
	}
	empty, err := m.platform.RoomEmpty(ctx, ev.GuildID, ev.OldRoomID)
	if err != nil {
		return fmt.Errorf("occupancy check: %w", err)
	}
	if !empty {
		return nil
	}
	if err := m.platform.DeleteRoom(ctx, ev.OldRoomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if err := m.store.DeleteVoiceRoom(ctx, ev.OldRoomID); err != nil {
		return fmt.Errorf("delete room record: %w", err)
	}
	m.log.Info().Str("room_id", ev.OldRoomID).Msg("temporary room deleted")
	return nil
}

// spawnCheck creates a private room when the member entered the lobby and
// moves them into it.
func (m *Manager) spawnCheck(ctx context.Context, ev MoveEvent) error {
	if ev.NewRoomID == "" {
		return nil
	}
	name, parentID, err := m.platform.ChannelInfo(ctx, ev.NewRoomID)
	if err != nil {
		return fmt.Errorf("channel info: %w", err)
	}
	if name != m.lobbyName {
		return nil
	}

	roomName := fmt.Sprintf("🔊 %s's Channel", ev.DisplayName)
	roomID, err := m.platform.CreateVoiceRoom(ctx, ev.GuildID, roomName, parentID, ev.UserID)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if err := m.store.InsertVoiceRoom(ctx, roomID, ev.UserID); err != nil {
		return fmt.Errorf("persist room: %w", err)
	}
	if err := m.platform.MoveMember(ctx, ev.GuildID, ev.UserID, roomID); err != nil {
		return fmt.Errorf("move member: %w", err)
	}
	m.log.Info().Str("room_id", roomID).Str("owner_id", ev.UserID).Msg("temporary room created")
	return nil
}
