package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/levels"
	"github.com/rndrmu/faculty-bot/internal/voicerooms"
)

const handlerTimeout = 30 * time.Second

// BindHandlers attaches the event-driven workers to the gateway event
// stream. discordgo dispatches each handler on its own goroutine, so a
// slow handler never stalls the stream.
func BindHandlers(s *discordgo.Session, xp *levels.Handler, rooms *voicerooms.Manager, log zerolog.Logger) {
	log = log.With().Str("component", "events").Logger()

	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		err := xp.HandleMessage(ctx, levels.Message{
			UserID:      m.Author.ID,
			DisplayName: displayName(m.Member, m.Author),
			Content:     m.Content,
			FromBot:     m.Author.Bot,
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", m.Author.ID).Msg("message handler failed")
		}
	})

	s.AddHandler(func(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		move := voicerooms.MoveEvent{
			GuildID:   ev.GuildID,
			UserID:    ev.UserID,
			NewRoomID: ev.ChannelID,
		}
		if ev.BeforeUpdate != nil {
			move.OldRoomID = ev.BeforeUpdate.ChannelID
		}
		if ev.Member != nil {
			move.DisplayName = displayName(ev.Member, ev.Member.User)
		}
		if err := rooms.HandleMove(ctx, move); err != nil {
			log.Error().Err(err).Str("user_id", ev.UserID).Msg("voice handler failed")
		}
	})
}

func displayName(m *discordgo.Member, u *discordgo.User) string {
	if m != nil && m.Nick != "" {
		return m.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
