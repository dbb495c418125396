// Package discord adapts the chat-platform surface the workers need onto
// a discordgo session. All calls are fallible remote calls; callers log
// failures and keep their loops alive.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/feedsync"
)

const embedColor = 0xb00b69

// NotifyButtonID is the custom id of the mealplan notify button; the
// command layer grants the notify role when it is pressed.
const NotifyButtonID = "mensaplan_notify_button"

type Client struct {
	s       *discordgo.Session
	guildID string
	log     zerolog.Logger
}

func NewClient(s *discordgo.Session, guildID string, log zerolog.Logger) *Client {
	return &Client{s: s, guildID: guildID, log: log.With().Str("component", "discord").Logger()}
}

// HeartbeatLatency reports the gateway heartbeat latency of the active
// shard.
func (c *Client) HeartbeatLatency() time.Duration {
	return c.s.HeartbeatLatency()
}

// GrantRole adds a role to a guild member.
func (c *Client) GrantRole(ctx context.Context, userID, roleID string) error {
	return c.s.GuildMemberRoleAdd(c.guildID, userID, roleID, discordgo.WithContext(ctx))
}

// PostMealplan posts the rendered plan with the notify-role mention and
// the notify button.
func (c *Client) PostMealplan(ctx context.Context, channelID, notifyRoleID string, png []byte) (string, error) {
	msg, err := c.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: fmt.Sprintf("<@&%s>", notifyRoleID),
		Files: []*discordgo.File{{
			Name:        "mensaplan.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(png),
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Get Notified on new plans!",
					Style:    discordgo.PrimaryButton,
					CustomID: NotifyButtonID,
				},
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Crosspost re-broadcasts a message to followers of an announcement
// channel.
func (c *Client) Crosspost(ctx context.Context, channelID, messageID string) error {
	_, err := c.s.ChannelMessageCrosspost(channelID, messageID, discordgo.WithContext(ctx))
	return err
}

func feedEmbed(item feedsync.ItemPost) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       item.Title,
		URL:         item.Link,
		Description: item.Description,
		Timestamp:   item.Published.Format(time.RFC3339),
		Color:       embedColor,
	}
}

func feedComponents(link string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label: "Open in Browser",
				Style: discordgo.LinkButton,
				URL:   link,
			},
		}},
	}
}

// PostFeedItem publishes a new feed item.
func (c *Client) PostFeedItem(ctx context.Context, channelID string, item feedsync.ItemPost) (string, error) {
	msg, err := c.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    fmt.Sprintf("Neue Nachricht im Planungsportal · %s", item.Title),
		Embeds:     []*discordgo.MessageEmbed{feedEmbed(item)},
		Components: feedComponents(item.Link),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PostFeedUpdate publishes an updated item as a reply to the original
// post.
func (c *Client) PostFeedUpdate(ctx context.Context, channelID string, item feedsync.ItemPost, replyToID string) (string, error) {
	msg, err := c.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    fmt.Sprintf("Der letzte Post im Planungsportal wurde aktualisiert · %s", item.Title),
		Embeds:     []*discordgo.MessageEmbed{feedEmbed(item)},
		Components: feedComponents(item.Link),
		Reference: &discordgo.MessageReference{
			MessageID: replyToID,
			ChannelID: channelID,
			GuildID:   c.guildID,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// PostedItemTime reads the displayed timestamp of a previously published
// feed post. found is false when the message no longer exists.
func (c *Client) PostedItemTime(ctx context.Context, channelID, messageID string) (time.Time, bool, error) {
	msg, err := c.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		var rerr *discordgo.RESTError
		if errors.As(err, &rerr) && rerr.Message != nil && rerr.Message.Code == discordgo.ErrCodeUnknownMessage {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if len(msg.Embeds) == 0 || msg.Embeds[0].Timestamp == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, msg.Embeds[0].Timestamp)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse embed timestamp: %w", err)
	}
	return ts, true, nil
}

// SendLevelUp posts the congratulatory message, attaching the banner when
// one was rendered.
func (c *Client) SendLevelUp(ctx context.Context, channelID, userID string, level int, banner []byte) error {
	send := &discordgo.MessageSend{
		Content: fmt.Sprintf("congrats <@%s>! you've levelled up to %d!", userID, level),
	}
	if len(banner) > 0 {
		send.Files = []*discordgo.File{{
			Name:        "levelup.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(banner),
		}}
	}
	_, err := c.s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	return err
}

// ChannelInfo returns a channel's name and parent category, preferring the
// gateway state cache over a REST round trip.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (string, string, error) {
	if ch, err := c.s.State.Channel(channelID); err == nil {
		return ch.Name, ch.ParentID, nil
	}
	ch, err := c.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", "", err
	}
	return ch.Name, ch.ParentID, nil
}

// RoomEmpty reports whether no member currently occupies the voice room.
func (c *Client) RoomEmpty(ctx context.Context, guildID, channelID string) (bool, error) {
	guild, err := c.s.State.Guild(guildID)
	if err != nil {
		return false, fmt.Errorf("guild state: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID {
			return false, nil
		}
	}
	return true, nil
}

// CreateVoiceRoom creates a private voice room with a manage-channel
// overwrite for its owner.
func (c *Client) CreateVoiceRoom(ctx context.Context, guildID, name, parentID, ownerID string) (string, error) {
	ch, err := c.s.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildVoice,
		ParentID: parentID,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionManageChannels,
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.s.ChannelDelete(roomID, discordgo.WithContext(ctx))
	return err
}

func (c *Client) MoveMember(ctx context.Context, guildID, userID, roomID string) error {
	return c.s.GuildMemberMove(guildID, userID, &roomID, discordgo.WithContext(ctx))
}
