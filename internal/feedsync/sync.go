// Package feedsync mirrors the university planning-portal feeds into chat
// channels: new items become posts, updated items become replies to the
// original post, and everything already in sync is left alone.
package feedsync

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

// Items published before the cutoff are ignored entirely. Guards against
// a feed re-listing its whole history and spamming the channel.
var cutoff = time.Date(2024, time.July, 11, 0, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

// cleanRE strips known feed boilerplate from item descriptions.
var cleanRE = regexp.MustCompile(`\\n(if wk med|all)`)

// ItemPost is the payload handed to the platform for one feed item.
type ItemPost struct {
	Title       string
	Link        string
	Description string
	Published   time.Time
}

// Poster publishes feed items to the chat platform.
type Poster interface {
	PostFeedItem(ctx context.Context, channelID string, item ItemPost) (messageID string, err error)
	// PostFeedUpdate publishes an updated item as a reply referencing the
	// original message.
	PostFeedUpdate(ctx context.Context, channelID string, item ItemPost, replyToID string) (messageID string, err error)
	// PostedItemTime returns the displayed timestamp of a previously
	// published item post. found is false when the message is gone.
	PostedItemTime(ctx context.Context, channelID, messageID string) (ts time.Time, found bool, err error)
}

type Synchronizer struct {
	store  *storage.Store
	poster Poster
	parser *gofeed.Parser
	policy *bluemonday.Policy

	// feeds returns the live destination→URL map so config reloads take
	// effect on the next pass.
	feeds    func() map[string]string
	interval time.Duration
	log      zerolog.Logger
}

func New(store *storage.Store, poster Poster, feeds func() map[string]string, interval time.Duration, log zerolog.Logger) *Synchronizer {
	parser := gofeed.NewParser()
	parser.UserAgent = "faculty-bot/1.0"
	return &Synchronizer{
		store:    store,
		poster:   poster,
		parser:   parser,
		policy:   bluemonday.StrictPolicy(),
		feeds:    feeds,
		interval: interval,
		log:      log.With().Str("component", "feedsync").Logger(),
	}
}

// Run polls all configured feeds once per interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.SyncAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SyncAll runs one pass over every (destination, source) pair. A failing
// pair is logged and skipped; the rest of the cycle continues.
func (s *Synchronizer) SyncAll(ctx context.Context) {
	for channelID, url := range s.feeds() {
		if err := s.syncFeed(ctx, channelID, url); err != nil {
			s.log.Error().Err(err).Str("channel_id", channelID).Str("url", url).Msg("feed pass failed")
		}
	}
}

func (s *Synchronizer) syncFeed(ctx context.Context, channelID, url string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	feed, err := s.parser.ParseURLWithContext(url, fetchCtx)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	s.log.Debug().Int("items", len(feed.Items)).Str("url", url).Msg("checking feed items")

	// Feed order is preserved within a pass.
	for _, item := range feed.Items {
		if item.PublishedParsed == nil || item.PublishedParsed.Before(cutoff) {
			continue
		}
		if err := s.syncItem(ctx, channelID, item); err != nil {
			s.log.Error().Err(err).Str("title", item.Title).Msg("feed item sync failed")
		}
	}
	return nil
}

func (s *Synchronizer) syncItem(ctx context.Context, channelID string, item *gofeed.Item) error {
	post := ItemPost{
		Title:       item.Title,
		Link:        item.Link,
		Description: s.clean(item.Description),
		Published:   *item.PublishedParsed,
	}

	existing, found, err := s.store.GetFeedPost(ctx, item.Title, channelID)
	if err != nil {
		return fmt.Errorf("feed post lookup: %w", err)
	}

	if !found {
		msgID, err := s.poster.PostFeedItem(ctx, channelID, post)
		if err != nil {
			return fmt.Errorf("post feed item: %w", err)
		}
		if err := s.store.InsertFeedPost(ctx, storage.FeedPost{
			Title: item.Title, ChannelID: channelID, MessageID: msgID,
		}); err != nil {
			return fmt.Errorf("persist feed post: %w", err)
		}
		s.log.Info().Str("title", item.Title).Str("channel_id", channelID).Msg("feed item posted")
		return nil
	}

	postedAt, ok, err := s.poster.PostedItemTime(ctx, channelID, existing.MessageID)
	if err != nil {
		return fmt.Errorf("read posted item: %w", err)
	}
	if !ok {
		// Original message was deleted; treat the item as in sync and keep
		// the record.
		return nil
	}
	// Strictly newer only: equal timestamps mean already synced.
	if !post.Published.After(postedAt) {
		return nil
	}

	msgID, err := s.poster.PostFeedUpdate(ctx, channelID, post, existing.MessageID)
	if err != nil {
		return fmt.Errorf("post feed update: %w", err)
	}
	if err := s.store.UpdateFeedPostMessage(ctx, item.Title, channelID, msgID); err != nil {
		return fmt.Errorf("repoint feed post: %w", err)
	}
	s.log.Info().Str("title", item.Title).Str("channel_id", channelID).Msg("feed item updated")
	return nil
}

// clean strips markup and known boilerplate from a description.
func (s *Synchronizer) clean(desc string) string {
	out := s.policy.Sanitize(desc)
	out = html.UnescapeString(out)
	out = cleanRE.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
