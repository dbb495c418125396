// Package mensa posts the weekly cafeteria plan. The publish moment is
// computed as an explicit next-fire time from a cron schedule; the
// per-date posted flag in the store makes the publish idempotent across
// ticks and restarts.
package mensa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rndrmu/faculty-bot/internal/storage"
)

const dateFormat = "2006-01-02"

// Poster publishes the rendered plan to the chat platform.
type Poster interface {
	PostMealplan(ctx context.Context, channelID, notifyRoleID string, png []byte) (messageID string, err error)
	Crosspost(ctx context.Context, channelID, messageID string) error
}

// Renderer converts the fetched plan document into a postable image.
type Renderer interface {
	PDFToPNG(ctx context.Context, pdf []byte) ([]byte, error)
}

type Publisher struct {
	store  *storage.Store
	poster Poster
	render Renderer
	client *http.Client

	url          string
	channelID    string
	notifyRoleID string
	day          time.Weekday
	hour         int

	now        func() time.Time
	retryPause time.Duration
	log        zerolog.Logger
}

func NewPublisher(store *storage.Store, poster Poster, render Renderer, url, channelID, notifyRoleID string, day time.Weekday, hour int, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:        store,
		poster:       poster,
		render:       render,
		client:       &http.Client{Timeout: 30 * time.Second},
		url:          url,
		channelID:    channelID,
		notifyRoleID: notifyRoleID,
		day:          day,
		hour:         hour,
		now:          time.Now,
		retryPause:   5 * time.Minute,
		log:          log.With().Str("component", "mensa").Logger(),
	}
}

// Run publishes once per scheduled weekday and hour. The whole hour is a
// publication window: a restart inside it or a transient publish failure
// retries after a short pause instead of waiting a week, with the posted
// flag guarding against doubles. Only cancellation ends the loop.
func (p *Publisher) Run(ctx context.Context) error {
	sched, err := cron.ParseStandard(fmt.Sprintf("0 %d * * %d", p.hour, int(p.day)))
	if err != nil {
		return fmt.Errorf("mensa schedule: %w", err)
	}
	for {
		if p.inWindow(p.now()) {
			if err := p.PublishDue(ctx); err != nil {
				p.log.Error().Err(err).Msg("mealplan publish failed, retrying")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.retryPause):
				}
				continue
			}
		}
		next := sched.Next(p.now())
		p.log.Info().Time("next", next).Msg("mealplan publication scheduled")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(p.now())):
		}
	}
}

// inWindow reports whether t falls inside the publication hour.
func (p *Publisher) inWindow(t time.Time) bool {
	return t.Weekday() == p.day && t.Hour() == p.hour
}

// PublishDue publishes today's plan unless it was already posted today.
func (p *Publisher) PublishDue(ctx context.Context) error {
	today := p.now().Format(dateFormat)
	posted, err := p.store.MealplanPosted(ctx, today)
	if err != nil {
		return fmt.Errorf("mealplan posted lookup: %w", err)
	}
	if posted {
		p.log.Info().Str("date", today).Msg("mealplan already posted today")
		return nil
	}

	pdf, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	png, err := p.render.PDFToPNG(ctx, pdf)
	if err != nil {
		return err
	}

	msgID, err := p.poster.PostMealplan(ctx, p.channelID, p.notifyRoleID, png)
	if err != nil {
		return fmt.Errorf("post mealplan: %w", err)
	}
	if err := p.store.MarkMealplanPosted(ctx, today); err != nil {
		return fmt.Errorf("mark mealplan posted: %w", err)
	}

	// Cross-posting is best effort: a failure must not fail the publish.
	if err := p.poster.Crosspost(ctx, p.channelID, msgID); err != nil {
		p.log.Error().Err(err).Msg("mealplan crosspost failed")
	}
	p.log.Info().Str("date", today).Str("message_id", msgID).Msg("mealplan posted")
	return nil
}

func (p *Publisher) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch mealplan: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch mealplan: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mealplan: %w", err)
	}
	return body, nil
}
