// Package mail owns outbound transactional email: a bounded in-process
// queue with a single paced consumer, and an SMTP sender behind it.
// Delivery is at-most-once; a failed send is logged and dropped.
package mail

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gomail "gopkg.in/gomail.v2"
)

// Email is a queue element. Body is already rendered HTML.
type Email struct {
	To     string
	UserID string
	Code   string
	Body   string
}

// Sender delivers a single email to the mail transport.
type Sender interface {
	Send(e Email) error
}

// SMTPSender sends via STARTTLS SMTP using gomail.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPSender) Send(e Email) error {
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.From, "FacultyManager"))
	m.SetHeader("To", e.To)
	m.SetHeader("Subject", "Verification Code")
	m.SetBody("text/html", e.Body)

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", e.To, err)
	}
	return nil
}

// Queue is the bounded dispatch queue. One consumer drains it with a fixed
// pause between sends to keep the mail provider request rate bounded.
type Queue struct {
	ch     chan Email
	sender Sender
	lim    *rate.Limiter
	log    zerolog.Logger
}

func NewQueue(sender Sender, capacity int, pause rate.Limit, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		ch:     make(chan Email, capacity),
		sender: sender,
		lim:    rate.NewLimiter(pause, 1),
		log:    log.With().Str("component", "mail").Logger(),
	}
}

// Enqueue hands an email to the consumer. It blocks only when the queue is
// at capacity, or returns early if ctx is canceled.
func (q *Queue) Enqueue(ctx context.Context, e Email) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of queued emails.
func (q *Queue) Len() int { return len(q.ch) }

// Run is the consumer loop. It has no terminal state other than ctx
// cancellation; transport failures are logged and the item is dropped.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info().Int("capacity", cap(q.ch)).Msg("mail consumer started")
	for {
		if err := q.lim.Wait(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-q.ch:
			if err := q.sender.Send(e); err != nil {
				q.log.Error().Err(err).Str("user_id", e.UserID).Msg("email send failed, dropping")
				continue
			}
			q.log.Info().Str("user_id", e.UserID).Msg("verification email sent")
		}
	}
}
