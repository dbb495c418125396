package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrAlreadyVerified is returned when a verified identity row already
// exists for the user or the address. Verification is insert-only.
var ErrAlreadyVerified = errors.New("storage: already verified")

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the bootstrap DDL. Pass ":memory:" for tests.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log.With().Str("component", "storage").Logger()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- user_xp ----

type UserProgress struct {
	UserID string
	XP     float64
	Level  int
}

// GetUser returns the progress row for a user, reporting whether one exists.
func (s *Store) GetUser(ctx context.Context, userID string) (UserProgress, bool, error) {
	var u UserProgress
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, xp, level FROM user_xp WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &u.XP, &u.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return UserProgress{UserID: userID}, false, nil
	}
	if err != nil {
		return UserProgress{}, false, err
	}
	return u, true, nil
}

// AddXP accrues delta onto the user's score in a single upsert so that
// concurrent messages from the same user cannot lose an update. It returns
// the score and level after the accrual.
func (s *Store) AddXP(ctx context.Context, userID string, delta float64) (UserProgress, error) {
	var u UserProgress
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_xp (user_id, xp) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET xp = xp + excluded.xp
		 RETURNING user_id, xp, level`,
		userID, delta,
	).Scan(&u.UserID, &u.XP, &u.Level)
	if err != nil {
		return UserProgress{}, err
	}
	return u, nil
}

// PromoteLevel raises the user's level to newLevel and reports whether the
// row actually changed. The level guard makes the promotion fire at most
// once per crossing even when messages race.
func (s *Store) PromoteLevel(ctx context.Context, userID string, newLevel int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_xp SET level = ? WHERE user_id = ? AND level < ?`,
		newLevel, userID, newLevel,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TopUsers returns up to n users ordered by score, highest first.
func (s *Store) TopUsers(ctx context.Context, n int) ([]UserProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, xp, level FROM user_xp ORDER BY xp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserProgress
	for rows.Next() {
		var u UserProgress
		if err := rows.Scan(&u.UserID, &u.XP, &u.Level); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- verified_users ----

// InsertVerified records a verified identity. A pre-existing row for the
// user or the address blocks re-verification.
func (s *Store) InsertVerified(ctx context.Context, userID, address string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verified_users (user_id, user_email) VALUES (?, ?)`,
		userID, address,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyVerified
	}
	return err
}

func (s *Store) IsVerified(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM verified_users WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AddressInUse(ctx context.Context, address string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM verified_users WHERE user_email = ?`, address).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ---- voice_channels ----

func (s *Store) InsertVoiceRoom(ctx context.Context, roomID, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_channels (channel_id, owner_id) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET owner_id = excluded.owner_id`,
		roomID, ownerID,
	)
	return err
}

func (s *Store) DeleteVoiceRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM voice_channels WHERE channel_id = ?`, roomID)
	return err
}

// IsVoiceRoom reports whether roomID is a tracked temporary room.
func (s *Store) IsVoiceRoom(ctx context.Context, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM voice_channels WHERE channel_id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ---- mensaplan ----

// MealplanPosted reports whether a plan was already posted on the given
// calendar date (formatted 2006-01-02).
func (s *Store) MealplanPosted(ctx context.Context, date string) (bool, error) {
	var posted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT posted FROM mensaplan WHERE date = ?`, date).Scan(&posted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return posted, nil
}

func (s *Store) MarkMealplanPosted(ctx context.Context, date string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mensaplan (date, posted) VALUES (?, 1)
		 ON CONFLICT(date) DO UPDATE SET posted = 1`,
		date,
	)
	return err
}

// ---- posted_rss ----

type FeedPost struct {
	Title     string
	ChannelID string
	MessageID string
}

func (s *Store) GetFeedPost(ctx context.Context, title, channelID string) (FeedPost, bool, error) {
	var p FeedPost
	err := s.db.QueryRowContext(ctx,
		`SELECT rss_title, channel_id, message_id FROM posted_rss
		 WHERE rss_title = ? AND channel_id = ?`,
		title, channelID,
	).Scan(&p.Title, &p.ChannelID, &p.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return FeedPost{}, false, nil
	}
	if err != nil {
		return FeedPost{}, false, err
	}
	return p, true, nil
}

func (s *Store) InsertFeedPost(ctx context.Context, p FeedPost) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posted_rss (rss_title, channel_id, message_id) VALUES (?, ?, ?)
		 ON CONFLICT(rss_title, channel_id) DO UPDATE SET message_id = excluded.message_id`,
		p.Title, p.ChannelID, p.MessageID,
	)
	return err
}

// UpdateFeedPostMessage repoints the stored platform message id after an
// item update was published.
func (s *Store) UpdateFeedPostMessage(ctx context.Context, title, channelID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posted_rss SET message_id = ? WHERE rss_title = ? AND channel_id = ?`,
		messageID, title, channelID,
	)
	return err
}
