package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "go.yaml.in/yaml/v3"
)

// Config is the full on-disk configuration. Decoding is strict: unknown
// keys are an error so typos surface at startup instead of silently
// disabling a worker.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	DB    DBConfig    `yaml:"db"`
	Guild GuildConfig `yaml:"guild"`

	Mealplan  MealplanConfig  `yaml:"mealplan"`
	RSS       RSSConfig       `yaml:"rss"`
	XP        XPConfig        `yaml:"xp"`
	Voice     VoiceConfig     `yaml:"voice"`
	Verify    VerifyConfig    `yaml:"verify"`
	Mail      MailConfig      `yaml:"mail"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type GuildConfig struct {
	ID string `yaml:"id"`
	// Prefix is the text-command prefix; messages starting with it never
	// earn XP.
	Prefix string `yaml:"prefix"`
}

type MealplanConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// PostOnDay is the weekday name ("Monday" .. "Sunday").
	PostOnDay  string `yaml:"post_on_day"`
	PostAtHour int    `yaml:"post_at_hour"`
	ChannelID  string `yaml:"channel_id"`
	// NotifyRoleID is mentioned on every mealplan post.
	NotifyRoleID string `yaml:"notify_role_id"`
}

type RSSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CheckInterval string `yaml:"check_interval"`
	// Feeds maps a destination channel id to the feed URL synced into it.
	Feeds map[string]string `yaml:"feeds"`
}

type XPConfig struct {
	ScalingFactor float64 `yaml:"scaling_factor"`
	CharsPerPoint int     `yaml:"chars_per_point"`
	ChannelID     string  `yaml:"channel_id"`
}

type VoiceConfig struct {
	// LobbyName is the name of the voice channel that spawns private rooms.
	LobbyName string `yaml:"lobby_name"`
}

type VerifyConfig struct {
	// MailSuffix is the required student address suffix, including the "@".
	MailSuffix     string `yaml:"mail_suffix"`
	VerifiedRoleID string `yaml:"verified_role_id"`
	SessionTTL     string `yaml:"session_ttl"`
}

type MailConfig struct {
	QueueSize int    `yaml:"queue_size"`
	SendPause string `yaml:"send_pause"`
	SMTPPort  int    `yaml:"smtp_port"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Org      string `yaml:"org"`
	Bucket   string `yaml:"bucket"`
	Interval string `yaml:"interval"`
}

// Secrets are never read from the config file. They come from the process
// environment (optionally seeded from a .env file by the caller).
type Secrets struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	SMTPServer   string `env:"SMTP_SERVER"`
	MailUsername string `env:"MAIL_USERNAME"`
	MailPassword string `env:"MAIL_PASSWORD"`
	MailFrom     string `env:"SEND_FROM_ADDRESS"`
	InfluxToken  string `env:"INFLUXDB_TOKEN"`
}

// Load reads and strictly decodes the YAML config at path, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadSecrets parses required credentials from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = "data/faculty.db"
	}
	if c.Guild.Prefix == "" {
		c.Guild.Prefix = "&"
	}
	if c.RSS.CheckInterval == "" {
		c.RSS.CheckInterval = "2h"
	}
	if c.XP.CharsPerPoint <= 0 {
		c.XP.CharsPerPoint = 100
	}
	if c.Voice.LobbyName == "" {
		c.Voice.LobbyName = "Create Channel"
	}
	if c.Verify.MailSuffix == "" {
		c.Verify.MailSuffix = "@stud.hs-kempten.de"
	}
	if c.Verify.SessionTTL == "" {
		c.Verify.SessionTTL = "15m"
	}
	if c.Mail.QueueSize <= 0 {
		c.Mail.QueueSize = 100
	}
	if c.Mail.SendPause == "" {
		c.Mail.SendPause = "5s"
	}
	if c.Mail.SMTPPort <= 0 {
		c.Mail.SMTPPort = 587
	}
	if c.Telemetry.Interval == "" {
		c.Telemetry.Interval = "60s"
	}
}

func (c *Config) validate() error {
	if c.Mealplan.Enabled {
		if c.Mealplan.URL == "" {
			return errors.New("mealplan.url is required when mealplan is enabled")
		}
		if c.Mealplan.ChannelID == "" {
			return errors.New("mealplan.channel_id is required when mealplan is enabled")
		}
		if _, err := ParseWeekday(c.Mealplan.PostOnDay); err != nil {
			return err
		}
		if c.Mealplan.PostAtHour < 0 || c.Mealplan.PostAtHour > 23 {
			return fmt.Errorf("mealplan.post_at_hour %d out of range", c.Mealplan.PostAtHour)
		}
	}
	if c.RSS.Enabled && len(c.RSS.Feeds) == 0 {
		return errors.New("rss.feeds must not be empty when rss is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.URL == "" {
		return errors.New("telemetry.url is required when telemetry is enabled")
	}
	for _, field := range []struct {
		path, raw string
	}{
		{"rss.check_interval", c.RSS.CheckInterval},
		{"verify.session_ttl", c.Verify.SessionTTL},
		{"mail.send_pause", c.Mail.SendPause},
		{"telemetry.interval", c.Telemetry.Interval},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	return nil
}

// RSSInterval returns the parsed feed poll interval.
func (c *Config) RSSInterval() time.Duration {
	d, _ := ParseDurationOrDefault("rss.check_interval", c.RSS.CheckInterval, 2*time.Hour)
	return d
}

// SessionTTL returns the parsed pending-verification lifetime.
func (c *Config) SessionTTL() time.Duration {
	d, _ := ParseDurationOrDefault("verify.session_ttl", c.Verify.SessionTTL, 15*time.Minute)
	return d
}

// SendPause returns the parsed pause between outbound mails.
func (c *Config) SendPause() time.Duration {
	d, _ := ParseDurationOrDefault("mail.send_pause", c.Mail.SendPause, 5*time.Second)
	return d
}

// TelemetryInterval returns the parsed sampling interval.
func (c *Config) TelemetryInterval() time.Duration {
	d, _ := ParseDurationOrDefault("telemetry.interval", c.Telemetry.Interval, time.Minute)
	return d
}

// ParseWeekday maps an English weekday name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(name, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("mealplan.post_on_day: unknown weekday %q", name)
}
