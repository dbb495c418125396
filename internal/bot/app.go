// Package bot assembles the background core: the shared store, the
// platform client, and one supervised task per worker loop. The command
// layer reaches the core through the accessors on App.
package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/coreos/go-systemd/v22/daemon"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rndrmu/faculty-bot/internal/config"
	"github.com/rndrmu/faculty-bot/internal/discord"
	"github.com/rndrmu/faculty-bot/internal/feedsync"
	"github.com/rndrmu/faculty-bot/internal/levels"
	"github.com/rndrmu/faculty-bot/internal/mail"
	"github.com/rndrmu/faculty-bot/internal/mensa"
	"github.com/rndrmu/faculty-bot/internal/render"
	"github.com/rndrmu/faculty-bot/internal/runtime/supervisor"
	"github.com/rndrmu/faculty-bot/internal/storage"
	"github.com/rndrmu/faculty-bot/internal/telemetry"
	"github.com/rndrmu/faculty-bot/internal/verify"
	"github.com/rndrmu/faculty-bot/internal/voicerooms"
	"github.com/rndrmu/faculty-bot/pkg/logx"
)

const (
	bannerPath = "images/banner.png"
	fontPath   = "images/Roboto-Bold.ttf"
)

type App struct {
	cfgPath string
	mgr     *config.Manager
	secrets config.Secrets
	log     zerolog.Logger

	store   *storage.Store
	session *discordgo.Session
	client  *discord.Client
	influx  influxdb2.Client

	conv     *render.Converter
	queue    *mail.Queue
	sessions *verify.Sessions
	verify   *verify.Service
	xp       *levels.Handler
	rooms    *voicerooms.Manager

	sup *supervisor.Supervisor
}

func New(cfgPath string, log zerolog.Logger) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	log = log.Level(logx.ParseLevel(cfg.Log.Level, log.GetLevel()))

	store, err := storage.Open(cfg.DB.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	session, err := discordgo.New("Bot " + secrets.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentMessageContent

	client := discord.NewClient(session, cfg.Guild.ID, log)
	conv := &render.Converter{BannerPath: bannerPath, FontPath: fontPath}

	sender := &mail.SMTPSender{
		Host:     secrets.SMTPServer,
		Port:     cfg.Mail.SMTPPort,
		Username: secrets.MailUsername,
		Password: secrets.MailPassword,
		From:     secrets.MailFrom,
	}
	queue := mail.NewQueue(sender, cfg.Mail.QueueSize, rate.Every(cfg.SendPause()), log)
	sessions := verify.NewSessions(cfg.SessionTTL())

	app := &App{
		cfgPath:  cfgPath,
		mgr:      config.NewManager(cfgPath, cfg, log),
		secrets:  secrets,
		log:      log,
		store:    store,
		session:  session,
		client:   client,
		conv:     conv,
		queue:    queue,
		sessions: sessions,
		verify: verify.NewService(store, sessions, queue, client,
			cfg.Verify.MailSuffix, cfg.Verify.VerifiedRoleID, log),
		xp: levels.NewHandler(store, client, conv,
			cfg.XP.ScalingFactor, cfg.XP.CharsPerPoint, cfg.XP.ChannelID, cfg.Guild.Prefix, log),
		rooms: voicerooms.NewManager(store, client, cfg.Voice.LobbyName, log),
	}
	if cfg.Telemetry.Enabled {
		app.influx = influxdb2.NewClient(cfg.Telemetry.URL, secrets.InfluxToken)
	}
	return app, nil
}

// Verify exposes the verification operations to the command layer.
func (a *App) Verify() *verify.Service { return a.verify }

// Levels exposes the XP read queries to the command layer.
func (a *App) Levels() *levels.Handler { return a.xp }

// Start opens the gateway connection and launches every worker under the
// supervisor.
func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Current()
	a.sup = supervisor.New(ctx, a.log)

	discord.BindHandlers(a.session, a.xp, a.rooms, a.log)
	a.session.AddHandlerOnce(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.log.Info().Str("user", r.User.Username).Msg("gateway ready")
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}

	a.sup.GoRestart("mail.consumer", a.queue.Run)
	a.sup.GoRestart("verify.sweeper", func(ctx context.Context) error {
		return a.sessions.RunSweeper(ctx, time.Hour)
	})
	a.sup.GoRestart("config.watch", a.mgr.Watch)

	if cfg.Mealplan.Enabled {
		day, err := config.ParseWeekday(cfg.Mealplan.PostOnDay)
		if err != nil {
			return err
		}
		pub := mensa.NewPublisher(a.store, a.client, a.conv,
			cfg.Mealplan.URL, cfg.Mealplan.ChannelID, cfg.Mealplan.NotifyRoleID,
			day, cfg.Mealplan.PostAtHour, a.log)
		a.sup.GoRestart("mensa.publisher", pub.Run)
	}
	if cfg.RSS.Enabled {
		sync := feedsync.New(a.store, a.client, a.mgr.Feeds, cfg.RSSInterval(), a.log)
		a.sup.GoRestart("feedsync", sync.Run)
	}
	if cfg.Telemetry.Enabled {
		write := a.influx.WriteAPIBlocking(cfg.Telemetry.Org, cfg.Telemetry.Bucket)
		sampler := telemetry.NewSampler(a.client, write, cfg.TelemetryInterval(), a.log)
		a.sup.GoRestart("telemetry.sampler", sampler.Run)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug().Err(err).Msg("sd_notify unavailable")
	}
	a.log.Info().Msg("faculty-bot started")
	return nil
}

// Stop winds the workers down, letting in-flight operations finish, then
// closes the gateway and the store.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.session.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info().Msg("faculty-bot stopped")
	return firstErr
}
