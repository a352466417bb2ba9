// Command imgrelay bridges Telegram, Imgur and IRC: images sent to the
// Telegram bot are rehosted on Imgur and announced in an IRC channel. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to IRC and registers the auth-code listener.
//   - Replays the unfinished image backlog, then polls Telegram for updates.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. Exit codes: 2 for unusable
// configuration, 3 when the IRC connection cannot be established.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codetalk/imgrelay/auth"
	"github.com/codetalk/imgrelay/config"
	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/imgur"
	ircclient "github.com/codetalk/imgrelay/irc"
	"github.com/codetalk/imgrelay/oauth"
	"github.com/codetalk/imgrelay/pipeline"
	"github.com/codetalk/imgrelay/server"
	"github.com/codetalk/imgrelay/telegram"
	"github.com/codetalk/imgrelay/telemetry"
	"github.com/codetalk/imgrelay/users"
)

const (
	exitConfig = 2
	exitIRC    = 3
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initLogger(lvl slog.Level, w io.Writer) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	configPath := flag.String("config", config.DefaultFile, "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "console log level (debug, info, warn, error); overrides LOG_LEVEL")
	flag.Parse()

	// Bootstrap logger from env/flag; reconfigured below once the config is read.
	levelSource := os.Getenv("LOG_LEVEL")
	if *logLevel != "" {
		levelSource = *logLevel
	}
	lvl := parseLevel(levelSource)
	initLogger(lvl, os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(exitConfig)
	}

	// Optional file sink: mirror log output to the configured path at the
	// configured level. The env level still applies when it is stricter.
	if cfg.Logging.Active {
		f, err := os.OpenFile(cfg.Logging.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("failed to open log file, logging to stdout only", slog.String("path", cfg.Logging.Path), slog.Any("err", err))
		} else {
			fileLvl := parseLevel(cfg.Logging.Level)
			if lvl > fileLvl {
				fileLvl = lvl
			}
			initLogger(fileLvl, io.MultiWriter(os.Stdout, f))
		}
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	shutdownTracing, err := telemetry.InitTracing("imgrelay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.Storage.Database)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := auth.NewRegistry()
	identities := users.NewStore(cfg.Storage.UserDatabase)

	irc := ircclient.New(cfg.IRC, registry)
	if err := irc.Connect(cfg.IRC.Host, cfg.IRC.Port); err != nil {
		slog.Error("irc connection failed", slog.Any("err", err))
		os.Exit(exitIRC)
	}
	if !irc.WaitConnected(cfg.ConnectTimeout()) {
		slog.Error("irc connection timed out", slog.String("host", cfg.IRC.Host), slog.Duration("timeout", cfg.ConnectTimeout()))
		os.Exit(exitIRC)
	}
	irc.Join()
	defer irc.Quit()
	slog.Info("irc connected", slog.String("host", cfg.IRC.Host), slog.String("channel", cfg.IRC.Channel), slog.String("nick", irc.Nick()))

	uploader := imgur.New(cfg, &db.TokenStoreAdapter{DB: database})
	oauth.StartRefresher(ctx, database, imgur.Provider, 10*time.Minute, 20*time.Minute, uploader.Refresh)

	bot, err := telegram.New(cfg)
	if err != nil {
		slog.Error("telegram bot init failed", slog.Any("err", err))
		os.Exit(1)
	}
	bot.Users = identities

	pipe := &pipeline.Pipeline{
		Cfg:       cfg,
		Users:     identities,
		Transport: bot,
		Uploader:  uploader,
		Announcer: irc,
		OpenStore: func() (pipeline.Store, error) { return db.OpenImageStore(cfg.Storage.Database) },
	}

	bot.OnImage = func(rec db.ImageRecord) { pipe.Spawn(ctx, rec) }
	bot.OnAuth = func(userID, chatID int64, sender string) {
		h := &auth.Handshake{
			Registry: registry,
			Users:    identities,
			Notify:   bot.ReplyFunc(chatID, 0),
			Announce: irc.Msg,
			UserID:   userID,
			Sender:   sender,
			BotNick:  irc.Nick(),
			Channel:  cfg.IRC.Channel,
			Host:     cfg.IRC.Host,
			Timeout:  cfg.AuthTimeout(),
		}
		go h.Run(ctx)
	}

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Drain the unfinished backlog before accepting new updates so replayed
	// announcements keep their historical order.
	if err := pipe.Replay(ctx); err != nil && ctx.Err() == nil {
		slog.Error("backlog replay failed", slog.Any("err", err))
	}

	bot.PollLoop(ctx)
	slog.Info("shutting down")
}
