// Command live-tender is the recording orchestration service. It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Connects to Postgres, runs versioned migrations and recovers interrupted work.
//   - Receives Twitch EventSub notifications and captures matching live streams with
//     yt-dlp and ffmpeg, recording chat and uploading to YouTube when enabled.
//   - Keeps OAuth tokens fresh and enforces the retention policy.
//   - Serves the HTTP API (/webhooks/twitch, /jobs, /admin, /auth, /healthz, /metrics).
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/crypto"
	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/fetchcache"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/oauth"
	"github.com/onnwee/live-tender/postprocess"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/stream"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/webhook"
	"github.com/onnwee/live-tender/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("live-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	if err := run(cfg); err != nil {
		slog.Error("exiting", slog.Any("err", err))
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(format)))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		return err
	}
	keys, err := crypto.KeyringFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	store := db.NewStore(database, keys)

	// Jobs
	locker, err := jobs.NewFileLocker(cfg.LockDir)
	if err != nil {
		return err
	}
	manager := jobs.NewManager(store, jobs.Options{Workers: cfg.JobWorkers, QueueDepth: cfg.JobQueueDepth, Locker: locker})
	registry := jobs.NewRegistry(manager)

	// Twitch
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{
		AppTokenSource: appTokens,
		ClientID:       cfg.TwitchClientID,
		UserToken: func(ctx context.Context) (string, error) {
			at, _, _, _, err := store.GetOAuthToken(ctx, "twitch")
			return at, err
		},
	}

	// Capture
	processor := &postprocess.Processor{
		FFprobe:     cfg.FFprobePath,
		FFmpeg:      cfg.FFmpegPath,
		ProbeRunner: capture.ProbeRunner{},
		Store:       store,
		ThumbnailAt: cfg.ThumbnailAt,
	}
	rec := &recorder.Recorder{
		Store:  store,
		Cache:  fetchcache.New(store, fetchcache.WithTTL(cfg.FetchCacheTTL)),
		Poller: stream.NewPoller(stream.HelixFetcher{Client: helix}, cfg.PollAttempts, cfg.PollDelay),
		Prober: capture.YTDLPProber{Binary: cfg.YTDLPPath, Runner: capture.ProbeRunner{}},
		Pipeline: &capture.Pipeline{
			YTDLP:    cfg.YTDLPPath,
			FFmpeg:   cfg.FFmpegPath,
			Finisher: processor,
			Slots:    capture.NewSlots(cfg.MaxConcurrentCaptures),
		},
		Jobs:        registry,
		Follows:     helix,
		ActorID:     cfg.ActorID,
		DataDir:     cfg.DataDir,
		AudioRate:   cfg.AudioSampleRate,
		CallbackURL: cfg.EventSubCallbackURL,
		Secret:      cfg.EventSubSecret,
	}
	if cfg.ChatCapture {
		rec.Chat = &chat.Recorder{Sink: store, Username: cfg.ChatBotUsername, OAuthToken: cfg.ChatOAuthToken}
	}
	var yt *youtubeapi.Service
	if cfg.YTClientID != "" {
		yt = youtubeapi.New(cfg, store)
		if cfg.UploadYouTube {
			rec.Uploader = yt
		}
	}
	if err := rec.RegisterHandlers(processor); err != nil {
		return err
	}

	if err := rec.Recover(ctx); err != nil {
		return err
	}
	if n := recorder.CleanupWorkingFiles(cfg.DataDir, time.Hour); n > 0 {
		slog.Info("removed stale working files", slog.Int("count", n))
	}

	// Webhook
	var webhookHandler http.Handler
	queue := webhook.NewQueue(cfg.WebhookQueueCapacity, cfg.WebhookBacklog)
	if err := cfg.ValidateWebhookReady(); err != nil {
		slog.Warn("eventsub webhook disabled", slog.Any("err", err))
	} else {
		webhookHandler = webhook.NewVerifier(cfg.EventSubSecret).Middleware(webhook.NewHandler(queue, store))
	}

	opts := server.Options{Webhook: webhookHandler}
	if yt != nil {
		opts.YouTube = yt
	}
	router := server.NewRouter(ctx, server.NewHandlers(cfg, store, rec, manager, opts))

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)
	queue.Start(gctx, (&webhook.Processor{Dispatcher: rec}).Process)
	g.Go(func() error {
		manager.Wait()
		return nil
	})
	g.Go(func() error {
		queue.Wait()
		return nil
	})
	g.Go(func() error {
		(&recorder.Retention{Store: store, Policy: recorder.RetentionPolicy{
			KeepDays:  cfg.RetentionKeepDays,
			KeepCount: cfg.RetentionKeepCount,
			DryRun:    cfg.RetentionDryRun,
			Interval:  cfg.RetentionInterval,
		}}).Run(gctx)
		return nil
	})
	g.Go(func() error {
		(&oauth.Refresher{Store: store, Provider: "twitch", Interval: 5 * time.Minute, Window: 15 * time.Minute,
			Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				res, err := twitchapi.RefreshToken(rctx, nil, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return res.AccessToken, res.RefreshToken, res.Expiry, strings.Join(res.Scopes, " "), nil
			}}).Run(gctx)
		return nil
	})
	if yt != nil {
		g.Go(func() error {
			(&oauth.Refresher{Store: store, Provider: "youtube", Interval: 10 * time.Minute, Window: 20 * time.Minute, Refresh: yt.RefreshToken}).Run(gctx)
			return nil
		})
	}
	if cfg.ActorID != "" {
		g.Go(func() error {
			if _, err := rec.SyncFollowed(gctx); err != nil {
				slog.Warn("initial follow sync failed", slog.Any("err", err))
			}
			return nil
		})
	}
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}
	g.Go(func() error { return server.Start(gctx, router, cfg.HTTPAddr) })

	err = g.Wait()
	slog.Info("shut down")
	return err
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
