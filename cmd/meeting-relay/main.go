package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/bt-bridge/meeting-relay"
	"github.com/bt-bridge/meeting-relay/auth"
	"github.com/bt-bridge/meeting-relay/functions"
	"github.com/bt-bridge/meeting-relay/server"
	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bt-bridge/meeting-relay/store"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := server.Load(*configPath)
	if err != nil {
		shared.NewStdLogger().Error("loading configuration", err)
		os.Exit(1)
	}

	var logger shared.LoggerAdapter
	if cfg.Log.File != "" {
		logger = shared.NewFileLogger(
			cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress,
		)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "meeting-relay"),
		zap.String("version", shared.Version),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			logger.Error("migrating database", err)
			os.Exit(1)
		}
	}
	st, err := store.Open(ctx, logger, cfg.Database.URL)
	if err != nil {
		logger.Error("opening store", err)
		os.Exit(1)
	}
	defer st.Close()

	gate, err := auth.NewGate(logger, cfg.Auth.JWTSecret, cfg.Auth.IntrospectURL, cfg.Auth.Timeout)
	if err != nil {
		logger.Error("creating auth gate", err)
		os.Exit(1)
	}

	executor, err := functions.NewExecutor(logger)
	if err != nil {
		logger.Error("creating executor", err)
		os.Exit(1)
	}
	if err := functions.RegisterBuiltins(executor, st); err != nil {
		logger.Error("registering built-in functions", err)
		os.Exit(1)
	}

	upstreamURL, err := upstreamEndpoint(cfg.Upstream.URL, cfg.Upstream.Model)
	if err != nil {
		logger.Error("building upstream URL", err)
		os.Exit(1)
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Model: cfg.Upstream.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				Format: realtime.RealtimeAudioFormatsUnionParam{
					OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
						Rate: 24000,
						Type: "audio/pcm",
					},
				},
				Transcription: realtime.AudioTranscriptionParam{
					Model: realtime.AudioTranscriptionModel("whisper-1"),
				},
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: realtime.RealtimeAudioFormatsUnionParam{
					OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
						Rate: 24000,
						Type: "audio/pcm",
					},
				},
				Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.Upstream.Voice),
			},
		},
	}
	if cfg.Upstream.Instructions != "" {
		session.Instructions = param.NewOpt(cfg.Upstream.Instructions)
	}
	dialer := relay.NewUpstreamDialer(logger, relay.UpstreamConfig{
		URL:     upstreamURL,
		APIKey:  cfg.Upstream.APIKey,
		Session: session,
		Tools:   executor.Definitions(),
	})

	orch, err := relay.NewOrchestrator(
		logger, executor, dialer,
		cfg.Session.ConnectTimeout, cfg.Session.GraceTimeout,
	)
	if err != nil {
		logger.Error("creating orchestrator", err)
		os.Exit(1)
	}

	srv, err := server.New(logger, gate, orch)
	if err != nil {
		logger.Error("creating server", err)
		os.Exit(1)
	}
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errC <- httpServer.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", err)
			os.Exit(1)
		}
	case <-sig:
		logger.Info("shutting down...")
		srv.SetDraining()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.WaitLiveSessions(shutdownCtx); err != nil {
			logger.Warn("live sessions did not drain in time", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down HTTP server", err)
		}
		logger.Info("shutdown complete")
	}
}

// upstreamEndpoint appends the model selector to the configured realtime URL.
func upstreamEndpoint(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
