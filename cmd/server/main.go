package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voxturn/internal/bargein"
	"github.com/chadiek/voxturn/internal/config"
	"github.com/chadiek/voxturn/internal/llm"
	"github.com/chadiek/voxturn/internal/router"
	"github.com/chadiek/voxturn/internal/session"
	"github.com/chadiek/voxturn/internal/store"
	"github.com/chadiek/voxturn/internal/transport"
	"github.com/chadiek/voxturn/internal/tts"
	"github.com/chadiek/voxturn/internal/turntaking"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.New(ctx, cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)
	cancel()
	if err != nil {
		logger.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessions := session.New(st, cfg.IdleTimeout, cfg.MaxSessionDuration)

	llmClient := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)

	var synth tts.Synthesizer
	if cfg.ElevenLabsKey != "" {
		synth = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	} else {
		synth = tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	}

	mux := http.NewServeMux()
	transport.New(mux, transport.Deps{
		Sessions:      sessions,
		Store:         st,
		LLM:           llmClient,
		TTS:           synth,
		AssemblyAIKey: cfg.AssemblyAIKey,
		TurnTiming: turntaking.Config{
			CandidateEndMs:   cfg.TurnTiming.CandidateEndMs,
			FinalEndMs:       cfg.TurnTiming.FinalEndMs,
			MinSpeechMs:      cfg.TurnTiming.MinSpeechMs,
			NudgeMs:          cfg.TurnTiming.NudgeMs,
			IncompleteWaitMs: cfg.TurnTiming.IncompleteWaitMs,
			ComfortWaitMs:    cfg.TurnTiming.ComfortWaitMs,
		},
		BargeIn: bargein.Config{
			FrameThreshold: cfg.TurnTiming.BargeInFrames,
			ProbThreshold:  cfg.TurnTiming.BargeInProbThresh,
			SampleRate:     16000,
		},
		Thresholds:  router.DefaultThresholds(),
		MaxDuration: cfg.MaxSessionDuration,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go runIdleSweep(sessions)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("address", cfg.HTTPAddress))
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
		_ = server.Close()
	}
}

// runIdleSweep periodically marks idle sessions and closes sessions that hit
// their max duration, mirroring the background cleanup loop the session
// manager this was distilled from runs on a timer.
func runIdleSweep(sessions *session.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sessions.SweepIdleAndExpired(ctx); err != nil {
			slog.Warn("idle sweep failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}
