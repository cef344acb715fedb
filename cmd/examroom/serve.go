package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examroom/internal/exam"
	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/handler"
	appI18n "github.com/pavelanni/examroom/internal/i18n"
	"github.com/pavelanni/examroom/internal/llm"
	"github.com/pavelanni/examroom/internal/llm/prompts"
	"github.com/pavelanni/examroom/internal/model"
	"github.com/pavelanni/examroom/internal/store"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	variant := v.GetString("prompt-variant")
	if !prompts.IsValidVariant(variant) {
		return fmt.Errorf("invalid prompt variant %q: must be strict, standard, or lenient", variant)
	}
	if err := prompts.Load(prompts.FS); err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return err
	}
	if err := loadExams(db, v.GetStringSlice("exams")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rater, closeRater, err := newRater(ctx, v, prompts.PromptVariant(variant))
	if err != nil {
		return err
	}
	defer closeRater()

	cfg := model.ServerConfig{
		SecureCookies:     v.GetBool("secure-cookies"),
		PromptVariant:     variant,
		RatingConcurrency: v.GetInt("rating-concurrency"),
		SubmitRetries:     v.GetInt("submit-retries"),
		SessionRetention:  v.GetDuration("session-retention"),
	}

	merger := exam.NewMerger(db, cfg.SubmitRetries)
	manager := exam.NewManager(db, exam.Deps{
		Rater:             rater,
		RatingConcurrency: cfg.RatingConcurrency,
		Merger:            merger,
	})
	// Runs before db.Close: submissions in flight finish or are dropped first.
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.Shutdown(drainCtx)
	}()

	reaper, err := startReaper(db, manager, v.GetString("reaper-schedule"), cfg.SessionRetention)
	if err != nil {
		return err
	}
	defer reaper.Stop()

	h := handler.New(db, manager, merger, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(h.Routes)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr, "rater", v.GetString("rater"), "prompt_variant", variant)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newRater picks the essay rater. With no rater configured essays get the
// fallback rating.
func newRater(ctx context.Context, v *viper.Viper, variant prompts.PromptVariant) (grading.Rater, func(), error) {
	noop := func() {}
	switch kind := v.GetString("rater"); kind {
	case "openai":
		client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), variant)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			slog.Warn("LLM endpoint not reachable, essays will get the fallback rating until it is",
				"url", v.GetString("llm-url"), "error", err)
		}
		return client, noop, nil
	case "gemini":
		client, err := llm.NewGemini(ctx, v.GetString("gemini-key"), v.GetString("gemini-model"), variant)
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		return client, func() {
			if err := client.Close(); err != nil {
				slog.Warn("close gemini client", "error", err)
			}
		}, nil
	case "none":
		slog.Warn("no essay rater configured, essays get the fallback rating")
		return nil, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown rater %q: must be openai, gemini, or none", kind)
	}
}

// startReaper schedules removal of expired login tokens and finished exam
// sessions older than retention.
func startReaper(db *store.Store, manager *exam.Manager, schedule string, retention time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		n, err := db.CleanupExpiredSessions()
		if err != nil {
			slog.Error("cleanup expired login sessions", "error", err)
		}
		swept := manager.Sweep(retention)
		if n > 0 || swept > 0 {
			slog.Info("reaper run", "login_sessions", n, "exam_sessions", swept)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reaper %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
