// Package main runs a bot that monitors LowEndTalk user profiles and
// relays new posts to Telegram chats.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lowendtalk-notifier/notify"
	"lowendtalk-notifier/poll"
	"lowendtalk-notifier/secret"
	"lowendtalk-notifier/session"
	"lowendtalk-notifier/storage"
)

const (
	defaultDatabasePath = "./data/monitor.db"
	dataRetention       = 30 * 24 * time.Hour
	cleanupInterval     = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
	defaultPort     = "8080"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = defaultDatabasePath
		logger.Info("No DATABASE_PATH set, using default", "path", dbPath)
	}

	cipher, err := buildCipher(os.Getenv("ENCRYPTION_KEY"), logger)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	store, err := storage.New(dbPath, cipher, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	maxAttempts, err := envInt("LOGIN_MAX_ATTEMPTS", session.DefaultMaxAttempts)
	if err != nil {
		return err
	}
	sessions := session.New(store, logger, os.Getenv("FORUM_BASE_URL"), maxAttempts)

	previewLength, err := envInt("POST_PREVIEW_LENGTH", notify.DefaultPreviewLength)
	if err != nil {
		return err
	}
	sink := notify.New(buildProvider(logger), logger, previewLength)

	runner := poll.New(sessions, store, sink, logger)
	if err := resumeMonitoring(ctx, runner, store, logger); err != nil {
		return fmt.Errorf("resume monitoring: %w", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           healthMux(store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		cleanupLoop(gctx, store, logger)
		return nil
	})

	err = g.Wait()

	runner.StopAll()
	sessions.CleanupAll()
	logger.Info("Shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildCipher selects credential encryption. Without a key the store
// falls back to plaintext, which is only sane for local development.
func buildCipher(key string, logger *slog.Logger) (secret.Cipher, error) {
	if key == "" {
		logger.Warn("No ENCRYPTION_KEY set, credentials will be stored in plaintext")
		return secret.Passthrough{}, nil
	}
	box, err := secret.NewBox(key)
	if err != nil {
		return nil, err
	}
	return box, nil
}

// buildProvider returns the Telegram provider, or a mock when no bot
// token is configured.
func buildProvider(logger *slog.Logger) notify.Provider {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		logger.Info("Mock notification mode enabled (no TELEGRAM_BOT_TOKEN)")
		return notify.NewMockProvider(logger)
	}
	return notify.NewTelegramProvider(token, logger)
}

// resumeMonitoring restarts the poll loop for every chat that had a
// configuration before the last shutdown.
func resumeMonitoring(ctx context.Context, runner *poll.Runner, store *storage.Store, logger *slog.Logger) error {
	chatIDs, err := store.ChatIDs(ctx)
	if err != nil {
		return err
	}
	for _, chatID := range chatIDs {
		if err := runner.Start(ctx, chatID); err != nil {
			logger.Warn("Failed to resume monitoring", "chat_id", chatID, "error", err)
			continue
		}
		logger.Info("Monitoring resumed", "chat_id", chatID)
	}
	return nil
}

func healthMux(store *storage.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Warn("Failed to write health response", "error", err)
		}
	})
	return mux
}

// cleanupLoop prunes stale ledger entries and cookie blobs once a day.
func cleanupLoop(ctx context.Context, store *storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.CleanupOldData(ctx, dataRetention); err != nil {
				logger.Warn("Cleanup failed", "error", err)
				continue
			}
			logger.Info("Old data cleaned up", "retention", dataRetention.String())
		}
	}
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	return v, nil
}
