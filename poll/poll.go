// Package poll runs one monitoring loop per chat, checking monitored forum
// users for new posts and relaying them as notifications.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lowendtalk-notifier/pkg/notifier"
	"lowendtalk-notifier/storage"
)

// ErrAlreadyRunning means the chat already has a live monitoring loop.
var ErrAlreadyRunning = errors.New("monitoring already running for chat")

var errConfigMissing = errors.New("chat configuration missing")

// notifyTimeout bounds the final failure notification sent while a loop
// is shutting down.
const notifyTimeout = 10 * time.Second

// Sessions is the session manager surface the poll loop consumes.
type Sessions interface {
	FetchPosts(ctx context.Context, chatID int64, username, sinceWatermark string) ([]*notifier.Post, error)
	CloseSession(chatID int64)
}

// Store is the persistence surface the poll loop consumes.
type Store interface {
	UserConfig(ctx context.Context, chatID int64) (*notifier.Credentials, error)
	MonitoredUsers(ctx context.Context, chatID int64) ([]notifier.MonitoredUser, error)
	PostExists(ctx context.Context, postID string) (bool, error)
	SavePost(ctx context.Context, chatID int64, post *notifier.Post) (bool, error)
	UpdateLastCheck(ctx context.Context, chatID int64, username, lastCheck string) error
}

// Notifier delivers formatted messages to chats.
type Notifier interface {
	NotifyPost(ctx context.Context, chatID int64, post *notifier.Post) error
	NotifyError(ctx context.Context, chatID int64, text string) error
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner manages the per-chat monitoring loops.
type Runner struct {
	mu       sync.Mutex
	tasks    map[int64]*task
	sessions Sessions
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates a runner.
func New(sessions Sessions, store Store, n Notifier, logger *slog.Logger) *Runner {
	return &Runner{
		tasks:    make(map[int64]*task),
		sessions: sessions,
		store:    store,
		notifier: n,
		logger:   logger,
	}
}

// Start launches the monitoring loop for a chat. The loop ends when ctx is
// cancelled, Stop is called, or the cycle hits a terminal error.
func (r *Runner) Start(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	if _, ok := r.tasks[chatID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[chatID] = t
	r.mu.Unlock()

	r.logger.Info("Monitoring started", "chat_id", chatID)
	go r.run(tctx, chatID, t)
	return nil
}

// Stop cancels a chat's loop and waits for it to finish. Returns false if
// no loop was running.
func (r *Runner) Stop(chatID int64) bool {
	r.mu.Lock()
	t, ok := r.tasks[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	<-t.done
	r.logger.Info("Monitoring stopped", "chat_id", chatID)
	return true
}

// Running reports whether a chat has a live loop.
func (r *Runner) Running(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[chatID]
	return ok
}

// StopAll cancels every loop and waits for them.
func (r *Runner) StopAll() {
	r.mu.Lock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

func (r *Runner) run(ctx context.Context, chatID int64, t *task) {
	defer close(t.done)
	defer func() {
		r.mu.Lock()
		if r.tasks[chatID] == t {
			delete(r.tasks, chatID)
		}
		r.mu.Unlock()

		// Close is attempted unconditionally; a half-open connection is
		// worse than a redundant close.
		r.sessions.CloseSession(chatID)
	}()

	for {
		interval, err := r.cycle(ctx, chatID)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, errConfigMissing):
			r.logger.Warn("Configuration gone, stopping monitoring", "chat_id", chatID)
			r.notifyStop(chatID, "Configuration not found, monitoring stopped.")
			return
		default:
			r.logger.Error("Poll cycle failed, stopping monitoring", "chat_id", chatID, "error", err)
			r.notifyStop(chatID, fmt.Sprintf("Monitoring error: %v. Monitoring stopped.", err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// notifyStop reports loop termination to the chat on a fresh context, so
// the message still goes out when the loop's own context is dead.
func (r *Runner) notifyStop(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := r.notifier.NotifyError(ctx, chatID, text); err != nil {
		r.logger.Warn("Failed to send stop notification", "chat_id", chatID, "error", err)
	}
}

// cycle processes every monitored user once and returns the sleep interval
// for the next round. Per-user failures are isolated; errors returned here
// terminate the loop.
func (r *Runner) cycle(ctx context.Context, chatID int64) (time.Duration, error) {
	cfg, err := r.store.UserConfig(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, errConfigMissing
	}
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}

	users, err := r.store.MonitoredUsers(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("list monitored users: %w", err)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := r.checkUser(ctx, chatID, u); err != nil {
			// One user failing never aborts the cycle for the rest.
			r.logger.Warn("User check failed",
				"chat_id", chatID,
				"username", u.Username,
				"error", err)
		}
	}

	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = storage.DefaultInterval * time.Second
	}
	return interval, nil
}

func (r *Runner) checkUser(ctx context.Context, chatID int64, u notifier.MonitoredUser) error {
	posts, err := r.sessions.FetchPosts(ctx, chatID, u.Username, u.LastCheck)
	if err != nil {
		return fmt.Errorf("fetch posts: %w", err)
	}
	if len(posts) == 0 {
		return nil
	}

	maxDate := ""
	delivered := 0
	for _, post := range posts {
		if post.Date > maxDate {
			maxDate = post.Date
		}

		exists, err := r.store.PostExists(ctx, post.ID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if exists {
			continue
		}

		inserted, err := r.store.SavePost(ctx, chatID, post)
		if err != nil {
			return fmt.Errorf("save post: %w", err)
		}
		if !inserted {
			// Lost an insert race; someone already delivered it.
			continue
		}

		if err := r.notifier.NotifyPost(ctx, chatID, post); err != nil {
			r.logger.Warn("Post notification failed",
				"chat_id", chatID,
				"post_id", post.ID,
				"error", err)
			continue
		}
		delivered++
	}

	// The watermark advances to the newest date in the batch even when
	// nothing was delivered: everything returned has been seen now.
	if err := r.store.UpdateLastCheck(ctx, chatID, u.Username, maxDate); err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}

	r.logger.Info("User checked",
		"chat_id", chatID,
		"username", u.Username,
		"fetched", len(posts),
		"delivered", delivered,
		"watermark", maxDate)
	return nil
}
