package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lowendtalk-notifier/pkg/notifier"
	"lowendtalk-notifier/storage"
)

type fakeSessions struct {
	mu      sync.Mutex
	fetchFn func(chatID int64, username, since string) ([]*notifier.Post, error)
	fetches int
	closed  map[int64]int
}

func (f *fakeSessions) FetchPosts(_ context.Context, chatID int64, username, since string) ([]*notifier.Post, error) {
	f.mu.Lock()
	f.fetches++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(chatID, username, since)
}

func (f *fakeSessions) CloseSession(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == nil {
		f.closed = make(map[int64]int)
	}
	f.closed[chatID]++
}

type fakeStore struct {
	mu         sync.Mutex
	configs    map[int64]*notifier.Credentials
	users      map[int64][]notifier.MonitoredUser
	ledger     map[string]bool
	watermarks map[string]string
	usersErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:    make(map[int64]*notifier.Credentials),
		users:      make(map[int64][]notifier.MonitoredUser),
		ledger:     make(map[string]bool),
		watermarks: make(map[string]string),
	}
}

func (f *fakeStore) UserConfig(_ context.Context, chatID int64) (*notifier.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeStore) MonitoredUsers(_ context.Context, chatID int64) ([]notifier.MonitoredUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	users := make([]notifier.MonitoredUser, len(f.users[chatID]))
	for i, u := range f.users[chatID] {
		users[i] = notifier.MonitoredUser{
			Username:  u.Username,
			LastCheck: f.watermarks[watermarkKey(chatID, u.Username)],
		}
	}
	return users, nil
}

func (f *fakeStore) PostExists(_ context.Context, postID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledger[postID], nil
}

func (f *fakeStore) SavePost(_ context.Context, _ int64, post *notifier.Post) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledger[post.ID] {
		return false, nil
	}
	f.ledger[post.ID] = true
	return true, nil
}

func (f *fakeStore) UpdateLastCheck(_ context.Context, chatID int64, username, lastCheck string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := watermarkKey(chatID, username)
	if lastCheck > f.watermarks[key] {
		f.watermarks[key] = lastCheck
	}
	return nil
}

func (f *fakeStore) watermark(chatID int64, username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[watermarkKey(chatID, username)]
}

func watermarkKey(chatID int64, username string) string {
	return fmt.Sprintf("%d/%s", chatID, username)
}

type fakeNotifier struct {
	mu     sync.Mutex
	posts  []*notifier.Post
	errors []string
}

func (f *fakeNotifier) NotifyPost(_ context.Context, _ int64, post *notifier.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post)
	return nil
}

func (f *fakeNotifier) NotifyError(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, text)
	return nil
}

func (f *fakeNotifier) delivered() []*notifier.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*notifier.Post(nil), f.posts...)
}

func (f *fakeNotifier) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errors)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func post(id, username, date string) *notifier.Post {
	return &notifier.Post{
		ID:       id,
		Username: username,
		Title:    "Post " + id,
		Date:     date,
		Link:     "https://www.lowendtalk.com/discussion/" + id,
	}
}

func TestCycleDeliversAndAdvancesWatermark(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 300}
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}}

	batch := []*notifier.Post{
		post("p1", "bob", "2024-01-01T00:00:00Z"),
		post("p2", "bob", "2024-01-02T00:00:00Z"),
	}
	sessions := &fakeSessions{
		fetchFn: func(_ int64, _, since string) ([]*notifier.Post, error) {
			var fresh []*notifier.Post
			for _, p := range batch {
				if p.Date > since {
					fresh = append(fresh, p)
				}
			}
			return fresh, nil
		},
	}
	sink := &fakeNotifier{}
	r := New(sessions, store, sink, testLogger())

	interval, err := r.cycle(context.Background(), 100)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if interval != 300*time.Second {
		t.Errorf("interval = %v, want 300s", interval)
	}
	if got := len(sink.delivered()); got != 2 {
		t.Fatalf("delivered %d posts, want 2", got)
	}
	if wm := store.watermark(100, "bob"); wm != "2024-01-02T00:00:00Z" {
		t.Errorf("watermark = %q, want 2024-01-02T00:00:00Z", wm)
	}
	if !store.ledger["p1"] || !store.ledger["p2"] {
		t.Error("ledger missing delivered posts")
	}

	// Second round sees nothing newer than the watermark.
	if _, err := r.cycle(context.Background(), 100); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := len(sink.delivered()); got != 2 {
		t.Errorf("delivered %d posts after second cycle, want 2", got)
	}
	if wm := store.watermark(100, "bob"); wm != "2024-01-02T00:00:00Z" {
		t.Errorf("watermark moved to %q", wm)
	}
}

func TestCycleDoesNotRedeliverLedgeredPosts(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 300}
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}}
	store.ledger["p1"] = true

	sessions := &fakeSessions{
		fetchFn: func(int64, string, string) ([]*notifier.Post, error) {
			return []*notifier.Post{
				post("p1", "bob", "2024-01-01T00:00:00Z"),
				post("p2", "bob", "2024-01-02T00:00:00Z"),
			}, nil
		},
	}
	sink := &fakeNotifier{}
	r := New(sessions, store, sink, testLogger())

	if _, err := r.cycle(context.Background(), 100); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := sink.delivered()
	if len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("delivered %v, want only p2", got)
	}
	// The batch still advances the watermark past the dup.
	if wm := store.watermark(100, "bob"); wm != "2024-01-02T00:00:00Z" {
		t.Errorf("watermark = %q", wm)
	}
}

func TestCycleIsolatesPerUserFailures(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 300}
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}, {Username: "carol"}}

	sessions := &fakeSessions{
		fetchFn: func(_ int64, username, _ string) ([]*notifier.Post, error) {
			if username == "bob" {
				return nil, errors.New("connection reset")
			}
			return []*notifier.Post{post("p9", "carol", "2024-03-01T00:00:00Z")}, nil
		},
	}
	sink := &fakeNotifier{}
	r := New(sessions, store, sink, testLogger())

	if _, err := r.cycle(context.Background(), 100); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := sink.delivered()
	if len(got) != 1 || got[0].Username != "carol" {
		t.Fatalf("delivered %v, want carol's post despite bob failing", got)
	}
}

func TestWatermarkNeverDecreases(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 300}
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}}
	store.watermarks[watermarkKey(100, "bob")] = "2024-06-01T00:00:00Z"

	sessions := &fakeSessions{
		fetchFn: func(int64, string, string) ([]*notifier.Post, error) {
			return []*notifier.Post{post("old", "bob", "2024-01-01T00:00:00Z")}, nil
		},
	}
	r := New(sessions, store, &fakeNotifier{}, testLogger())

	if _, err := r.cycle(context.Background(), 100); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if wm := store.watermark(100, "bob"); wm != "2024-06-01T00:00:00Z" {
		t.Errorf("watermark regressed to %q", wm)
	}
}

func TestLoopStopsWhenConfigMissing(t *testing.T) {
	store := newFakeStore()
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}}

	sessions := &fakeSessions{}
	sink := &fakeNotifier{}
	r := New(sessions, store, sink, testLogger())

	if err := r.Start(context.Background(), 100); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for r.Running(100) {
		select {
		case <-deadline:
			t.Fatal("loop did not stop after missing config")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if sink.errorCount() != 1 {
		t.Errorf("error notifications = %d, want 1", sink.errorCount())
	}
	sessions.mu.Lock()
	fetches, closed := sessions.fetches, sessions.closed[100]
	sessions.mu.Unlock()
	if fetches != 0 {
		t.Errorf("fetches = %d, want 0", fetches)
	}
	if closed == 0 {
		t.Error("session not closed on loop exit")
	}
}

func TestLoopStopsOnCycleError(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 300}
	store.usersErr = errors.New("database locked")

	sink := &fakeNotifier{}
	r := New(&fakeSessions{}, store, sink, testLogger())

	if err := r.Start(context.Background(), 100); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for r.Running(100) {
		select {
		case <-deadline:
			t.Fatal("loop did not stop after cycle error")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if sink.errorCount() != 1 {
		t.Errorf("error notifications = %d, want 1", sink.errorCount())
	}
}

func TestStopCancelsSleepPromptly(t *testing.T) {
	store := newFakeStore()
	store.configs[100] = &notifier.Credentials{Username: "alice", Interval: 3600}
	store.users[100] = []notifier.MonitoredUser{{Username: "bob"}}

	sessions := &fakeSessions{}
	r := New(sessions, store, &fakeNotifier{}, testLogger())

	if err := r.Start(context.Background(), 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background(), 100); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	// Give the first cycle a moment to finish and enter its sleep.
	deadline := time.After(5 * time.Second)
	for {
		sessions.mu.Lock()
		fetched := sessions.fetches > 0
		sessions.mu.Unlock()
		if fetched {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	start := time.Now()
	if !r.Stop(100) {
		t.Fatal("Stop returned false for a running loop")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want prompt cancellation", elapsed)
	}
	if r.Running(100) {
		t.Error("loop still registered after Stop")
	}
	if r.Stop(100) {
		t.Error("Stop returned true for an already stopped loop")
	}

	sessions.mu.Lock()
	closed := sessions.closed[100]
	sessions.mu.Unlock()
	if closed == 0 {
		t.Error("session not closed on stop")
	}
}

func TestStopAll(t *testing.T) {
	store := newFakeStore()
	for _, chatID := range []int64{1, 2, 3} {
		store.configs[chatID] = &notifier.Credentials{Username: "alice", Interval: 3600}
	}

	r := New(&fakeSessions{}, store, &fakeNotifier{}, testLogger())
	for _, chatID := range []int64{1, 2, 3} {
		if err := r.Start(context.Background(), chatID); err != nil {
			t.Fatalf("Start(%d): %v", chatID, err)
		}
	}

	r.StopAll()
	for _, chatID := range []int64{1, 2, 3} {
		if r.Running(chatID) {
			t.Errorf("chat %d still running after StopAll", chatID)
		}
	}
}
