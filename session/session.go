// Package session maintains authenticated forum sessions per chat: login,
// cookie persistence and restoration, validity checking, and post fetching.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"lowendtalk-notifier/pkg/notifier"
	"lowendtalk-notifier/scraper"
)

const (
	// DefaultMaxAttempts bounds consecutive failed logins per chat.
	DefaultMaxAttempts = 3

	// DefaultFreshness is how long a successful validation short-circuits
	// further network checks.
	DefaultFreshness = 5 * time.Minute

	requestTimeout = 30 * time.Second
)

var (
	// ErrAttemptsExhausted means the chat's login attempt counter reached
	// its cap; only a forced login or restart clears it.
	ErrAttemptsExhausted = errors.New("too many failed login attempts")

	// ErrNeedsRetry means the session expired mid-fetch; a forced re-login
	// was triggered and the caller should retry on its next cycle rather
	// than act on the stale page.
	ErrNeedsRetry = errors.New("session expired during fetch, retry needed")
)

// Store is the persistence the session manager depends on.
type Store interface {
	UserConfig(ctx context.Context, chatID int64) (*notifier.Credentials, error)
	Cookies(ctx context.Context, chatID int64) ([]notifier.Cookie, error)
	SaveCookies(ctx context.Context, chatID int64, cookies []notifier.Cookie) error
}

// chatSession is the per-chat connection state. Each chat's poll task is
// the sole user of its session; the manager lock only guards the map.
type chatSession struct {
	client        *http.Client
	attempts      int
	lastValidated time.Time
}

// Manager owns one authenticated forum session per chat.
type Manager struct {
	mu          sync.Mutex
	chats       map[int64]*chatSession
	store       Store
	logger      *slog.Logger
	baseURL     string
	maxAttempts int
	freshness   time.Duration
}

// New creates a session manager. baseURL "" selects the production forum,
// maxAttempts <= 0 the default cap.
func New(store Store, logger *slog.Logger, baseURL string, maxAttempts int) *Manager {
	if baseURL == "" {
		baseURL = scraper.DefaultBaseURL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		chats:       make(map[int64]*chatSession),
		store:       store,
		logger:      logger,
		baseURL:     baseURL,
		maxAttempts: maxAttempts,
		freshness:   DefaultFreshness,
	}
}

func (m *Manager) session(chatID int64) *chatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.chats[chatID]
	if !ok {
		sess = &chatSession{}
		m.chats[chatID] = sess
	}
	return sess
}

// resetClient tears down the chat's live connection and installs a fresh
// one with an empty cookie jar. Old and new never coexist.
func (m *Manager) resetClient(sess *chatSession) (*http.Client, error) {
	if sess.client != nil {
		sess.client.CloseIdleConnections()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	sess.client = &http.Client{
		Jar:     jar,
		Timeout: requestTimeout,
	}
	sess.lastValidated = time.Time{}
	return sess.client, nil
}

// get fetches a forum path and returns the final status, body, and any
// Set-Cookie values from the final response.
func (m *Manager) get(ctx context.Context, client *http.Client, path string) (int, string, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, http.NoBody)
	if err != nil {
		return 0, "", nil, fmt.Errorf("create request: %w", err)
	}
	scraper.SetBrowserHeaders(req)

	startTime := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		m.logger.Warn("HTTP request failed",
			"url", m.baseURL+path,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return 0, "", nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("read response body: %w", err)
	}

	m.logger.Debug("HTTP request completed",
		"url", m.baseURL+path,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	return resp.StatusCode, string(body), resp.Cookies(), nil
}

// validate checks a live session against the discussions page. The forum
// answers 200 either way; the sign-in marker in the body is the signal.
func (m *Manager) validate(ctx context.Context, client *http.Client) error {
	status, body, _, err := m.get(ctx, client, scraper.DiscussionsPath)
	if err != nil {
		return fmt.Errorf("fetch validation page: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("validation page: HTTP %d", status)
	}
	if scraper.SignedOut(body) {
		return errors.New("validation page served anonymously")
	}
	return nil
}

// EnsureLogin makes sure the chat has a valid session, trying in order:
// freshness window, live-session validation, cookie restoration, full
// forced login. It returns an error only when login itself fails.
func (m *Manager) EnsureLogin(ctx context.Context, chatID int64) error {
	sess := m.session(chatID)

	if sess.client != nil && time.Since(sess.lastValidated) < m.freshness {
		return nil
	}

	if sess.client != nil {
		if err := m.validate(ctx, sess.client); err == nil {
			sess.lastValidated = time.Now()
			return nil
		}
		m.logger.Info("Live session invalid, attempting cookie restore", "chat_id", chatID)
	}

	if cookies, err := m.store.Cookies(ctx, chatID); err == nil && len(cookies) > 0 {
		if err := m.restore(ctx, sess, cookies); err == nil {
			// Restored cookies are validated like any other session,
			// never trusted verbatim.
			if err := m.validate(ctx, sess.client); err == nil {
				sess.lastValidated = time.Now()
				m.logger.Info("Session restored from persisted cookies", "chat_id", chatID)
				return nil
			}
			m.logger.Info("Restored cookies rejected, falling back to login", "chat_id", chatID)
		}
	}

	return m.Login(ctx, chatID, true)
}

// restore injects a persisted cookie set into a fresh connection.
func (m *Manager) restore(_ context.Context, sess *chatSession, cookies []notifier.Cookie) error {
	client, err := m.resetClient(sess)
	if err != nil {
		return err
	}

	u, err := url.Parse(m.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	restored := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:  c.Name,
			Value: c.Value,
			Path:  c.Path,
		}
		// A domain equal to the host is a host-only cookie; leaving the
		// attribute unset keeps the jar from rejecting IP hosts in tests.
		if c.Domain != "" && c.Domain != u.Hostname() {
			hc.Domain = c.Domain
		}
		if c.Expires != "" {
			if t, err := time.Parse(time.RFC3339, c.Expires); err == nil {
				hc.Expires = t
			}
		}
		restored = append(restored, hc)
	}
	client.Jar.SetCookies(u, restored)
	return nil
}

// Login performs a full forum login: fetch the sign-in page, extract the
// anti-forgery token, submit the form, then independently re-validate via
// the user's own profile page. Guarded by the attempt counter unless forced.
// Every failure path counts against the cap, including a missing token.
func (m *Manager) Login(ctx context.Context, chatID int64, force bool) error {
	sess := m.session(chatID)

	if !force && sess.attempts >= m.maxAttempts {
		return ErrAttemptsExhausted
	}

	creds, err := m.store.UserConfig(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	client, err := m.resetClient(sess)
	if err != nil {
		return m.loginFailed(sess, chatID, err)
	}

	status, body, pageCookies, err := m.get(ctx, client, scraper.SigninPath)
	if err != nil {
		return m.loginFailed(sess, chatID, fmt.Errorf("fetch sign-in page: %w", err))
	}
	if status != http.StatusOK {
		return m.loginFailed(sess, chatID, fmt.Errorf("sign-in page: HTTP %d", status))
	}

	token, err := scraper.SigninToken(strings.NewReader(body))
	if err != nil {
		return m.loginFailed(sess, chatID, err)
	}

	form := url.Values{}
	form.Set("Email", creds.Username)
	form.Set("Password", creds.Password)
	form.Set(scraper.TokenField, token)
	form.Set("ClientHour", time.Now().Format("2006-01-02 15:04"))
	form.Set("RememberMe", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+scraper.SigninPath, strings.NewReader(form.Encode()))
	if err != nil {
		return m.loginFailed(sess, chatID, fmt.Errorf("create sign-in request: %w", err))
	}
	scraper.SetBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return m.loginFailed(sess, chatID, fmt.Errorf("submit sign-in form: %w", err))
	}
	postCookies := resp.Cookies()
	if closeErr := resp.Body.Close(); closeErr != nil {
		m.logger.Warn("Failed to close response body", "error", closeErr)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return m.loginFailed(sess, chatID, fmt.Errorf("sign-in submission: HTTP %d", resp.StatusCode))
	}

	// The forum answers the form 200 even on bad credentials; only the
	// profile page tells the truth.
	status, body, profileCookies, err := m.get(ctx, client, scraper.ProfilePath(creds.Username))
	if err != nil {
		return m.loginFailed(sess, chatID, fmt.Errorf("fetch profile page: %w", err))
	}
	if status != http.StatusOK {
		return m.loginFailed(sess, chatID, fmt.Errorf("profile page: HTTP %d", status))
	}
	if scraper.SignedOut(body) {
		return m.loginFailed(sess, chatID, errors.New("login not accepted by forum"))
	}

	if err := m.persistCookies(ctx, chatID, client, pageCookies, postCookies, profileCookies); err != nil {
		// Login itself succeeded; losing persistence only costs a future
		// restore. Log and carry on.
		m.logger.Warn("Failed to persist session cookies", "chat_id", chatID, "error", err)
	}

	sess.attempts = 0
	sess.lastValidated = time.Now()
	m.logger.Info("Login succeeded", "chat_id", chatID, "forum_username", creds.Username)
	return nil
}

func (m *Manager) loginFailed(sess *chatSession, chatID int64, err error) error {
	sess.attempts++
	m.logger.Warn("Login failed",
		"chat_id", chatID,
		"attempts", sess.attempts,
		"max_attempts", m.maxAttempts,
		"error", err)
	return err
}

// persistCookies saves the session's full cookie set. The jar is the
// authoritative name/value source; Set-Cookie headers seen during login
// supply domain, path and expiry metadata the jar does not expose.
func (m *Manager) persistCookies(ctx context.Context, chatID int64, client *http.Client, headerSets ...[]*http.Cookie) error {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	meta := make(map[string]*http.Cookie)
	for _, set := range headerSets {
		for _, c := range set {
			meta[c.Name] = c
		}
	}

	var cookies []notifier.Cookie
	for _, jc := range client.Jar.Cookies(u) {
		c := notifier.Cookie{
			Name:   jc.Name,
			Value:  jc.Value,
			Domain: u.Hostname(),
			Path:   "/",
		}
		if hc, ok := meta[jc.Name]; ok {
			if hc.Domain != "" {
				c.Domain = hc.Domain
			}
			if hc.Path != "" {
				c.Path = hc.Path
			}
			if !hc.Expires.IsZero() {
				c.Expires = hc.Expires.UTC().Format(time.RFC3339)
			}
		}
		cookies = append(cookies, c)
	}

	return m.store.SaveCookies(ctx, chatID, cookies)
}

// FetchPosts returns the monitored user's posts newer than sinceWatermark.
// A sign-in marker on the content page means the cookie expired mid-flight:
// a forced re-login is triggered and ErrNeedsRetry returned instead of
// stale data.
func (m *Manager) FetchPosts(ctx context.Context, chatID int64, username, sinceWatermark string) ([]*notifier.Post, error) {
	if err := m.EnsureLogin(ctx, chatID); err != nil {
		return nil, fmt.Errorf("ensure login: %w", err)
	}

	sess := m.session(chatID)
	status, body, _, err := m.get(ctx, sess.client, scraper.ContentPath(username))
	if err != nil {
		return nil, fmt.Errorf("fetch content page: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("content page: HTTP %d", status)
	}

	if scraper.SignedOut(body) {
		sess.lastValidated = time.Time{}
		if lerr := m.Login(ctx, chatID, true); lerr != nil {
			m.logger.Warn("Forced re-login after mid-fetch expiry failed", "chat_id", chatID, "error", lerr)
		}
		return nil, ErrNeedsRetry
	}

	posts, err := scraper.ParsePosts(strings.NewReader(body), m.baseURL, username)
	if err != nil {
		return nil, fmt.Errorf("parse content page: %w", err)
	}

	m.logger.Debug("Posts fetched",
		"chat_id", chatID,
		"username", username,
		"parsed", len(posts),
		"watermark", sinceWatermark)

	return scraper.FilterSince(posts, sinceWatermark), nil
}

// CloseSession tears down a chat's live connection. Idempotent.
func (m *Manager) CloseSession(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.chats[chatID]; ok {
		if sess.client != nil {
			sess.client.CloseIdleConnections()
		}
		delete(m.chats, chatID)
		m.logger.Info("Session closed", "chat_id", chatID)
	}
}

// CleanupAll tears down every live connection. Idempotent.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chatID, sess := range m.chats {
		if sess.client != nil {
			sess.client.CloseIdleConnections()
		}
		delete(m.chats, chatID)
	}
	m.logger.Info("All sessions closed")
}
