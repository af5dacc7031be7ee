package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// TelegramProvider delivers messages via the Telegram Bot API.
type TelegramProvider struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewTelegramProvider creates a provider for the given bot token.
func NewTelegramProvider(token string, logger *slog.Logger) *TelegramProvider {
	return &TelegramProvider{
		token:   token,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send delivers a message via the sendMessage endpoint.
func (t *TelegramProvider) Send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	return retry.Do(
		func() error {
			t.logger.Info("Telegram API request starting",
				"method", "POST",
				"endpoint", "sendMessage",
				"chat_id", chatID,
				"text_length", len(text))

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := t.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				t.logger.Warn("Telegram API request failed, will retry",
					"chat_id", chatID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				t.logger.Warn("Telegram API returned non-2xx status, will retry",
					"status_code", resp.StatusCode,
					"chat_id", chatID)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			t.logger.Info("Telegram API request completed",
				"endpoint", "sendMessage",
				"chat_id", chatID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
}
