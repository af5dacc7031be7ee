package notify

import (
	"context"
	"log/slog"
)

// MockProvider is a mock message provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of delivering it.
func (m *MockProvider) Send(ctx context.Context, chatID int64, text string) error {
	m.logger.Info("MOCK MESSAGE",
		"chat_id", chatID,
		"text_length", len(text),
		"text", text)
	return nil
}
