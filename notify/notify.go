// Package notify delivers post notifications to chats via a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lowendtalk-notifier/pkg/notifier"
)

// DefaultPreviewLength is how much post content a notification includes.
const DefaultPreviewLength = 200

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers a plain-text message to a chat.
	Send(ctx context.Context, chatID int64, text string) error
}

// Notifier formats and sends chat notifications using a pluggable provider.
type Notifier struct {
	provider      Provider
	logger        *slog.Logger
	previewLength int
}

// New creates a notifier. previewLength <= 0 selects the default.
func New(provider Provider, logger *slog.Logger, previewLength int) *Notifier {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Notifier{
		provider:      provider,
		logger:        logger,
		previewLength: previewLength,
	}
}

// NotifyPost sends a formatted new-post notification.
func (n *Notifier) NotifyPost(ctx context.Context, chatID int64, post *notifier.Post) error {
	n.logger.Info("Sending post notification",
		"chat_id", chatID,
		"username", post.Username,
		"post_id", post.ID)

	return n.provider.Send(ctx, chatID, FormatPost(post, n.previewLength))
}

// NotifyError sends a failure notification to the chat.
func (n *Notifier) NotifyError(ctx context.Context, chatID int64, text string) error {
	n.logger.Info("Sending error notification", "chat_id", chatID)
	return n.provider.Send(ctx, chatID, "❌ "+text)
}

// FormatPost renders a post notification with a truncated content preview.
func FormatPost(post *notifier.Post, previewLength int) string {
	preview := post.Content
	truncated := false
	if len(preview) > previewLength {
		preview = truncate(preview, previewLength)
		truncated = true
	}

	var b strings.Builder
	b.WriteString("🔔 New post\n\n")
	fmt.Fprintf(&b, "👤 User: %s\n", post.Username)
	fmt.Fprintf(&b, "📝 Title: %s\n", post.Title)
	fmt.Fprintf(&b, "⏰ Time: %s\n", formatDate(post.Date))
	fmt.Fprintf(&b, "🔗 Link: %s\n", post.Link)
	if preview != "" {
		b.WriteString("\nPreview:\n")
		b.WriteString(preview)
		if truncated {
			b.WriteString("...")
		}
	}
	return b.String()
}

// formatDate renders an ISO-8601 page timestamp for humans, falling back
// to the raw string when the markup carries something unparseable.
func formatDate(date string) string {
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return date
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

// truncate cuts at a byte limit without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
