// Package notifier contains the core domain types for the LowEndTalk notification service.
package notifier

// Post represents a single forum post scraped from a user's content page.
type Post struct {
	Username string `json:"username"` // Monitored forum user who authored the post
	Title    string `json:"title"`    // Discussion title
	Date     string `json:"date"`     // ISO-8601 timestamp from the page markup
	Content  string `json:"content"`  // Plain text body excerpt
	Link     string `json:"link"`     // Canonical URL of the post
	ID       string `json:"post_id"`  // Trailing path segment of the link; globally unique on the forum
}

// Credentials holds a chat's forum account and polling settings.
// The password is encrypted at rest; Credentials always carries plaintext in memory.
type Credentials struct {
	Username string // Forum login name
	Password string // Plaintext password (decrypted on load)
	Interval int    // Check interval in seconds, bounded [60, 86400]
}

// Cookie is one entry of a persisted session cookie set.
type Cookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Expires string `json:"expires,omitempty"`
}

// MonitoredUser is a forum user watched by a chat, with the watermark of
// the most recently delivered post date.
type MonitoredUser struct {
	Username  string
	LastCheck string // ISO-8601 date string; empty until the first delivery
}
