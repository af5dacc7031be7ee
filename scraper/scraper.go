// Package scraper handles parsing LowEndTalk pages: the sign-in form,
// profile content listings, and the logged-out detection heuristic.
package scraper

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"lowendtalk-notifier/pkg/notifier"
)

// DefaultBaseURL is the production forum origin. Tests point it at a local server.
const DefaultBaseURL = "https://www.lowendtalk.com"

// Forum paths relative to the base URL.
const (
	SigninPath      = "/entry/signin"
	DiscussionsPath = "/discussions"
)

// TokenField is the hidden form field carrying the one-time anti-forgery
// token that must be echoed back on sign-in submission.
const TokenField = "TransientKey"

// signInMarker is the literal phrase shown to anonymous visitors. Its
// presence in a page body is the only signal that a session is invalid;
// the forum returns 200 either way.
const signInMarker = "sign in"

// ErrTokenNotFound indicates the sign-in page had no anti-forgery token field.
var ErrTokenNotFound = errors.New("sign-in token not found in page")

// SignedOut reports whether a page body exhibits the sign-in prompt,
// meaning the request was served to an anonymous visitor. Case-insensitive
// substring match, pinned by fixture tests; swap here if the page copy changes.
func SignedOut(body string) bool {
	return strings.Contains(strings.ToLower(body), signInMarker)
}

// ProfilePath returns the path of a user's profile page.
func ProfilePath(username string) string {
	return "/profile/" + username
}

// ContentPath returns the path of a user's content listing.
func ContentPath(username string) string {
	return "/profile/" + username + "/content"
}

// SetBrowserHeaders sets browser-like request headers so the forum serves
// the same markup it serves real clients.
func SetBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")
}

// SigninToken extracts the anti-forgery token from the sign-in page form.
func SigninToken(body io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse sign-in page: %w", err)
	}

	token, ok := doc.Find(fmt.Sprintf("input[name=%s]", TokenField)).First().Attr("value")
	if !ok || token == "" {
		return "", ErrTokenNotFound
	}

	return token, nil
}

// ParsePosts extracts post entries from a user's content page. Entries
// missing a timestamp or title element are skipped, not fatal: the forum
// intermixes other item types in the same list and markup drifts.
func ParsePosts(body io.Reader, baseURL, username string) ([]*notifier.Post, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse content page: %w", err)
	}

	var posts []*notifier.Post
	doc.Find("div.Item-Discussion").Each(func(_ int, s *goquery.Selection) {
		date, ok := s.Find("time").First().Attr("datetime")
		if !ok || date == "" {
			return
		}

		titleLink := s.Find("a.Title").First()
		title := strings.TrimSpace(titleLink.Text())
		href, ok := titleLink.Attr("href")
		if title == "" || !ok || href == "" {
			return
		}

		content := strings.TrimSpace(s.Find("div.Message").First().Text())

		link := href
		if !strings.HasPrefix(href, "http") {
			link = baseURL + href
		}

		posts = append(posts, &notifier.Post{
			Username: username,
			Title:    title,
			Date:     date,
			Content:  content,
			Link:     link,
			ID:       postID(href),
		})
	})

	return posts, nil
}

// FilterSince drops posts whose date string is lexicographically <= the
// watermark. ISO-8601 strings order chronologically, so no time parsing.
func FilterSince(posts []*notifier.Post, watermark string) []*notifier.Post {
	if watermark == "" {
		return posts
	}
	var fresh []*notifier.Post
	for _, p := range posts {
		if p.Date > watermark {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// postID is the trailing path segment of a post link, the forum-wide
// unique identifier used as the dedup key.
func postID(href string) string {
	href = strings.TrimSuffix(href, "/")
	if idx := strings.LastIndex(href, "/"); idx >= 0 {
		return href[idx+1:]
	}
	return href
}
