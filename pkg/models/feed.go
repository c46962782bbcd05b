package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// FeedType enumerates supported real-time stream formats
type FeedType string

// Feed types
const (
	FeedRSS     FeedType = "rss"
	FeedAtom    FeedType = "atom"
	FeedJSONAPI FeedType = "json_api"
	FeedNewsAPI FeedType = "news_api"
)

// FeedItem is one normalized entry from any feed format
type FeedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	PubDate     time.Time `json:"pub_date"`
	Source      string    `json:"source"`
	Tags        []string  `json:"tags,omitempty"`
	Content     string    `json:"content,omitempty"`
	Author      string    `json:"author,omitempty"`
}

// DedupeKey is the identity of an item for per-stream deduplication
func (f FeedItem) DedupeKey() string {
	return f.ID + "|" + f.Link + "|" + f.Title + "|" + f.PubDate.UTC().Format(time.RFC3339)
}

// DeriveFeedItemID hashes the stable identity fields of a raw entry. The
// guid (or best available substitute) dominates; the remaining fields keep
// ids distinct when feeds omit guids.
func DeriveFeedItemID(guid, link, title string, pubDate time.Time) string {
	h := sha1.New()
	h.Write([]byte(guid))
	h.Write([]byte{'|'})
	h.Write([]byte(link))
	h.Write([]byte{'|'})
	h.Write([]byte(title))
	h.Write([]byte{'|'})
	h.Write([]byte(pubDate.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}
