package feeds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/openwatt/datamesh/pkg/models"
)

// ParseFeed normalizes a raw feed document into FeedItems. RSS, Atom, and
// JSON Feed go through gofeed; News-API JSON has its own fixed schema. A
// malformed document returns an error and zero items, never a panic.
func ParseFeed(feedType models.FeedType, sourceName string, body []byte) ([]models.FeedItem, error) {
	switch feedType {
	case models.FeedRSS, models.FeedAtom, models.FeedJSONAPI:
		return parseWithGofeed(sourceName, body)
	case models.FeedNewsAPI:
		return parseNewsAPI(sourceName, body)
	default:
		return nil, fmt.Errorf("unsupported feed type %q", feedType)
	}
}

func parseWithGofeed(sourceName string, body []byte) ([]models.FeedItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]models.FeedItem, 0, len(feed.Items))
	for _, raw := range feed.Items {
		var pubDate time.Time
		if raw.PublishedParsed != nil {
			pubDate = *raw.PublishedParsed
		} else if raw.UpdatedParsed != nil {
			pubDate = *raw.UpdatedParsed
		}

		author := ""
		if raw.Author != nil {
			author = raw.Author.Name
		}

		item := models.FeedItem{
			ID:          models.DeriveFeedItemID(raw.GUID, raw.Link, raw.Title, pubDate),
			Title:       raw.Title,
			Link:        raw.Link,
			Description: raw.Description,
			PubDate:     pubDate,
			Source:      sourceName,
			Tags:        raw.Categories,
			Content:     raw.Content,
			Author:      author,
		}
		items = append(items, item)
	}
	return items, nil
}

type newsAPIDocument struct {
	Articles []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
		Content string `json:"content"`
		Author  string `json:"author"`
	} `json:"articles"`
}

func parseNewsAPI(sourceName string, body []byte) ([]models.FeedItem, error) {
	var doc newsAPIDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse news-api document: %w", err)
	}

	items := make([]models.FeedItem, 0, len(doc.Articles))
	for _, a := range doc.Articles {
		pubDate, _ := time.Parse(time.RFC3339, a.PublishedAt)
		source := a.Source.Name
		if source == "" {
			source = sourceName
		}
		items = append(items, models.FeedItem{
			ID:          models.DeriveFeedItemID(a.URL, a.URL, a.Title, pubDate),
			Title:       a.Title,
			Link:        a.URL,
			Description: a.Description,
			PubDate:     pubDate,
			Source:      source,
			Content:     a.Content,
			Author:      a.Author,
		})
	}
	return items, nil
}
