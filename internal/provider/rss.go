package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/atmx/timemachine/internal/model"
)

// DefaultFeeds are the financial RSS feeds aggregated by the RSS source.
var DefaultFeeds = []string{
	"https://feeds.finance.yahoo.com/rss/2.0/headline",
	"https://feeds.marketwatch.com/marketwatch/topstories/",
	"https://feeds.bloomberg.com/markets/news.rss",
}

const (
	// PerFeedLimit caps how many items one sub-feed contributes.
	PerFeedLimit = 5
	// BatchLimit caps one source's merged batch.
	BatchLimit = 10
)

// RSS converts RSS feeds to JSON through the rss2json service and merges
// them. A failing feed is skipped; its error is returned joined with any
// others alongside the items that did load.
type RSS struct {
	client  *Client
	Feeds   []string
	BaseURL string
}

// NewRSS creates an RSS source over feeds (DefaultFeeds when empty).
func NewRSS(c *Client, feeds []string) *RSS {
	if len(feeds) == 0 {
		feeds = DefaultFeeds
	}
	return &RSS{client: c, Feeds: feeds, BaseURL: "https://api.rss2json.com"}
}

func (r *RSS) Name() string { return "rss" }

// FetchNews loads each feed in order. IDs are rss-<feed>-<item> so items
// from different feeds never collide.
func (r *RSS) FetchNews(ctx context.Context, date time.Time, _ string) ([]model.NewsItem, error) {
	var items []model.NewsItem
	var errs []error

	for fi, feed := range r.Feeds {
		var out struct {
			Status string `json:"status"`
			Feed   struct {
				Title string `json:"title"`
			} `json:"feed"`
			Items []struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				Content     string `json:"content"`
				Link        string `json:"link"`
				PubDate     string `json:"pubDate"`
				Thumbnail   string `json:"thumbnail"`
			} `json:"items"`
		}
		q := url.Values{}
		q.Set("rss_url", feed)
		if err := r.client.GetJSON(ctx, r.BaseURL+"/v1/api.json?"+q.Encode(), &out); err != nil {
			errs = append(errs, fmt.Errorf("rss feed %s: %w", feed, err))
			continue
		}
		if out.Status != "" && out.Status != "ok" {
			errs = append(errs, fmt.Errorf("%w: rss feed %s: status %s", ErrUpstream, feed, out.Status))
			continue
		}

		for i, it := range out.Items {
			if i == PerFeedLimit {
				break
			}
			desc := it.Description
			if desc == "" {
				desc = it.Content
			}
			source := out.Feed.Title
			if source == "" {
				source = "RSS Feed"
			}
			items = append(items, model.NewsItem{
				ID:          fmt.Sprintf("rss-%d-%d", fi, i),
				Title:       it.Title,
				Description: desc,
				URL:         it.Link,
				PublishedAt: parsePublished(it.PubDate, date),
				Source:      source,
				ImageURL:    it.Thumbnail,
			})
		}
	}

	if len(items) > BatchLimit {
		items = items[:BatchLimit]
	}
	return items, errors.Join(errs...)
}
