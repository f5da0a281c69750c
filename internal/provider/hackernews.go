package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/timemachine/internal/model"
)

// HackerNews reads the Hacker News top stories from the Firebase API.
type HackerNews struct {
	client  *Client
	BaseURL string
	Limit   int
}

// NewHackerNews creates a Hacker News source.
func NewHackerNews(c *Client) *HackerNews {
	return &HackerNews{client: c, BaseURL: "https://hacker-news.firebaseio.com/v0", Limit: BatchLimit}
}

func (h *HackerNews) Name() string { return "hackernews" }

type hnItem struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
	Time  int64  `json:"time"`
}

// FetchNews loads the top story ids and then each story concurrently.
// Non-story items are skipped; story failures are joined into the error.
func (h *HackerNews) FetchNews(ctx context.Context, _ time.Time, _ string) ([]model.NewsItem, error) {
	var ids []int64
	if err := h.client.GetJSON(ctx, h.BaseURL+"/topstories.json", &ids); err != nil {
		return nil, fmt.Errorf("hackernews top stories: %w", err)
	}
	if len(ids) > h.Limit {
		ids = ids[:h.Limit]
	}

	stories := make([]*hnItem, len(ids))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			var it hnItem
			if err := h.client.GetJSON(gctx, fmt.Sprintf("%s/item/%d.json", h.BaseURL, id), &it); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("hackernews item %d: %w", id, err))
				mu.Unlock()
				return nil
			}
			stories[i] = &it
			return nil
		})
	}
	_ = g.Wait()

	items := make([]model.NewsItem, 0, len(stories))
	for _, it := range stories {
		if it == nil || it.Type != "story" {
			continue
		}
		desc := it.Text
		if desc == "" {
			desc = it.Title
		}
		link := it.URL
		if link == "" {
			link = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", it.ID)
		}
		items = append(items, model.NewsItem{
			ID:          fmt.Sprintf("hn-%d", it.ID),
			Title:       it.Title,
			Description: desc,
			URL:         link,
			PublishedAt: time.Unix(it.Time, 0).UTC(),
			Source:      "Hacker News",
		})
	}
	return items, errors.Join(errs...)
}
