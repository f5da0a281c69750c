package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atmx/timemachine/internal/model"
)

// DefaultSubreddits are the investing communities polled for headlines.
var DefaultSubreddits = []string{"stocks", "investing", "SecurityAnalysis", "ValueInvesting"}

// Reddit reads hot posts from investing subreddits.
type Reddit struct {
	client     *Client
	Subreddits []string
	BaseURL    string
}

// NewReddit creates a Reddit source.
func NewReddit(c *Client, subs []string) *Reddit {
	if len(subs) == 0 {
		subs = DefaultSubreddits
	}
	return &Reddit{client: c, Subreddits: subs, BaseURL: "https://www.reddit.com"}
}

func (r *Reddit) Name() string { return "reddit" }

// FetchNews loads each subreddit's hot listing. A failing subreddit is
// skipped and reported in the joined error.
func (r *Reddit) FetchNews(ctx context.Context, _ time.Time, _ string) ([]model.NewsItem, error) {
	var items []model.NewsItem
	var errs []error

	for _, sub := range r.Subreddits {
		var out struct {
			Data struct {
				Children []struct {
					Data struct {
						Title      string  `json:"title"`
						Selftext   string  `json:"selftext"`
						Permalink  string  `json:"permalink"`
						CreatedUTC float64 `json:"created_utc"`
						Thumbnail  string  `json:"thumbnail"`
					} `json:"data"`
				} `json:"children"`
			} `json:"data"`
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(PerFeedLimit))
		target := r.BaseURL + "/r/" + url.PathEscape(sub) + "/hot.json?" + q.Encode()
		if err := r.client.GetJSON(ctx, target, &out); err != nil {
			errs = append(errs, fmt.Errorf("subreddit %s: %w", sub, err))
			continue
		}

		for i, child := range out.Data.Children {
			if i == PerFeedLimit {
				break
			}
			post := child.Data
			desc := post.Selftext
			if desc == "" {
				desc = post.Title
			}
			items = append(items, model.NewsItem{
				ID:          fmt.Sprintf("reddit-%s-%d", sub, i),
				Title:       post.Title,
				Description: desc,
				URL:         "https://reddit.com" + post.Permalink,
				PublishedAt: time.Unix(int64(post.CreatedUTC), 0).UTC(),
				Source:      "r/" + sub,
				ImageURL:    redditThumbnail(post.Thumbnail),
			})
		}
	}

	if len(items) > BatchLimit {
		items = items[:BatchLimit]
	}
	return items, errors.Join(errs...)
}

// redditThumbnail drops placeholder values such as "self" and "default".
func redditThumbnail(s string) string {
	if !strings.HasPrefix(s, "http") {
		return ""
	}
	return s
}
