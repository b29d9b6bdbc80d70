package extractor

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	rssClientTimeout   = 15 * time.Second
	defaultRecencyDays = 7
	untitled           = "Untitled"
)

// RSSExtractor 通过 gofeed 解析 RSS/Atom 订阅源。
// 超过时效窗口的旧条目会被丢弃，剩余条目按时间从新到旧排序。
type RSSExtractor struct {
	parser *gofeed.Parser

	// WindowFunc 返回允许的最大条目年龄；为 nil 或返回非正值时默认 7 天
	WindowFunc func() time.Duration
}

func NewRSSExtractor() *RSSExtractor {
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: rssClientTimeout}
	p.UserAgent = "FeedDigestBot/1.0"
	return &RSSExtractor{parser: p}
}

func (r *RSSExtractor) Name() string {
	return TypeRSS
}

func (r *RSSExtractor) Extract(ctx context.Context, src Source) ([]RawPost, error) {
	feed, err := r.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, &FetchError{URL: src.URL, Status: httpErr.StatusCode, Err: err}
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, &FetchError{URL: src.URL, Err: err}
		}
		// 剩下的按解析失败处理；RSS 的解析失败会由路由层继续向上抛
		return nil, &ParseError{URL: src.URL, Err: err}
	}

	window := time.Duration(defaultRecencyDays) * 24 * time.Hour
	if r.WindowFunc != nil {
		if w := r.WindowFunc(); w > 0 {
			window = w
		}
	}
	cutoff := time.Now().Add(-window)

	posts := make([]RawPost, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = untitled
		}

		link := strings.TrimSpace(item.Link)
		if link == "" {
			link = strings.TrimSpace(item.GUID)
		}
		if link == "" {
			log.Printf("rss: skip item without link or guid (feed=%s title=%q)", src.URL, title)
			continue
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}

		published := itemDate(item)
		if published.IsZero() {
			log.Printf("rss: item %q has no valid date, using now (feed=%s)", title, src.URL)
			published = time.Now()
		}
		if published.Before(cutoff) {
			continue
		}

		posts = append(posts, RawPost{
			Title:       title,
			URL:         link,
			Content:     content,
			PublishedAt: published,
		})
	}

	sort.Slice(posts, func(i, j int) bool {
		return posts[i].PublishedAt.After(posts[j].PublishedAt)
	})

	return posts, nil
}

// itemDate 取第一个有效的时间字段：发布时间优先，其次更新时间
func itemDate(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
