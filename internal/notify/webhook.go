package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/LJTian/FeedDigest/internal/storage"
)

const (
	webhookTimeout   = 10 * time.Second
	maxErrorBodySize = 1024
)

var (
	// ErrNoChannels 表示渠道列表为空；在任何网络调用之前同步返回
	ErrNoChannels = errors.New("notify: no channels configured")
	// ErrUnknownChannel 表示渠道名不在配置的别名列表里
	ErrUnknownChannel = errors.New("notify: unknown channel")
	// ErrNoWebhook 表示单条投递路径缺少 webhook 配置
	ErrNoWebhook = errors.New("notify: webhook not configured")
)

// DigestPost 是进入通知的一条帖子的最小视图
type DigestPost struct {
	Title       string
	URL         string
	Summary     string
	SourceTitle string
}

type configStore interface {
	GetConfigValue(key string) (string, error)
}

// Dispatcher 把通知投递到消息 webhook；不做重试，至少一次语义
type Dispatcher struct {
	store  configStore
	client *http.Client
}

func NewDispatcher(store configStore) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// SendDigest 按来源分组渲染一条 digest 消息并发送一次。
// 未配置 webhook 是合法的“关闭”状态，返回 false 而不是错误。
func (d *Dispatcher) SendDigest(ctx context.Context, posts []DigestPost) (bool, error) {
	if len(posts) == 0 {
		return false, nil
	}

	webhook, err := d.store.GetConfigValue(storage.KeyWebhookURL)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(webhook) == "" {
		log.Println("notify: webhook not configured, digest disabled")
		return false, nil
	}

	payload := map[string]any{"text": renderDigest(posts)}
	if err := d.post(ctx, webhook, payload); err != nil {
		return false, err
	}
	return true, nil
}

// SendToChannel 将单条帖子投递到一个静态配置的渠道别名。
// 渠道名先规范化（去空白、去前导 '#'）再校验；渠道未知或列表为空时
// 在任何网络调用之前报错。
func (d *Dispatcher) SendToChannel(ctx context.Context, post DigestPost, channel string) error {
	name := NormalizeChannel(channel)

	channels, err := d.configuredChannels()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}

	known := false
	for _, c := range channels {
		if NormalizeChannel(c) == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	webhook, err := d.store.GetConfigValue(storage.KeyWebhookURL)
	if err != nil {
		return err
	}
	if strings.TrimSpace(webhook) == "" {
		return ErrNoWebhook
	}

	payload := map[string]any{
		"channel": "#" + name,
		"text":    renderPost(post),
	}
	return d.post(ctx, webhook, payload)
}

// NormalizeChannel 去掉首尾空白与前导 '#'
func NormalizeChannel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	return strings.TrimSpace(s)
}

func (d *Dispatcher) configuredChannels() ([]string, error) {
	raw, err := d.store.GetConfigValue(storage.KeyNotifyChannels)
	if err != nil {
		return nil, err
	}

	var channels []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	return channels, nil
}

// renderDigest 按来源标题分组，保持首次出现的顺序
func renderDigest(posts []DigestPost) string {
	order := make([]string, 0)
	groups := make(map[string][]DigestPost)
	for _, p := range posts {
		if _, ok := groups[p.SourceTitle]; !ok {
			order = append(order, p.SourceTitle)
		}
		groups[p.SourceTitle] = append(groups[p.SourceTitle], p)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*New posts digest* — %d new\n", len(posts))
	for _, title := range order {
		fmt.Fprintf(&b, "\n*%s*\n", title)
		for _, p := range groups[title] {
			fmt.Fprintf(&b, "• <%s|%s>\n", p.URL, p.Title)
			if p.Summary != "" {
				b.WriteString(p.Summary)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func renderPost(p DigestPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n<%s|%s>\n", p.SourceTitle, p.URL, p.Title)
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n")
	}
	return b.String()
}

func (d *Dispatcher) post(ctx context.Context, webhook string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("notify: webhook returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	return nil
}
