package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/LJTian/FeedDigest/internal/llm"
)

const (
	llmFetchTimeout    = 20 * time.Second
	llmMaxPageChars    = 20000
	llmMaxResponseSize = 4 << 20 // 4MB，防止超大页面拖垮内存

	llmBasePrompt = `You are an expert at extracting structured article listings from raw web page text.
Extract every distinct post, article or link entry from the page content below.
Respond with ONLY a JSON array of objects, each with the fields:
  "title" (string, required), "url" (string, required),
  "content" (string, optional short description), "date" (string, optional, ISO 8601).
Do not invent entries that are not present on the page.`
)

// Completer 是 LLM 抽取策略依赖的最小补全接口，由 llm.Client 实现
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// LLMExtractor 抓取页面正文后交给大模型抽取条目列表。
// 模型输出的 JSON 按一组有序的形态规则宽松解析：先剥掉代码块围栏，
// 再尝试裸数组，最后尝试对象包装（优先 posts 字段，否则第一个数组字段）。
// 解析失败视为零结果而不是错误。
type LLMExtractor struct {
	client      Completer
	httpClient  *http.Client
	rendererURL string

	// OptionsFunc 提供运行时模型参数（模型名/温度/token 上限）；为 nil 时用客户端默认值
	OptionsFunc func() llm.Options
}

// NewLLMExtractor 组装 LLM 抽取策略；rendererURL 非空时优先走无头浏览器渲染服务
func NewLLMExtractor(client Completer, rendererURL string) *LLMExtractor {
	return &LLMExtractor{
		client:      client,
		httpClient:  &http.Client{Timeout: llmFetchTimeout},
		rendererURL: rendererURL,
	}
}

func (x *LLMExtractor) Name() string {
	return TypeHTMLLLM
}

func (x *LLMExtractor) Extract(ctx context.Context, src Source) ([]RawPost, error) {
	text, err := x.pageText(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	prompt := llmBasePrompt
	if strings.TrimSpace(src.Instructions) != "" {
		prompt += "\n\nAdditional instructions for this site:\n" + src.Instructions
	}

	user := fmt.Sprintf("Page URL: %s\n\nPage content:\n%s", src.URL, truncateRunes(text, llmMaxPageChars))

	var opts llm.Options
	if x.OptionsFunc != nil {
		opts = x.OptionsFunc()
	}

	raw, err := x.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: user},
	}, opts)
	if err != nil {
		return nil, err
	}

	return parseModelPosts(raw, src.URL), nil
}

// pageText 获取页面可读文本：优先调用渲染服务（可跑 JS 的页面），失败回退为直接抓取
func (x *LLMExtractor) pageText(ctx context.Context, pageURL string) (string, error) {
	if x.rendererURL != "" {
		text, err := x.renderText(ctx, pageURL)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			log.Printf("llm: renderer failed, falling back to direct fetch (url=%s): %v", pageURL, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", rulesUserAgent)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: pageURL, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, llmMaxResponseSize))
	if err != nil {
		return "", &ParseError{URL: pageURL, Err: err}
	}

	// 去掉脚本与样式内容后取正文文本
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	return collapseBlankLines(text), nil
}

type renderResponse struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func (x *LLMExtractor) renderText(ctx context.Context, pageURL string) (string, error) {
	payload, err := json.Marshal(map[string]any{"url": pageURL, "maxChars": llmMaxPageChars})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimSuffix(x.rendererURL, "/") + "/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out renderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, llmMaxResponseSize)).Decode(&out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("renderer: %s", out.Error)
	}

	return out.Text, nil
}

type llmPost struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Date    string `json:"date"`
}

// parseModelPosts 宽松解析模型输出；缺 title 或 url 的条目丢弃，其余保留,
// 相对链接按源地址补全。整体解析失败时返回空结果。
func parseModelPosts(raw, sourceURL string) []RawPost {
	items, ok := decodePostArray(stripCodeFence(raw))
	if !ok {
		log.Printf("llm: cannot parse model output as a post array (source=%s)", sourceURL)
		return nil
	}

	base, _ := url.Parse(sourceURL)

	posts := make([]RawPost, 0, len(items))
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		link := strings.TrimSpace(it.URL)
		if title == "" || link == "" {
			continue
		}

		if base != nil {
			if ref, err := url.Parse(link); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}

		post := RawPost{Title: title, URL: link, Content: it.Content}
		if it.Date != "" {
			if t, ok := parseLooseDate(it.Date); ok {
				post.PublishedAt = t
			}
		}
		posts = append(posts, post)
	}

	return posts
}

// decodePostArray 按序尝试：裸数组 → 对象包装（posts 字段优先，否则第一个数组字段）
func decodePostArray(s string) ([]llmPost, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	var items []llmPost
	if err := json.Unmarshal([]byte(s), &items); err == nil {
		return items, true
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
		return nil, false
	}

	if raw, ok := wrapper["posts"]; ok {
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, true
		}
	}

	// 字段名排序后遍历，保证多个数组字段时结果稳定
	keys := make([]string, 0, len(wrapper))
	for k := range wrapper {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		raw := bytes.TrimSpace(wrapper[k])
		if len(raw) == 0 || raw[0] != '[' {
			continue
		}
		if err := json.Unmarshal(raw, &items); err == nil {
			return items, true
		}
	}

	return nil, false
}

// stripCodeFence 剥掉 ``` / ```json 这类围栏标记，留下内部载荷
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	// 丢掉围栏起始行上的语言标记（如 json）
	if i := strings.Index(s, "\n"); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "" || !strings.ContainsAny(first, "[{") {
			s = s[i+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}

	return strings.TrimSpace(s)
}

// collapseBlankLines 去掉空行并折叠行内空白，给模型尽量干净的正文
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// truncateRunes 按 rune 截断，避免把多字节字符截成半个
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
