package extractor

import (
	"context"
	"encoding/json"
	"time"
)

// 三种抽取策略共用的类型标识
const (
	TypeRSS       = "rss"
	TypeHTMLRules = "html_rules"
	TypeHTMLLLM   = "html_llm"
)

// Source 是执行一次抽取所需的最小视图。
// 既可以由存储层的源配置转换而来，也可以由 API 预览时临时构造（不落库）。
type Source struct {
	ID           uint
	URL          string
	Title        string
	Type         string
	Rules        json.RawMessage
	Instructions string
}

// RawPost 统一三种策略的输出结构
type RawPost struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
	// Rule 记录产出该条目的规则名，便于预览与排障；仅规则抽取会填充
	Rule string `json:"rule,omitempty"`
}

// Extractor 抽象每一种抽取策略
type Extractor interface {
	Name() string
	Extract(ctx context.Context, src Source) ([]RawPost, error)
}

// 规则/LLM 策略里宽松解析日期时依次尝试的格式
var looseDateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

func parseLooseDate(s string) (time.Time, bool) {
	for _, layout := range looseDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
