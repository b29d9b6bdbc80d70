package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	rulesClientTimeout = 15 * time.Second
	rulesUserAgent     = "FeedDigestBot/1.0"
)

// Rule 描述一组命名的选择器：container 命中页面里的每个条目块，
// 其余选择器相对于条目块取字段；字段选择器为空时取条目块本身。
type Rule struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Date      string `json:"date"`
	Content   string `json:"content"`
}

type ruleSet struct {
	Rules []Rule `json:"rules"`
}

// RulesExtractor 按配置的 CSS 选择器规则从 HTML 页面抽取条目。
// 同一页面可配置多组规则（例如 newsletter 的 "Featured" 与 "Quick Links"），
// 各组结果顺序拼接，且每条结果记录产出它的规则名。
type RulesExtractor struct {
	timeout time.Duration
}

func NewRulesExtractor() *RulesExtractor {
	return &RulesExtractor{timeout: rulesClientTimeout}
}

func (x *RulesExtractor) Name() string {
	return TypeHTMLRules
}

func (x *RulesExtractor) Extract(ctx context.Context, src Source) ([]RawPost, error) {
	rules, err := parseRules(src.Rules)
	if err != nil {
		return nil, &ParseError{URL: src.URL, Err: err}
	}

	c := colly.NewCollector(colly.UserAgent(rulesUserAgent))
	c.SetRequestTimeout(x.timeout)

	var posts []RawPost
	for _, rule := range rules {
		rule := rule
		c.OnHTML(rule.Container, func(e *colly.HTMLElement) {
			if post, ok := candidateFromElement(e, rule); ok {
				posts = append(posts, post)
			}
		})
	}

	var fetchErr error
	c.OnError(func(resp *colly.Response, err error) {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fetchErr = &FetchError{URL: src.URL, Status: status, Err: err}
	})

	if err := c.Visit(src.URL); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, &FetchError{URL: src.URL, Err: err}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	return posts, nil
}

// candidateFromElement 按单条规则从一个条目块里抽取候选；
// 标题和链接都非空才会产出，相对链接按页面地址补全。
func candidateFromElement(e *colly.HTMLElement, rule Rule) (RawPost, bool) {
	title := fieldText(e, rule.Title, true)
	href := fieldHref(e, rule.URL)
	if title == "" || href == "" {
		return RawPost{}, false
	}

	link := e.Request.AbsoluteURL(href)
	if link == "" {
		link = href
	}

	post := RawPost{
		Title:   title,
		URL:     link,
		Content: fieldText(e, rule.Content, false),
		Rule:    rule.Name,
	}

	if dateText := fieldText(e, rule.Date, false); dateText != "" {
		if t, ok := parseLooseDate(dateText); ok {
			post.PublishedAt = t
		}
	}

	return post, true
}

// fieldText 取字段选择器首个命中元素的文本；选择器为空时，
// fallbackSelf 决定是取条目块自身文本还是视为未配置
func fieldText(e *colly.HTMLElement, selector string, fallbackSelf bool) string {
	if selector == "" {
		if !fallbackSelf {
			return ""
		}
		return strings.TrimSpace(e.DOM.Text())
	}
	return strings.TrimSpace(e.DOM.Find(selector).First().Text())
}

// fieldHref 取字段选择器首个命中元素的 href；选择器为空时取条目块自身的 href
func fieldHref(e *colly.HTMLElement, selector string) string {
	if selector == "" {
		return strings.TrimSpace(e.Attr("href"))
	}
	href, _ := e.DOM.Find(selector).First().Attr("href")
	return strings.TrimSpace(href)
}

func parseRules(raw json.RawMessage) ([]Rule, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no extraction rules configured")
	}

	var set ruleSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("invalid rules config: %w", err)
	}
	if len(set.Rules) == 0 {
		return nil, fmt.Errorf("rules config has no rules")
	}
	for i, r := range set.Rules {
		if strings.TrimSpace(r.Container) == "" {
			return nil, fmt.Errorf("rule %d (%q): container selector is required", i, r.Name)
		}
	}

	return set.Rules, nil
}
