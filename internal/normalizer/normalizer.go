package normalizer

import (
	"net/url"
	"regexp"
)

// 标题与 URL 的清洗规则：抽取之后、入库之前统一应用。
// 两个函数相互独立、可任意组合，并且永不返回错误。

// 匹配标题末尾的 "(7 minute read)" / "(3-min read)" 这类阅读时长标注
var readTimeExpr = regexp.MustCompile(`(?i)\s*\(\s*\d+\s*[-\s]?\s*min(?:ute)?s?\s+read\s*\)\s*$`)

// 会被统一剔除的跟踪参数
var trackingParams = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_term",
	"utm_content",
	"ref",
	"reflink",
	"mod",
}

// CleanTitle 去掉标题末尾的阅读时长标注；没有标注或标题为空时原样返回
func CleanTitle(title string) string {
	if title == "" {
		return title
	}
	return readTimeExpr.ReplaceAllString(title, "")
}

// CleanURL 删除 URL 中的跟踪参数并重新序列化，其余参数全部保留。
// 解析失败时按字节原样返回输入，绝不报错。
func CleanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	removed := false
	for _, p := range trackingParams {
		if q.Has(p) {
			q.Del(p)
			removed = true
		}
	}
	// 没有可删参数时直接返回原串，避免改变参数顺序
	if !removed {
		return raw
	}

	u.RawQuery = q.Encode()
	return u.String()
}
