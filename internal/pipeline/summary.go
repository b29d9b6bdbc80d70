package pipeline

import (
	"regexp"
	"strings"
)

var (
	// 三个及以上连续换行压成一个空行
	multiBlankExpr = regexp.MustCompile(`\n{3,}`)
	// 无序/有序列表项的行首形态
	listItemExpr = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
)

// CleanSummary 规范模型返回的摘要：压缩冗余空行，
// 并去掉被插在相邻列表项之间的空行（模型常见的输出毛病）。
func CleanSummary(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	s = multiBlankExpr.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" && betweenListItems(out, lines, i) {
			continue
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// betweenListItems 判断某个空行的上一条已保留行与下一条非空行是否都是列表项
func betweenListItems(kept []string, lines []string, i int) bool {
	if len(kept) == 0 || !listItemExpr.MatchString(kept[len(kept)-1]) {
		return false
	}
	for j := i + 1; j < len(lines); j++ {
		if strings.TrimSpace(lines[j]) == "" {
			continue
		}
		return listItemExpr.MatchString(lines[j])
	}
	return false
}
