package extractor

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Router 按源类型查表分发到对应的抽取策略。
// 两种 HTML 策略的解析失败会被降级为零结果；RSS 的解析失败继续上抛，
// 因为无法解析的订阅源与配置错误难以区分，必须对调用方可见。
type Router struct {
	extractors map[string]Extractor
}

func NewRouter(extractors ...Extractor) *Router {
	m := make(map[string]Extractor, len(extractors))
	for _, e := range extractors {
		m[e.Name()] = e
	}
	return &Router{extractors: m}
}

func (r *Router) Extract(ctx context.Context, src Source) ([]RawPost, error) {
	ex, ok := r.extractors[src.Type]
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}

	posts, err := ex.Extract(ctx, src)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) && src.Type != TypeRSS {
			log.Printf("extract: parse error treated as empty result (type=%s url=%s): %v", src.Type, src.URL, err)
			return nil, nil
		}
		return nil, err
	}

	return posts, nil
}
