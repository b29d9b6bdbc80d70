package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	renderTimeout   = 25 * time.Second
	settleDelay     = 1500 * time.Millisecond
	defaultMaxChars = 20000
	maxMaxChars     = 60000
)

type renderRequest struct {
	URL      string `json:"url"`
	MaxChars int    `json:"maxChars"`
}

type renderResult struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func main() {
	// 整个进程复用一个 headless 实例，每个请求只开独立的超时上下文
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// 预热，避免首个请求承担浏览器启动耗时
	if err := chromedp.Run(browserCtx); err != nil {
		log.Printf("warn: warmup chromedp failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/extract", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, renderResult{OK: false, Error: "invalid json"})
			return
		}
		if req.URL == "" {
			writeJSON(w, http.StatusBadRequest, renderResult{OK: false, Error: "url is required"})
			return
		}
		if req.MaxChars <= 0 || req.MaxChars > maxMaxChars {
			req.MaxChars = defaultMaxChars
		}

		ctx, cancel := context.WithTimeout(browserCtx, renderTimeout)
		defer cancel()

		var text string
		err := chromedp.Run(ctx,
			chromedp.Navigate(req.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			// 列表页常由前端脚本填充，稍等一拍再取文本
			chromedp.Sleep(settleDelay),
			chromedp.Evaluate(listingJS(), &text),
		)
		if err != nil {
			log.Printf("render error: %v (url=%s)", err, req.URL)
			writeJSON(w, http.StatusOK, renderResult{OK: false, Error: err.Error()})
			return
		}

		text = collapseBlank(text)
		if text == "" {
			writeJSON(w, http.StatusOK, renderResult{OK: false, Error: "empty content"})
			return
		}

		// rune 级截断，避免多字节字符被截成半个
		rs := []rune(text)
		if len(rs) > req.MaxChars {
			text = string(rs[:req.MaxChars])
		}

		writeJSON(w, http.StatusOK, renderResult{OK: true, Text: text})
	})

	addr := ":" + getEnv("PORT", "4000")
	log.Printf("renderer listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("http server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// listingJS 返回一段 JS，提取整页可见文本并在链接后内联其绝对地址，
// 这样下游的模型抽取不丢失条目的 URL 信息。
func listingJS() string {
	return `(function () {
  var anchors = document.querySelectorAll("a[href]");
  for (var i = 0; i < anchors.length; i++) {
    var a = anchors[i];
    var label = (a.innerText || "").trim();
    if (!label) continue;
    var href = a.href;
    if (!href || href.indexOf("javascript:") === 0) continue;
    if (a.getAttribute("data-href-inlined")) continue;
    a.setAttribute("data-href-inlined", "1");
    a.appendChild(document.createTextNode(" (" + href + ")"));
  }

  var body = document.body;
  return body ? (body.innerText || "").trim() : "";
})();`
}

func collapseBlank(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
