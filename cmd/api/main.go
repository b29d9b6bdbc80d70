package main

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/FeedDigest/internal/api"
	"github.com/LJTian/FeedDigest/internal/config"
	"github.com/LJTian/FeedDigest/internal/extractor"
	"github.com/LJTian/FeedDigest/internal/llm"
	"github.com/LJTian/FeedDigest/internal/notify"
	"github.com/LJTian/FeedDigest/internal/pipeline"
	"github.com/LJTian/FeedDigest/internal/scheduler"
	"github.com/LJTian/FeedDigest/internal/storage"
)

func main() {
	cfg := config.Load()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("init store failed: %v", err)
	}

	llmClient := llm.NewClient(cfg.LLMEndpoint, cfg.LLMModel, cfg.LLMAPIKey)

	// 模型参数与 RSS 时效窗口都从配置表读取，调整后下一轮即生效
	llmOptions := func() llm.Options {
		opts := llm.Options{}
		if v, _ := store.GetConfigValue(storage.KeyLLMModel); v != "" {
			opts.Model = v
		}
		if v, _ := store.GetConfigValue(storage.KeyLLMTemperature); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				opts.Temperature = f
			}
		}
		if v, _ := store.GetConfigValue(storage.KeyLLMMaxTokens); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				opts.MaxTokens = n
			}
		}
		return opts
	}

	rssExtractor := extractor.NewRSSExtractor()
	rssExtractor.WindowFunc = func() time.Duration {
		if v, _ := store.GetConfigValue(storage.KeyRecencyDays); v != "" {
			if days, err := strconv.Atoi(v); err == nil && days > 0 {
				return time.Duration(days) * 24 * time.Hour
			}
		}
		return 0 // 用抽取器默认窗口
	}

	llmExtractor := extractor.NewLLMExtractor(llmClient, cfg.RendererURL)
	llmExtractor.OptionsFunc = llmOptions

	router := extractor.NewRouter(
		rssExtractor,
		extractor.NewRulesExtractor(),
		llmExtractor,
	)

	dispatcher := notify.NewDispatcher(store)
	pipe := pipeline.New(store, router, llmClient, dispatcher)

	sched := scheduler.New(pipe, store)
	if err := sched.InitFromStore(); err != nil {
		// 持久化的表达式坏了也不至于拒绝启动；修复靠调度更新接口
		log.Printf("warn: init schedule failed: %v", err)
	}

	// 每天凌晨做一次保留期清理；窗口未配置时跳过
	if _, err := sched.Cron().AddFunc("30 3 * * *", func() { cleanupOldPosts(store) }); err != nil {
		log.Printf("warn: add cleanup cron failed: %v", err)
	}

	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}

	apiServer := api.NewServer(pipe, sched, router)
	apiServer.RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	log.Printf("starting api server at %s ...", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server exit: %v", err)
	}
}

func cleanupOldPosts(store *storage.Store) {
	raw, err := store.GetConfigValue(storage.KeyRetentionDays)
	if err != nil {
		log.Printf("cleanup: read retention config: %v", err)
		return
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return
	}

	n, err := store.CleanupOldPosts(days)
	if err != nil {
		log.Printf("cleanup: delete old posts: %v", err)
		return
	}
	if n > 0 {
		log.Printf("cleanup: removed %d posts older than %d days", n, days)
	}
}

// basicAuthMiddleware 为整个站点增加一个简单的 Basic Auth 访问密码。
// 仅当配置了 APP_BASIC_USER / APP_BASIC_PASS 时启用；/health 免认证，便于健康检查。
func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
