package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/LJTian/FeedDigest/internal/config"
	"github.com/LJTian/FeedDigest/internal/extractor"
	"github.com/LJTian/FeedDigest/internal/llm"
	"github.com/LJTian/FeedDigest/internal/notify"
	"github.com/LJTian/FeedDigest/internal/pipeline"
	"github.com/LJTian/FeedDigest/internal/storage"
)

// 一次性采集入口：跑完整条流水线后退出，方便在容器或 crontab 里单独调度
func main() {
	cfg := config.Load()

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("init store failed: %v", err)
	}

	llmClient := llm.NewClient(cfg.LLMEndpoint, cfg.LLMModel, cfg.LLMAPIKey)

	rssExtractor := extractor.NewRSSExtractor()
	rssExtractor.WindowFunc = func() time.Duration {
		if v, _ := store.GetConfigValue(storage.KeyRecencyDays); v != "" {
			if days, err := strconv.Atoi(v); err == nil && days > 0 {
				return time.Duration(days) * 24 * time.Hour
			}
		}
		return 0
	}

	llmExtractor := extractor.NewLLMExtractor(llmClient, cfg.RendererURL)
	llmExtractor.OptionsFunc = func() llm.Options {
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

	router := extractor.NewRouter(
		rssExtractor,
		extractor.NewRulesExtractor(),
		llmExtractor,
	)

	pipe := pipeline.New(store, router, llmClient, notify.NewDispatcher(store))

	log.Println("starting one-shot collection ...")
	start := time.Now()
	pipe.RunCheck(context.Background())
	log.Printf("collection finished in %s", time.Since(start).Round(time.Millisecond))
}
