package config

import (
	"log"
	"os"
)

// Config 只覆盖进程级接线：端口、DSN、LLM 凭据等。
// 运行期可调的设置（调度、提示词、webhook、渠道、窗口）在存储层的配置表里。
type Config struct {
	AppPort string

	PostgresDSN string
	RedisAddr   string

	LLMEndpoint string
	LLMModel    string
	LLMAPIKey   string

	// RendererURL 非空时 LLM 抽取优先走无头浏览器渲染服务
	RendererURL string

	BasicAuthUser string
	BasicAuthPass string
}

func Load() *Config {
	cfg := &Config{
		AppPort:       getEnv("APP_PORT", "8080"),
		PostgresDSN:   getEnv("POSTGRES_DSN", "host=localhost user=feeddigest password=feeddigest dbname=feeddigest port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		LLMEndpoint:   getEnv("LLM_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:     getEnv("LLM_API_KEY", ""),
		RendererURL:   getEnv("RENDERER_URL", ""),
		BasicAuthUser: getEnv("APP_BASIC_USER", ""),
		BasicAuthPass: getEnv("APP_BASIC_PASS", ""),
	}

	log.Printf("config loaded: port=%s model=%s renderer=%q", cfg.AppPort, cfg.LLMModel, cfg.RendererURL)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
