package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 运行期可调配置的键名；由外部 CRUD 服务或管理界面写入，这里读取
const (
	KeySchedule       = "schedule"
	KeyDigestEnabled  = "digest_enabled"
	KeyWebhookURL     = "webhook_url"
	KeyNotifyChannels = "notify_channels"
	KeySummaryPrompt  = "summary_prompt"
	KeyLLMModel       = "llm_model"
	KeyLLMTemperature = "llm_temperature"
	KeyLLMMaxTokens   = "llm_max_tokens"
	KeyRecencyDays    = "rss_recency_days"
	KeyRetentionDays  = "post_retention_days"
)

// Source 描述一个被监控的订阅源或网页
type Source struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	URL   string `gorm:"size:1024" json:"url"`
	Title string `gorm:"size:256" json:"title"`
	// Type: rss / html_rules / html_llm
	Type                   string         `gorm:"size:32;index" json:"type"`
	ExtractionRules        datatypes.JSON `gorm:"type:jsonb" json:"extractionRules"`
	ExtractionInstructions string         `gorm:"size:4000" json:"extractionInstructions"`
	Active                 bool           `gorm:"index" json:"active"`
	LastChecked            *time.Time     `json:"lastChecked"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Post 是从源里发现的单条文章/条目。
// (url, title) 上的联合唯一索引是去重的唯一机制：同 URL 不同标题、
// 同标题不同 URL 都算新帖。约束在数据库层，应用代码不再复查，
// 并发写入下也保持正确。
type Post struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SourceID    uint      `gorm:"index" json:"sourceId"`
	URL         string    `gorm:"size:1024;uniqueIndex:idx_posts_url_title" json:"url"`
	Title       string    `gorm:"size:512;uniqueIndex:idx_posts_url_title" json:"title"`
	Content     string    `gorm:"type:text" json:"content"`
	FullContent string    `gorm:"type:text" json:"fullContent,omitempty"`
	Summary     string    `gorm:"type:text" json:"summary,omitempty"`
	PublishedAt time.Time `gorm:"index" json:"publishedAt"`
	Notified    bool      `gorm:"index" json:"notified"`
	Flagged     bool      `json:"flagged"`
	// ExtraData 记录产出条目的规则名等排障信息
	ExtraData datatypes.JSONMap `gorm:"type:jsonb" json:"extraData,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ConfigEntry 是简单的键值配置表
type ConfigEntry struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateOutcome 区分插入成功与命中去重；重复不是错误。
// CreatePost 出错时返回零值 PostOutcomeNone，此时结论无意义。
type CreateOutcome int

const (
	PostOutcomeNone CreateOutcome = iota
	PostInserted
	PostDuplicate
)

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewStore(dsn, redisAddr string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Source{}, &Post{}, &ConfigEntry{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("warn: redis ping failed: %v", err)
	}

	return &Store{DB: db, Redis: rdb}, nil
}

// Redis 的 seen 键只是提示，数据库唯一索引才是去重的事实来源
const seenKeyTTL = 14 * 24 * time.Hour

func seenKey(url, title string) string {
	h := sha1.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(title))
	return "post:seen:" + hex.EncodeToString(h.Sum(nil))
}

// CreatePost 插入新帖；(url, title) 已存在时返回 PostDuplicate 而不是错误。
// Redis 命中后仍回数据库确认：行不在（被保留期清理或外部删除）时作废缓存键
// 并照常插入，重复的结论永远以数据库里的行为准。
func (s *Store) CreatePost(p *Post) (CreateOutcome, error) {
	ctx := context.Background()
	key := seenKey(p.URL, p.Title)

	if s.Redis != nil {
		if n, err := s.Redis.Exists(ctx, key).Result(); err == nil && n > 0 {
			var count int64
			cerr := s.DB.Model(&Post{}).
				Where("url = ? AND title = ?", p.URL, p.Title).
				Count(&count).Error
			if cerr == nil && count > 0 {
				return PostDuplicate, nil
			}
			// 缓存键过期作废；计数出错时也走正常插入，让错误从那里暴露
			_ = s.Redis.Del(ctx, key).Err()
		}
	}

	if err := s.DB.Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if s.Redis != nil {
				_ = s.Redis.Set(ctx, key, 1, seenKeyTTL).Err()
			}
			return PostDuplicate, nil
		}
		return PostOutcomeNone, err
	}

	if s.Redis != nil {
		_ = s.Redis.Set(ctx, key, 1, seenKeyTTL).Err()
	}
	return PostInserted, nil
}

func (s *Store) GetPost(id uint) (*Post, error) {
	var p Post
	if err := s.DB.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdatePost(id uint, fields map[string]any) error {
	return s.DB.Model(&Post{}).Where("id = ?", id).Updates(fields).Error
}

func (s *Store) GetActiveSources() ([]Source, error) {
	var sources []Source
	if err := s.DB.Where("active = ?", true).Order("id").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) GetSource(id uint) (*Source, error) {
	var src Source
	if err := s.DB.First(&src, id).Error; err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Store) UpdateSource(id uint, fields map[string]any) error {
	return s.DB.Model(&Source{}).Where("id = ?", id).Updates(fields).Error
}

func (s *Store) UpdateSourceLastChecked(id uint, checkedAt time.Time) error {
	return s.UpdateSource(id, map[string]any{"last_checked": checkedAt})
}

func (s *Store) DeleteSource(id uint) error {
	return s.DB.Delete(&Source{}, id).Error
}

// GetConfigValue 读取配置项；键不存在返回空串而不是错误
func (s *Store) GetConfigValue(key string) (string, error) {
	var entry ConfigEntry
	err := s.DB.First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

func (s *Store) SetConfigValue(key, value string) error {
	entry := ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

// GetConfigBool 读取布尔配置；空值和无法识别的值都按 def 处理
func (s *Store) GetConfigBool(key string, def bool) bool {
	v, err := s.GetConfigValue(key)
	if err != nil || strings.TrimSpace(v) == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// CleanupOldPosts 删除创建时间早于保留窗口的帖子，窗口单位是“天”。
// 返回删除的行数；days <= 0 表示不做清理。
func (s *Store) CleanupOldPosts(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := s.DB.Where("created_at < ?", cutoff).Delete(&Post{})
	return res.RowsAffected, res.Error
}
