package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/datatypes"

	"github.com/LJTian/FeedDigest/internal/extractor"
	"github.com/LJTian/FeedDigest/internal/llm"
	"github.com/LJTian/FeedDigest/internal/normalizer"
	"github.com/LJTian/FeedDigest/internal/notify"
	"github.com/LJTian/FeedDigest/internal/storage"
)

const (
	// 内容超过该长度才值得做摘要
	summaryMinContentChars = 100
	// 送给模型的内容上限
	summaryMaxInputChars = 10000

	defaultSummaryPrompt = "You are a concise technical editor. Summarize the following post in a few short bullet points, keeping concrete facts and numbers."
)

// Phase 是一轮运行所处的阶段
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseSummarizing Phase = "summarizing"
	PhaseComplete    Phase = "complete"
)

// RunStatus 只在一轮运行期间有意义，供状态接口并发读取
type RunStatus struct {
	Phase              Phase     `json:"phase"`
	SourcesProcessed   int       `json:"sourcesProcessed"`
	SourcesTotal       int       `json:"sourcesTotal"`
	NewPosts           int       `json:"newPosts"`
	SummariesProcessed int       `json:"summariesProcessed"`
	SummariesTotal     int       `json:"summariesTotal"`
	StartedAt          time.Time `json:"startedAt,omitzero"`
	FinishedAt         time.Time `json:"finishedAt,omitzero"`
	LastError          string    `json:"lastError,omitempty"`
}

// Store 是流水线依赖的存储操作子集，由 *storage.Store 实现
type Store interface {
	GetActiveSources() ([]storage.Source, error)
	CreatePost(p *storage.Post) (storage.CreateOutcome, error)
	UpdatePost(id uint, fields map[string]any) error
	UpdateSourceLastChecked(id uint, checkedAt time.Time) error
	GetConfigValue(key string) (string, error)
	GetConfigBool(key string, def bool) bool
}

// Router 按源类型分发抽取，由 *extractor.Router 实现
type Router interface {
	Extract(ctx context.Context, src extractor.Source) ([]extractor.RawPost, error)
}

// Completer 生成摘要，由 *llm.Client 实现
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

// Dispatcher 发送 digest 通知，由 *notify.Dispatcher 实现
type Dispatcher interface {
	SendDigest(ctx context.Context, posts []notify.DigestPost) (bool, error)
}

// Pipeline 串起抓取、摘要、通知三个阶段。
// running 标志保证同一时刻至多一轮在跑（single-flight）。
type Pipeline struct {
	store      Store
	router     Router
	completer  Completer
	dispatcher Dispatcher

	running atomic.Bool

	mu     sync.RWMutex
	status RunStatus
}

func New(store Store, router Router, completer Completer, dispatcher Dispatcher) *Pipeline {
	return &Pipeline{
		store:      store,
		router:     router,
		completer:  completer,
		dispatcher: dispatcher,
		status:     RunStatus{Phase: PhaseIdle},
	}
}

// Status 返回当前运行状态的快照，可与运行并发调用
func (p *Pipeline) Status() RunStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// TriggerAsync 异步启动一轮运行并立即返回；已有运行在进行时返回 false。
// 标志位在这里就抢占：返回 true 时必然有一轮真正开始，并发触发只有一个赢家
func (p *Pipeline) TriggerAsync() bool {
	if !p.running.CompareAndSwap(false, true) {
		log.Println("pipeline: run already in progress, trigger skipped")
		return false
	}
	go p.runGuarded(context.Background())
	return true
}

// RunCheck 执行一轮完整流水线。重入保护：已有运行在进行时记一条日志后
// 立即返回，不产生任何副作用。
func (p *Pipeline) RunCheck(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		log.Println("pipeline: run already in progress, skipped")
		return
	}
	p.runGuarded(ctx)
}

// runGuarded 在已持有运行标志的前提下执行一轮；标志在结束时无条件清除，
// panic 也会被捕获并记入状态
func (p *Pipeline) runGuarded(ctx context.Context) {
	defer p.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: run panicked: %v", r)
			p.mu.Lock()
			p.status.LastError = fmt.Sprintf("panic: %v", r)
			p.status.Phase = PhaseComplete
			p.status.FinishedAt = time.Now()
			p.mu.Unlock()
		}
	}()

	p.run(ctx)
}

// newPost 是一轮内新插入帖子的内存副本，供摘要与 digest 使用
type newPost struct {
	id          uint
	sourceTitle string
	title       string
	url         string
	content     string
	summary     string
}

func (p *Pipeline) run(ctx context.Context) {
	log.Println("pipeline: run started")

	sources, err := p.store.GetActiveSources()
	if err != nil {
		log.Printf("pipeline: load active sources: %v", err)
		p.mu.Lock()
		p.status = RunStatus{Phase: PhaseComplete, LastError: err.Error(), StartedAt: time.Now(), FinishedAt: time.Now()}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.status = RunStatus{Phase: PhaseFetching, SourcesTotal: len(sources), StartedAt: time.Now()}
	p.mu.Unlock()

	fresh := p.fetchAll(ctx, sources)
	p.summarizeAll(ctx, fresh)
	p.notifyAll(ctx, fresh)

	p.mu.Lock()
	p.status.Phase = PhaseComplete
	p.status.FinishedAt = time.Now()
	sourcesTotal := p.status.SourcesTotal
	p.mu.Unlock()

	log.Printf("pipeline: run done, sources=%d new_posts=%d", sourcesTotal, len(fresh))
}

// fetchAll 逐个处理源：单个源的失败只记日志，循环继续；
// 处理计数总是前进，last_checked 只在成功时更新。
func (p *Pipeline) fetchAll(ctx context.Context, sources []storage.Source) []*newPost {
	var fresh []*newPost

	for i := range sources {
		src := sources[i]

		inserted, err := p.fetchSource(ctx, src)
		if err != nil {
			log.Printf("pipeline: source %q (id=%d) failed: %v", src.Title, src.ID, err)
			p.recordError(fmt.Sprintf("source %q: %v", src.Title, err))
		} else {
			if uerr := p.store.UpdateSourceLastChecked(src.ID, time.Now()); uerr != nil {
				log.Printf("pipeline: update last_checked for source %d: %v", src.ID, uerr)
			}
			fresh = append(fresh, inserted...)
		}

		p.mu.Lock()
		p.status.SourcesProcessed++
		p.status.NewPosts = len(fresh)
		p.mu.Unlock()
	}

	return fresh
}

func (p *Pipeline) fetchSource(ctx context.Context, src storage.Source) ([]*newPost, error) {
	raws, err := p.router.Extract(ctx, extractor.Source{
		ID:           src.ID,
		URL:          src.URL,
		Title:        src.Title,
		Type:         src.Type,
		Rules:        []byte(src.ExtractionRules),
		Instructions: src.ExtractionInstructions,
	})
	if err != nil {
		return nil, err
	}

	var inserted []*newPost
	for _, raw := range raws {
		title := normalizer.CleanTitle(raw.Title)
		link := normalizer.CleanURL(raw.URL)

		rec := &storage.Post{
			SourceID:    src.ID,
			URL:         link,
			Title:       title,
			Content:     raw.Content,
			PublishedAt: raw.PublishedAt,
		}
		if rec.PublishedAt.IsZero() {
			rec.PublishedAt = time.Now()
		}
		if raw.Rule != "" {
			rec.ExtraData = datatypes.JSONMap{"rule": raw.Rule}
		}

		outcome, err := p.store.CreatePost(rec)
		if err != nil {
			log.Printf("pipeline: save post %q: %v", title, err)
			continue
		}
		if outcome == storage.PostDuplicate {
			continue
		}

		inserted = append(inserted, &newPost{
			id:          rec.ID,
			sourceTitle: src.Title,
			title:       title,
			url:         link,
			content:     raw.Content,
		})
	}

	return inserted, nil
}

// summarizeAll 为内容足够长的新帖生成摘要；单条失败只记日志，不影响其他帖子
func (p *Pipeline) summarizeAll(ctx context.Context, fresh []*newPost) {
	var queue []*newPost
	for _, np := range fresh {
		if len([]rune(np.content)) > summaryMinContentChars {
			queue = append(queue, np)
		}
	}

	p.mu.Lock()
	p.status.Phase = PhaseSummarizing
	p.status.SummariesTotal = len(queue)
	p.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	if p.completer == nil {
		log.Println("pipeline: no completion client, skipping summaries")
		return
	}

	prompt := p.configString(storage.KeySummaryPrompt, defaultSummaryPrompt)
	opts := p.llmOptions()

	for _, np := range queue {
		content := truncateRunes(np.content, summaryMaxInputChars)

		out, err := p.completer.Complete(ctx, []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: content},
		}, opts)
		if err != nil {
			log.Printf("pipeline: summarize post %d: %v", np.id, err)
			if errors.Is(err, llm.ErrNotConfigured) {
				// 缺凭据时整批都会失败，没必要逐条重试
				p.bumpSummaries(len(queue))
				return
			}
			p.bumpSummaries(1)
			continue
		}

		summary := CleanSummary(out)
		if uerr := p.store.UpdatePost(np.id, map[string]any{"summary": summary}); uerr != nil {
			log.Printf("pipeline: persist summary for post %d: %v", np.id, uerr)
		} else {
			np.summary = summary
		}
		p.bumpSummaries(1)
	}
}

// notifyAll 在开启 digest 且本轮有新帖时发送一条合并通知，成功后标记已通知
func (p *Pipeline) notifyAll(ctx context.Context, fresh []*newPost) {
	if len(fresh) == 0 || p.dispatcher == nil {
		return
	}
	if !p.store.GetConfigBool(storage.KeyDigestEnabled, false) {
		return
	}

	digest := make([]notify.DigestPost, 0, len(fresh))
	for _, np := range fresh {
		digest = append(digest, notify.DigestPost{
			Title:       np.title,
			URL:         np.url,
			Summary:     np.summary,
			SourceTitle: np.sourceTitle,
		})
	}

	sent, err := p.dispatcher.SendDigest(ctx, digest)
	if err != nil {
		log.Printf("pipeline: send digest: %v", err)
		p.recordError(fmt.Sprintf("digest: %v", err))
		return
	}
	if !sent {
		log.Println("pipeline: digest webhook not configured, nothing sent")
		return
	}

	for _, np := range fresh {
		if err := p.store.UpdatePost(np.id, map[string]any{"notified": true}); err != nil {
			log.Printf("pipeline: mark post %d notified: %v", np.id, err)
		}
	}
}

func (p *Pipeline) recordError(msg string) {
	p.mu.Lock()
	p.status.LastError = msg
	p.mu.Unlock()
}

func (p *Pipeline) bumpSummaries(n int) {
	p.mu.Lock()
	p.status.SummariesProcessed += n
	p.mu.Unlock()
}

func (p *Pipeline) configString(key, def string) string {
	v, err := p.store.GetConfigValue(key)
	if err != nil || strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (p *Pipeline) llmOptions() llm.Options {
	opts := llm.Options{Model: p.configString(storage.KeyLLMModel, "")}
	if v := p.configString(storage.KeyLLMTemperature, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.Temperature = f
		}
	}
	if v := p.configString(storage.KeyLLMMaxTokens, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MaxTokens = n
		}
	}
	return opts
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
