package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/FeedDigest/internal/storage"
)

// ErrInvalidSchedule 表示 cron 表达式非法；属于调用方可纠正的配置错误
var ErrInvalidSchedule = errors.New("invalid cron schedule")

// Runner 由流水线实现：到点触发一轮采集
type Runner interface {
	RunCheck(ctx context.Context)
}

type configStore interface {
	GetConfigValue(key string) (string, error)
	SetConfigValue(key, value string) error
}

// Scheduler 持有唯一的 cron 实例，且任何时刻至多一个采集定时项处于活动状态。
// 更新调度时先校验新表达式：非法输入绝不影响正在生效的旧调度。
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	store  configStore

	mu     sync.Mutex
	entry  cron.EntryID
	active bool
	spec   string
}

func New(runner Runner, store configStore) *Scheduler {
	c := cron.New()
	c.Start()
	return &Scheduler{cron: c, runner: runner, store: store}
}

// Cron 暴露底层实例，便于挂载清理等辅助任务
func (s *Scheduler) Cron() *cron.Cron {
	return s.cron
}

// Spec 返回当前生效的调度表达式；空闲时为空串
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// InitFromStore 加载持久化的调度表达式。未配置不是错误，调度器保持空闲。
func (s *Scheduler) InitFromStore() error {
	spec, err := s.store.GetConfigValue(storage.KeySchedule)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if strings.TrimSpace(spec) == "" {
		log.Println("scheduler: no schedule configured, staying idle")
		return nil
	}
	return s.install(spec)
}

// UpdateSchedule 先校验、再持久化、最后原子替换定时项
func (s *Scheduler) UpdateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	if s.store != nil {
		if err := s.store.SetConfigValue(storage.KeySchedule, spec); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
	}
	return s.install(spec)
}

func (s *Scheduler) install(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 先停掉旧定时项再装新的，两步都在锁内完成
	if s.active {
		s.cron.Remove(s.entry)
		s.active = false
		s.spec = ""
	}

	id, err := s.cron.AddFunc(spec, s.runJob)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	s.entry = id
	s.active = true
	s.spec = spec
	log.Printf("scheduler: schedule set to %q", spec)
	return nil
}

func (s *Scheduler) runJob() {
	// 重入保护在流水线内部：一轮没跑完时这里直接被跳过
	s.runner.RunCheck(context.Background())
}

// Stop 停止底层 cron；正在执行的任务会自然跑完
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
