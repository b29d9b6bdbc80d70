package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LJTian/FeedDigest/internal/extractor"
	"github.com/LJTian/FeedDigest/internal/llm"
	"github.com/LJTian/FeedDigest/internal/notify"
	"github.com/LJTian/FeedDigest/internal/storage"
)

// fakeStore 在内存里模拟存储层，记录每次调用以便断言
type fakeStore struct {
	mu sync.Mutex

	sources    []storage.Source
	sourcesErr error

	// duplicateURLs 中的链接在 CreatePost 时返回去重命中
	duplicateURLs map[string]bool
	createErr     error

	config map[string]string

	created     []*storage.Post
	updates     map[uint][]map[string]any
	lastChecked map[uint]time.Time
	nextID      uint

	activeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		duplicateURLs: map[string]bool{},
		config:        map[string]string{},
		updates:       map[uint][]map[string]any{},
		lastChecked:   map[uint]time.Time{},
	}
}

func (f *fakeStore) GetActiveSources() ([]storage.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	return f.sources, f.sourcesErr
}

func (f *fakeStore) CreatePost(p *storage.Post) (storage.CreateOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return storage.PostOutcomeNone, f.createErr
	}
	if f.duplicateURLs[p.URL] {
		return storage.PostDuplicate, nil
	}
	f.nextID++
	p.ID = f.nextID
	f.created = append(f.created, p)
	return storage.PostInserted, nil
}

func (f *fakeStore) UpdatePost(id uint, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], fields)
	return nil
}

func (f *fakeStore) UpdateSourceLastChecked(id uint, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastChecked[id] = checkedAt
	return nil
}

func (f *fakeStore) GetConfigValue(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config[key], nil
}

func (f *fakeStore) GetConfigBool(key string, def bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.config[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

// fakeRouter 按源 URL 查表返回结果或错误
type fakeRouter struct {
	mu      sync.Mutex
	results map[string][]extractor.RawPost
	errs    map[string]error
	block   chan struct{} // 非 nil 时每次 Extract 阻塞等待
	calls   int
}

func (f *fakeRouter) Extract(ctx context.Context, src extractor.Source) ([]extractor.RawPost, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	posts := f.results[src.URL]
	err := f.errs[src.URL]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return posts, err
}

type fakeCompleter struct {
	mu     sync.Mutex
	output string
	err    error
	inputs []string
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(messages) > 0 {
		f.inputs = append(f.inputs, messages[len(messages)-1].Content)
	}
	return f.output, f.err
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    bool
	err     error
	digests [][]notify.DigestPost
}

func (f *fakeDispatcher) SendDigest(ctx context.Context, posts []notify.DigestPost) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests = append(f.digests, posts)
	return f.sent, f.err
}

func longContent(n int) string {
	return strings.Repeat("词", n)
}

func TestRunCheckFailureIsolation(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{
		{ID: 1, URL: "https://ok-one.example.com", Title: "One", Type: extractor.TypeRSS},
		{ID: 2, URL: "https://broken.example.com", Title: "Two", Type: extractor.TypeRSS},
		{ID: 3, URL: "https://ok-three.example.com", Title: "Three", Type: extractor.TypeRSS},
	}

	router := &fakeRouter{
		results: map[string][]extractor.RawPost{
			"https://ok-one.example.com":   {{Title: "p1", URL: "https://x.com/1"}},
			"https://ok-three.example.com": {{Title: "p3", URL: "https://x.com/3"}},
		},
		errs: map[string]error{
			"https://broken.example.com": errors.New("connection refused"),
		},
	}

	p := New(store, router, nil, nil)
	p.RunCheck(context.Background())

	st := p.Status()
	if st.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want complete", st.Phase)
	}
	// 失败的源不拦路：三个源都被处理，两个源的帖子都落库
	if st.SourcesProcessed != 3 || st.SourcesTotal != 3 {
		t.Fatalf("processed=%d total=%d, want 3/3", st.SourcesProcessed, st.SourcesTotal)
	}
	if st.NewPosts != 2 || len(store.created) != 2 {
		t.Fatalf("new posts = %d (created %d), want 2", st.NewPosts, len(store.created))
	}
	if !strings.Contains(st.LastError, "Two") {
		t.Fatalf("LastError = %q, want mention of failing source", st.LastError)
	}

	// last_checked 只在源成功时更新
	if _, ok := store.lastChecked[1]; !ok {
		t.Fatalf("source 1 should have last_checked updated")
	}
	if _, ok := store.lastChecked[2]; ok {
		t.Fatalf("failed source 2 must not have last_checked updated")
	}
	if _, ok := store.lastChecked[3]; !ok {
		t.Fatalf("source 3 should have last_checked updated")
	}
}

func TestRunCheckDuplicateSkipped(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}
	store.duplicateURLs["https://x.com/dup"] = true
	store.config[storage.KeyDigestEnabled] = "true"

	router := &fakeRouter{results: map[string][]extractor.RawPost{
		"https://s.example.com": {
			{Title: "fresh", URL: "https://x.com/fresh"},
			{Title: "dup", URL: "https://x.com/dup"},
		},
	}}
	dispatcher := &fakeDispatcher{sent: true}

	p := New(store, router, nil, dispatcher)
	p.RunCheck(context.Background())

	if st := p.Status(); st.NewPosts != 1 {
		t.Fatalf("NewPosts = %d, want 1", st.NewPosts)
	}
	// 去重命中的帖子不进 digest
	if len(dispatcher.digests) != 1 || len(dispatcher.digests[0]) != 1 {
		t.Fatalf("unexpected digests: %v", dispatcher.digests)
	}
	if dispatcher.digests[0][0].Title != "fresh" {
		t.Fatalf("digest post = %+v", dispatcher.digests[0][0])
	}
}

func TestSummarizeOnlyLongContent(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}

	router := &fakeRouter{results: map[string][]extractor.RawPost{
		"https://s.example.com": {
			{Title: "short", URL: "https://x.com/short", Content: "too short"},
			{Title: "long", URL: "https://x.com/long", Content: longContent(300)},
		},
	}}
	completer := &fakeCompleter{output: "• the gist"}

	p := New(store, router, completer, nil)
	p.RunCheck(context.Background())

	st := p.Status()
	if st.SummariesTotal != 1 || st.SummariesProcessed != 1 {
		t.Fatalf("summaries %d/%d, want 1/1", st.SummariesProcessed, st.SummariesTotal)
	}
	if len(completer.inputs) != 1 {
		t.Fatalf("completer called %d times, want 1", len(completer.inputs))
	}

	// 摘要写回长内容那一条
	var summarized bool
	for _, ups := range store.updates {
		for _, fields := range ups {
			if s, ok := fields["summary"]; ok {
				summarized = true
				if s != "• the gist" {
					t.Fatalf("summary = %v", s)
				}
			}
		}
	}
	if !summarized {
		t.Fatalf("expected a summary update, got %v", store.updates)
	}
}

func TestSummarizeTruncatesInput(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}

	router := &fakeRouter{results: map[string][]extractor.RawPost{
		"https://s.example.com": {{Title: "huge", URL: "https://x.com/huge", Content: longContent(25000)}},
	}}
	completer := &fakeCompleter{output: "ok"}

	p := New(store, router, completer, nil)
	p.RunCheck(context.Background())

	if len(completer.inputs) != 1 {
		t.Fatalf("completer called %d times", len(completer.inputs))
	}
	if got := len([]rune(completer.inputs[0])); got > summaryMaxInputChars {
		t.Fatalf("model input %d runes, want <= %d", got, summaryMaxInputChars)
	}
}

func TestSummarizeNotConfiguredAborts(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}

	router := &fakeRouter{results: map[string][]extractor.RawPost{
		"https://s.example.com": {
			{Title: "a", URL: "https://x.com/a", Content: longContent(200)},
			{Title: "b", URL: "https://x.com/b", Content: longContent(200)},
		},
	}}
	completer := &fakeCompleter{err: llm.ErrNotConfigured}

	p := New(store, router, completer, nil)
	p.RunCheck(context.Background())

	// 缺凭据时不逐条重试，但计数推进到总数，运行正常收尾
	st := p.Status()
	if st.Phase != PhaseComplete {
		t.Fatalf("phase = %s", st.Phase)
	}
	if st.SummariesProcessed != st.SummariesTotal || st.SummariesTotal != 2 {
		t.Fatalf("summaries %d/%d, want 2/2", st.SummariesProcessed, st.SummariesTotal)
	}
	if len(completer.inputs) != 1 {
		t.Fatalf("completer called %d times, want 1", len(completer.inputs))
	}
}

func TestNotifyMarksPosts(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}
	store.config[storage.KeyDigestEnabled] = "true"

	router := &fakeRouter{results: map[string][]extractor.RawPost{
		"https://s.example.com": {
			{Title: "a", URL: "https://x.com/a"},
			{Title: "b", URL: "https://x.com/b"},
		},
	}}
	dispatcher := &fakeDispatcher{sent: true}

	p := New(store, router, nil, dispatcher)
	p.RunCheck(context.Background())

	marked := 0
	for _, ups := range store.updates {
		for _, fields := range ups {
			if v, ok := fields["notified"]; ok && v == true {
				marked++
			}
		}
	}
	if marked != 2 {
		t.Fatalf("marked %d posts notified, want 2", marked)
	}
}

func TestNotifySkippedWhenDisabledOrUnsent(t *testing.T) {
	base := func(sent bool, digestEnabled string) (*fakeStore, *fakeDispatcher) {
		store := newFakeStore()
		store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}
		if digestEnabled != "" {
			store.config[storage.KeyDigestEnabled] = digestEnabled
		}
		return store, &fakeDispatcher{sent: sent}
	}
	router := func() *fakeRouter {
		return &fakeRouter{results: map[string][]extractor.RawPost{
			"https://s.example.com": {{Title: "a", URL: "https://x.com/a"}},
		}}
	}

	// digest 未开启：根本不调用 dispatcher
	store, dispatcher := base(true, "")
	New(store, router(), nil, dispatcher).RunCheck(context.Background())
	if len(dispatcher.digests) != 0 {
		t.Fatalf("dispatcher called while digest disabled")
	}

	// webhook 未配置（sent=false）：不标记 notified
	store, dispatcher = base(false, "true")
	New(store, router(), nil, dispatcher).RunCheck(context.Background())
	for _, ups := range store.updates {
		for _, fields := range ups {
			if _, ok := fields["notified"]; ok {
				t.Fatalf("post marked notified although nothing was sent")
			}
		}
	}
}

func TestRunCheckSingleFlight(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}

	block := make(chan struct{})
	router := &fakeRouter{
		results: map[string][]extractor.RawPost{"https://s.example.com": nil},
		block:   block,
	}

	p := New(store, router, nil, nil)

	done := make(chan struct{})
	go func() {
		p.RunCheck(context.Background())
		close(done)
	}()

	// 等第一轮进入抓取阶段
	deadline := time.After(2 * time.Second)
	for p.Status().Phase != PhaseFetching {
		select {
		case <-deadline:
			t.Fatalf("first run never reached fetching phase")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// 运行中的再次触发被拒绝，且不产生副作用
	if p.TriggerAsync() {
		t.Fatalf("TriggerAsync must report busy during a run")
	}
	p.RunCheck(context.Background())

	close(block)
	<-done

	if store.activeCalls != 1 {
		t.Fatalf("GetActiveSources called %d times, want 1", store.activeCalls)
	}

	// 运行结束后可以再次触发
	block2 := make(chan struct{})
	close(block2)
	router.mu.Lock()
	router.block = block2
	router.mu.Unlock()
	p.RunCheck(context.Background())
	if store.activeCalls != 2 {
		t.Fatalf("GetActiveSources called %d times after rerun, want 2", store.activeCalls)
	}
}

// explodingRouter 第一次调用 panic，之后恢复正常
type explodingRouter struct {
	mu    sync.Mutex
	calls int
}

func (r *explodingRouter) Extract(ctx context.Context, src extractor.Source) ([]extractor.RawPost, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	if n == 1 {
		panic("selector blew up")
	}
	return nil, nil
}

func TestRunCheckRecoversFromPanic(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}
	router := &explodingRouter{}

	p := New(store, router, nil, nil)
	p.RunCheck(context.Background())

	st := p.Status()
	if st.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want complete after panic", st.Phase)
	}
	if !strings.Contains(st.LastError, "panic") {
		t.Fatalf("LastError = %q, want recorded panic", st.LastError)
	}
	if st.FinishedAt.IsZero() {
		t.Fatalf("FinishedAt not set after panic")
	}

	// 标志已无条件清除：下一轮照常执行
	p.RunCheck(context.Background())
	st = p.Status()
	if st.Phase != PhaseComplete || st.LastError != "" {
		t.Fatalf("second run after panic: %+v", st)
	}
	if store.activeCalls != 2 {
		t.Fatalf("GetActiveSources called %d times, want 2", store.activeCalls)
	}
}

func TestTriggerAsyncExactlyOneWinner(t *testing.T) {
	store := newFakeStore()
	store.sources = []storage.Source{{ID: 1, URL: "https://s.example.com", Title: "S", Type: extractor.TypeRSS}}

	block := make(chan struct{})
	router := &fakeRouter{
		results: map[string][]extractor.RawPost{"https://s.example.com": nil},
		block:   block,
	}
	p := New(store, router, nil, nil)

	// 并发触发只能有一个返回 true；标志在 TriggerAsync 返回前就已抢占
	var wg sync.WaitGroup
	var started int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.TriggerAsync() {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&started); n != 1 {
		t.Fatalf("TriggerAsync returned true %d times, want exactly 1", n)
	}

	close(block)
	deadline := time.After(2 * time.Second)
	for p.Status().Phase != PhaseComplete {
		select {
		case <-deadline:
			t.Fatalf("triggered run never completed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if store.activeCalls != 1 {
		t.Fatalf("GetActiveSources called %d times, want 1", store.activeCalls)
	}
}

func TestRunCheckSourcesError(t *testing.T) {
	store := newFakeStore()
	store.sourcesErr = fmt.Errorf("db down")

	p := New(store, &fakeRouter{}, nil, nil)
	p.RunCheck(context.Background())

	st := p.Status()
	if st.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want complete", st.Phase)
	}
	if !strings.Contains(st.LastError, "db down") {
		t.Fatalf("LastError = %q", st.LastError)
	}
}
