package crawler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/snapshot"
	"github.com/LouYuanbo1/marketcrawler/param"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.ParseConfig([]byte(`{
		"urls": {
			"catalog_page": "https://market.test/list",
			"catalog_api": "https://market.test/api/list",
			"detail_page": "https://market.test/c/{tokenId}",
			"detail_api": "https://market.test/api/c/{tokenId}",
			"item_page": "https://market.test/i/{tokenId}",
			"item_api": "https://market.test/api/i/{tokenId}",
			"item_history_api": "https://market.test/api/i/{tokenId}/history"
		},
		"crawl": {"batch_size": 2, "concurrency": 2}
	}`))
	require.NoError(t, err)
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func testPolicy(maxAttempts int) config.RetryPolicy {
	return config.RetryPolicy{
		MaxAttempts: maxAttempts,
		RateLimited: config.Backoff{BaseMs: 600000, CapMs: 1800000},
		Decode:      config.Backoff{BaseMs: 10000, CapMs: 300000},
		Transport:   config.Backoff{BaseMs: 10000, CapMs: 300000},
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakeResponse struct {
	status int
	body   string
}

// fakeSession 按 URL 返回预设的响应序列,序列用完后重复最后一个;没有预设的 URL 等待超时
type fakeSession struct {
	mu       sync.Mutex
	scripts  map[string][]fakeResponse
	calls    map[string]int
	loads    []string
	loadErrs int
	html     string

	opened atomic.Int64
	closed atomic.Int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{scripts: map[string][]fakeResponse{}, calls: map[string]int{}}
}

func (s *fakeSession) script(url string, responses ...fakeResponse) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[url] = responses
	return s
}

func (s *fakeSession) Load(ctx context.Context, url string, wait types.WaitPolicy, timeout time.Duration) (chrome.Page, error) {
	s.mu.Lock()
	s.loads = append(s.loads, url)
	if s.loadErrs > 0 {
		s.loadErrs--
		s.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
	s.mu.Unlock()
	s.opened.Add(1)
	return &fakePage{session: s}, nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) next(url string) (*types.NetworkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.scripts[url]
	if !ok || len(seq) == 0 {
		return nil, chrome.ErrResponseTimeout
	}
	i := min(s.calls[url], len(seq)-1)
	s.calls[url]++
	r := seq[i]
	return &types.NetworkResponse{Url: url, Status: r.status, Body: []byte(r.body)}, nil
}

func (s *fakeSession) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

type fakePage struct {
	session *fakeSession
	closed  atomic.Bool
}


func (p *fakePage) HTML(ctx context.Context) (string, error) { return p.session.html, nil }

func (p *fakePage) AwaitResponse(ctx context.Context, url string, timeout time.Duration) (*types.NetworkResponse, error) {
	if p.closed.Load() {
		return nil, chrome.ErrPageClosed
	}
	return p.session.next(url)
}

func (p *fakePage) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.session.closed.Add(1)
	}
	return nil
}

// fakeFetcher 直接返回结果,绕过页面层
type fakeFetcher struct {
	mu       sync.Mutex
	handler  func(req *param.FetchRequest) (*FetchResult, error)
	requests []*param.FetchRequest
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *param.FetchRequest) (*FetchResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeFetcher) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Name)
	}
	return out
}

type fakeWriter struct {
	mu         sync.Mutex
	checkpoint int
	batches    []snapshot.Batch
	catalog    []model.EntityStub
	resets     int
}

func (w *fakeWriter) Checkpoint() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

func (w *fakeWriter) ResetCheckpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpoint = 0
	w.resets++
	return nil
}

func (w *fakeWriter) Persist(ctx context.Context, batch snapshot.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, batch)
	w.checkpoint = batch.Next
	return nil
}

func (w *fakeWriter) WriteCatalog(stubs []model.EntityStub) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.catalog = stubs
	return nil
}

func (w *fakeWriter) persistedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for _, b := range w.batches {
		for _, r := range b.Records {
			ids = append(ids, r.TokenID)
		}
	}
	return ids
}
