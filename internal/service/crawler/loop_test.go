package crawler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/snapshot"
	"github.com/LouYuanbo1/marketcrawler/param"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	mu      sync.Mutex
	indexes []int
	fail    map[string]bool
}

func (a *fakeAggregator) Aggregate(ctx context.Context, cc *CrawlContext, index int, stub model.EntityStub) *model.AggregatedRecord {
	a.mu.Lock()
	a.indexes = append(a.indexes, index)
	a.mu.Unlock()
	cc.Entities.Add(1)
	rec := &model.AggregatedRecord{
		Index:   index,
		TokenID: stub.TokenID,
		Summary: model.SummaryEntry{EntityID: stub.TokenID, EntityPriceWei: "0", EntityPriceUnit: "0", Items: []model.ItemSummary{}},
	}
	if a.fail[stub.TokenID] {
		cc.Placeholders.Add(1)
		return rec
	}
	rec.Detail = json.RawMessage(`{}`)
	return rec
}

func (a *fakeAggregator) sortedIndexes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]int(nil), a.indexes...)
	sort.Ints(out)
	return out
}

func catalogFetcher(body string) *fakeFetcher {
	return &fakeFetcher{handler: func(req *param.FetchRequest) (*FetchResult, error) {
		return payloadResult(body), nil
	}}
}

func newTestLoop(t *testing.T, cfg *config.Config, list Fetcher, agg RecordAggregator, w SnapshotWriter, sleep SleepFunc) CrawlLoop {
	loop, err := InitCrawlLoop(LoopDeps{
		Config:      cfg,
		ListFetcher: list,
		Aggregator:  agg,
		Writer:      w,
		RunID:       "run-test",
		Sleep:       sleep,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return loop
}

const fiveStubs = `{"characters":[{"tokenId":"a"},{"tokenId":"b"},{"tokenId":"c"},{"tokenId":"d"},{"tokenId":"e"}]}`

// WHAT: checkpoint=2 时从第 3 个实体继续,批次边界推进 checkpoint
func TestLoop_ResumeFromCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	agg := &fakeAggregator{}
	w := &fakeWriter{checkpoint: 2}
	loop := newTestLoop(t, cfg, catalogFetcher(fiveStubs), agg, w, nil)

	summary, err := loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4}, agg.sortedIndexes())
	require.Equal(t, []string{"c", "d", "e"}, w.persistedIDs())
	require.Len(t, w.batches, 2)
	require.Equal(t, 4, w.batches[0].Next)
	require.Equal(t, 5, w.batches[1].Next)
	require.Equal(t, "run-test", w.batches[0].RunID)
	require.Equal(t, 5, summary.Total)
	require.Equal(t, 2, summary.Offset)
	require.EqualValues(t, 3, summary.Entities)
	require.Zero(t, w.resets)
}

// WHAT: 上一轮已经跑完(checkpoint >= 总数)时重置为 0 从头开始
func TestLoop_WrapAround(t *testing.T) {
	cfg := testConfig(t)
	agg := &fakeAggregator{}
	w := &fakeWriter{checkpoint: 5}
	loop := newTestLoop(t, cfg, catalogFetcher(fiveStubs), agg, w, nil)

	_, err := loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, w.resets)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, w.persistedIDs())
	require.Equal(t, 5, w.Checkpoint())
}

// WHAT: 占位记录与正常记录按列表顺序一起落盘
// WHY: 摘要文件的顺序与列表一致,失败的实体也有位置
func TestLoop_PlaceholderKeepsOrder(t *testing.T) {
	cfg := testConfig(t)
	agg := &fakeAggregator{fail: map[string]bool{"b": true, "d": true}}
	w := &fakeWriter{}
	loop := newTestLoop(t, cfg, catalogFetcher(fiveStubs), agg, w, nil)

	summary, err := loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, w.persistedIDs())
	require.True(t, w.batches[0].Records[1].Placeholder())
	require.EqualValues(t, 2, summary.Placeholders)
}

// WHAT: 列表抓取失败时 once 模式直接返回错误,不写任何批次
func TestLoop_ListFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	list := &fakeFetcher{handler: func(req *param.FetchRequest) (*FetchResult, error) {
		return nil, &FetchError{Request: req.Name, Kind: KindTransport, Attempts: 5, Err: ErrTransportFailure}
	}}
	w := &fakeWriter{}
	loop := newTestLoop(t, cfg, list, &fakeAggregator{}, w, nil)

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	require.Empty(t, w.batches)
}

func TestLoop_EmptyCatalog(t *testing.T) {
	cfg := testConfig(t)
	loop := newTestLoop(t, cfg, catalogFetcher(`{"data":{"items":[]}}`), &fakeAggregator{}, &fakeWriter{}, nil)

	_, err := loop.RunOnce(context.Background(), 1)
	require.ErrorIs(t, err, ErrEmptyCatalog)
}

// WHAT: 列表接口为空时使用页面提取结果;重复的实体只保留第一次出现;max_entities 截断
func TestLoop_DOMFallbackDedupAndCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.DOMFallback = true
	cfg.Crawl.MaxEntities = 2
	list := &fakeFetcher{handler: func(req *param.FetchRequest) (*FetchResult, error) {
		if !req.Expect[0].Optional || req.Extract == nil {
			t.Errorf("开启兜底时列表接口应为可选: %+v", req)
		}
		res := payloadResult("")
		res.Extracted = json.RawMessage(`{"characters":[{"tokenId":"x"},{"tokenId":"x"},{"tokenId":"y"},{"tokenId":"z"}]}`)
		return res, nil
	}}
	w := &fakeWriter{}
	loop, err := InitCrawlLoop(LoopDeps{
		Config:      cfg,
		ListFetcher: list,
		Aggregator:  &fakeAggregator{},
		Writer:      w,
		Extractor:   func(ctx context.Context, page chrome.Page) (json.RawMessage, error) { return nil, nil },
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	_, err = loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []model.EntityStub{{TokenID: "x"}, {TokenID: "y"}}, w.catalog)
	require.Equal(t, []string{"x", "y"}, w.persistedIDs())
}

func emptyExtractor(ctx context.Context, page chrome.Page) (json.RawMessage, error) {
	return json.RawMessage(`{"characters":[]}`), nil
}

// WHAT: 开启兜底时列表接口返回 429 仍按限流退避重试,不会用空的页面提取结果结束本轮
func TestLoop_ListRateLimitedWithFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.DOMFallback = true
	session := newFakeSession().script("https://market.test/api/list",
		fakeResponse{http.StatusTooManyRequests, `{}`},
		fakeResponse{http.StatusOK, `{"characters":[{"tokenId":"a"},{"tokenId":"b"}]}`},
	)
	sr := &sleepRecorder{}
	list := newTestFetcher(session, testPolicy(3), sr)
	w := &fakeWriter{}
	loop, err := InitCrawlLoop(LoopDeps{
		Config:      cfg,
		ListFetcher: list,
		Aggregator:  &fakeAggregator{},
		Writer:      w,
		Extractor:   emptyExtractor,
		Sleep:       sr.sleep,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	_, err = loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, session.loadCount())
	require.Equal(t, []time.Duration{600 * time.Second}, sr.recorded())
	require.Equal(t, []string{"a", "b"}, w.persistedIDs())
}

// WHAT: 列表接口与页面提取都为空时按解析失败重试,用尽后返回 ErrEmptyCatalog
func TestLoop_EmptyCatalogRetried(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.DOMFallback = true
	session := newFakeSession().script("https://market.test/api/list", fakeResponse{http.StatusOK, `{"characters":[]}`})
	sr := &sleepRecorder{}
	list := newTestFetcher(session, testPolicy(3), sr)
	w := &fakeWriter{}
	loop, err := InitCrawlLoop(LoopDeps{
		Config:      cfg,
		ListFetcher: list,
		Aggregator:  &fakeAggregator{},
		Writer:      w,
		Extractor:   emptyExtractor,
		Sleep:       sr.sleep,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	_, err = loop.RunOnce(context.Background(), 1)
	require.ErrorIs(t, err, ErrEmptyCatalog)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 3, session.loadCount())
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, sr.recorded())
	require.Empty(t, w.batches)
}

// WHAT: forever 模式下单轮失败不退出,达到 max_cycles 后停止,每轮之间等待 cycle_pause
func TestLoop_ForeverMaxCycles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Forever = true
	cfg.Crawl.MaxCycles = 3
	cfg.Crawl.CyclePauseMs = 60000

	calls := 0
	list := &fakeFetcher{handler: func(req *param.FetchRequest) (*FetchResult, error) {
		calls++
		if calls == 1 {
			return nil, &FetchError{Request: req.Name, Kind: KindRateLimited, Attempts: 5, Err: ErrRateLimited}
		}
		return payloadResult(`{"characters":[{"tokenId":"a"}]}`), nil
	}}
	sr := &sleepRecorder{}
	w := &fakeWriter{}
	loop := newTestLoop(t, cfg, list, &fakeAggregator{}, w, sr.sleep)

	require.NoError(t, loop.Run(context.Background()))
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Minute, time.Minute}, sr.recorded())
	require.Equal(t, []string{"a", "a"}, w.persistedIDs())
	require.Equal(t, 2, w.batches[0].Cycle)
	require.Equal(t, 3, w.batches[1].Cycle)
}

// WHAT: 取消后 forever 模式返回 ctx 错误
func TestLoop_ForeverCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Forever = true
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	loop := newTestLoop(t, cfg, catalogFetcher(fiveStubs), &fakeAggregator{}, &fakeWriter{}, sleep)
	require.ErrorIs(t, loop.Run(ctx), context.Canceled)
}

// WHAT: 列表、详情、装备与落盘串起来跑一轮: 详情被限流用尽的实体写入占位,其余正常
func TestLoop_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	session := newFakeSession().
		script("https://market.test/api/list", fakeResponse{http.StatusOK, `{"characters":[{"tokenId":"a"},{"tokenId":"b"},{"tokenId":"c"}]}`}).
		script("https://market.test/api/c/a", fakeResponse{http.StatusOK, `{"character":{"salesInfo":{"priceWei":"1000000000000000000"},"wearing":{"equip":{"weapon":{"tokenId":"w1"}}}}}`}).
		script("https://market.test/api/c/b", fakeResponse{http.StatusTooManyRequests, `{}`}).
		script("https://market.test/api/c/c", fakeResponse{http.StatusOK, `{"character":{}}`}).
		script("https://market.test/api/i/w1", fakeResponse{http.StatusOK, `{"salesInfo":{"priceWei":"5000000000000000000"}}`})
	sr := &sleepRecorder{}
	timeouts := Timeouts{Navigation: time.Second, Response: time.Second}
	list := InitRetryingFetcher(session, testPolicy(3), timeouts, sr.sleep, testLogger())
	entity := InitRetryingFetcher(session, testPolicy(2), timeouts, sr.sleep, testLogger())
	item := InitRetryingFetcher(session, testPolicy(3), timeouts, sr.sleep, testLogger())

	agg, err := InitRecordAggregator(cfg, entity, item, testLogger())
	require.NoError(t, err)
	n := &fakeNotifier{}
	tn, err := InitThresholdNotifier(cfg, n, nil, testLogger())
	require.NoError(t, err)
	w, err := snapshot.OpenWriter(cfg, testLogger())
	require.NoError(t, err)

	loop, err := InitCrawlLoop(LoopDeps{
		Config:      cfg,
		ListFetcher: list,
		Aggregator:  agg,
		Notifier:    tn,
		Writer:      w,
		Sleep:       sr.sleep,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	summary, err := loop.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.Placeholders)
	require.EqualValues(t, 1, summary.Notifications)
	require.Len(t, n.messages, 1)
	require.Contains(t, n.messages[0], "w1")
	require.Equal(t, 3, w.Checkpoint())

	data, err := os.ReadFile(filepath.Join(cfg.Output.Directory, cfg.Output.SummaryFile))
	require.NoError(t, err)
	var entries []model.SummaryEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].EntityID)
	require.Equal(t, "5", string(entries[0].Items[0].PriceUnit))
	require.Equal(t, "b", entries[1].EntityID)
	require.Equal(t, "0", string(entries[1].EntityPriceUnit))
	require.Empty(t, entries[1].Items)
	require.Equal(t, "c", entries[2].EntityID)

	details, items, summaries := w.Counts()
	require.Equal(t, []int{2, 1, 3}, []int{details, items, summaries})
	require.EqualValues(t, session.opened.Load(), session.closed.Load())
}
