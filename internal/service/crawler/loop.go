package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/entity"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/parallel"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/types"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/snapshot"
	"github.com/LouYuanbo1/marketcrawler/param"
)

// SnapshotWriter 批次落盘与 checkpoint,由 snapshot.Writer 实现
type SnapshotWriter interface {
	Checkpoint() int
	ResetCheckpoint() error
	Persist(ctx context.Context, batch snapshot.Batch) error
	WriteCatalog(stubs []model.EntityStub) error
}

// CrawlLoop 列表 -> 分批聚合 -> 落盘 的主循环
type CrawlLoop interface {
	// RunOnce 执行一轮完整遍历
	RunOnce(ctx context.Context, cycle int) (PassSummary, error)
	// Run once 模式执行一轮;forever 模式按 cycle_pause 重复,直到 ctx 取消或达到 max_cycles
	Run(ctx context.Context) error
}

type LoopDeps struct {
	Config      *config.Config
	ListFetcher Fetcher
	Aggregator  RecordAggregator
	Notifier    ThresholdNotifier
	Writer      SnapshotWriter
	// Extractor 列表接口没有结果时的 DOM 兜底,为 nil 时不启用
	Extractor param.Extractor
	// RunID 为空时每轮生成新的 uuid
	RunID  string
	Sleep  SleepFunc
	Logger *slog.Logger
}

type crawlLoop struct {
	cfg         *config.Config
	listFetcher Fetcher
	aggregator  RecordAggregator
	notifier    ThresholdNotifier
	writer      SnapshotWriter
	extractor   param.Extractor
	runner      parallel.BatchRunner[*model.AggregatedRecord]
	wait        types.WaitPolicy
	runID       string
	sleep       SleepFunc
	logger      *slog.Logger
}

func InitCrawlLoop(deps LoopDeps) (CrawlLoop, error) {
	cfg := deps.Config
	if cfg == nil || deps.ListFetcher == nil || deps.Aggregator == nil || deps.Writer == nil {
		return nil, errors.New("CrawlLoop 缺少必要的依赖")
	}
	runner, err := parallel.InitBatchRunner[*model.AggregatedRecord](cfg.Crawl.BatchSize, cfg.Crawl.Concurrency, cfg.BatchPause())
	if err != nil {
		return nil, err
	}
	wait, err := types.ParseWaitPolicy(cfg.Timeouts.WaitPolicy)
	if err != nil {
		return nil, err
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &crawlLoop{
		cfg:         cfg,
		listFetcher: deps.ListFetcher,
		aggregator:  deps.Aggregator,
		notifier:    deps.Notifier,
		writer:      deps.Writer,
		extractor:   deps.Extractor,
		runner:      runner,
		wait:        wait,
		runID:       deps.RunID,
		sleep:       sleep,
		logger:      logger,
	}, nil
}

func (cl *crawlLoop) state(cycle int, name string, args ...any) {
	cl.logger.Info("loop: "+name, append([]any{"cycle", cycle}, args...)...)
}

func (cl *crawlLoop) Run(ctx context.Context) error {
	forever := cl.cfg.Crawl.Forever
	maxCycles := cl.cfg.Crawl.MaxCycles

	for cycle := 1; ; cycle++ {
		_, err := cl.RunOnce(ctx, cycle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !forever {
				return err
			}
			cl.logger.Error("loop: 本轮失败,等待下一轮", "cycle", cycle, "err", err)
		}
		if !forever {
			return nil
		}
		if maxCycles > 0 && cycle >= maxCycles {
			cl.logger.Info("loop: 达到最大轮数,退出", "cycles", cycle)
			return nil
		}
		cl.state(cycle, "idle", "next_in", cl.cfg.CyclePause())
		if err := cl.sleep(ctx, cl.cfg.CyclePause()); err != nil {
			return err
		}
	}
}

func (cl *crawlLoop) RunOnce(ctx context.Context, cycle int) (PassSummary, error) {
	cc := NewCrawlContext(cl.runID, cycle)
	cl.state(cycle, "idle", "run_id", cc.RunID)

	cl.state(cycle, "list_fetch", "url", cl.cfg.URLs.CatalogPage)
	stubs, err := cl.fetchCatalog(ctx)
	if err != nil {
		return PassSummary{}, err
	}
	if limit := cl.cfg.Crawl.MaxEntities; limit > 0 && len(stubs) > limit {
		stubs = stubs[:limit]
	}
	total := len(stubs)
	if err := cl.writer.WriteCatalog(stubs); err != nil {
		cl.logger.Warn("loop: 保存实体列表失败", "cycle", cycle, "err", err)
	}

	offset := cl.writer.Checkpoint()
	cl.state(cycle, "resuming", "checkpoint", offset, "total", total)
	if offset >= total {
		if offset > 0 {
			cl.logger.Info("loop: 上一轮已完成,从头开始", "cycle", cycle, "checkpoint", offset, "total", total)
		}
		if err := cl.writer.ResetCheckpoint(); err != nil {
			return PassSummary{}, fmt.Errorf("重置 checkpoint 失败: %w", err)
		}
		offset = 0
	}

	cl.state(cycle, "scheduling",
		"total", total,
		"offset", offset,
		"batch_size", cl.cfg.Crawl.BatchSize,
		"concurrency", cl.cfg.Crawl.Concurrency,
	)
	task := func(ctx context.Context, idx int) *model.AggregatedRecord {
		rec := cl.aggregator.Aggregate(ctx, cc, idx, stubs[idx])
		if cl.notifier != nil {
			cl.notifier.Notify(ctx, cc, rec)
		}
		return rec
	}
	persist := func(ctx context.Context, records []*model.AggregatedRecord, next int) error {
		cl.state(cycle, "persisting", "records", len(records), "next", next)
		return cl.writer.Persist(ctx, snapshot.Batch{
			RunID:   cc.RunID,
			Cycle:   cycle,
			Records: records,
			Next:    next,
		})
	}
	err = cl.runner.Run(ctx, total, offset, task, persist)

	summary := cc.Summary(total, offset)
	cl.logger.Info("loop: 本轮结束",
		"cycle", cycle,
		"run_id", summary.RunID,
		"total", summary.Total,
		"offset", summary.Offset,
		"entities", summary.Entities,
		"placeholders", summary.Placeholders,
		"partial", summary.Partial,
		"skipped_items", summary.SkippedItems,
		"items", summary.Items,
		"priced_items", summary.PricedItems,
		"notifications", summary.Notifications,
		"elapsed", summary.Elapsed.Round(time.Millisecond),
		"err", err,
	)
	if err != nil {
		return summary, err
	}
	cl.state(cycle, "idle")
	return summary, nil
}

// fetchCatalog 列表接口优先,接口没有实体时使用 DOM 兜底;结果按首次出现去重
// 两者都为空时按解析失败在 retry.list 的次数内重试
func (cl *crawlLoop) fetchCatalog(ctx context.Context) ([]model.EntityStub, error) {
	fallback := cl.cfg.Crawl.DOMFallback && cl.extractor != nil
	req := &param.FetchRequest{
		Name:    "list",
		PageUrl: cl.cfg.URLs.CatalogPage,
		Wait:    cl.wait,
		Expect:  []param.Expectation{{Url: cl.cfg.URLs.CatalogAPI, Optional: fallback}},
	}
	req.Validate = func(payloads []json.RawMessage, extracted json.RawMessage) error {
		if len(catalogStubs(payloads[0], extracted)) == 0 {
			return ErrEmptyCatalog
		}
		return nil
	}
	if fallback {
		req.Extract = cl.extractor
	}

	res, err := cl.listFetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("获取实体列表失败: %w", err)
	}

	if len(entity.StubTokenIDs(res.Payloads[0])) == 0 && len(res.Extracted) > 0 {
		cl.logger.Info("loop: 列表接口没有结果,使用页面提取")
	}
	stubs := catalogStubs(res.Payloads[0], res.Extracted)
	if len(stubs) == 0 {
		return nil, ErrEmptyCatalog
	}
	cl.logger.Info("loop: 获取实体列表", "count", len(stubs), "attempts", res.Attempts)
	return stubs, nil
}

func catalogStubs(payload, extracted json.RawMessage) []model.EntityStub {
	ids := entity.StubTokenIDs(payload)
	if len(ids) == 0 && len(extracted) > 0 {
		ids = entity.StubTokenIDs(extracted)
	}
	seen := make(map[string]struct{}, len(ids))
	stubs := make([]model.EntityStub, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		stubs = append(stubs, model.EntityStub{TokenID: id})
	}
	return stubs
}
