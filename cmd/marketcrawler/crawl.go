package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/chrome"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/collector"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/extractor"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/notify"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/es"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/snapshot"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/sqlite"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
	"github.com/LouYuanbo1/marketcrawler/internal/service/crawler"
	"github.com/spf13/cobra"
)

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	var pool *proxy.Pool
	if cfg.Proxy.Enabled {
		pool, err = proxy.LoadPool(cfg.Proxy.File, cfg.Proxy.Username, cfg.Proxy.Password)
		if err != nil {
			return err
		}
		logger.Info("proxy: 已加载代理列表", "file", cfg.Proxy.File, "count", pool.Len())
	}

	session, err := newSession(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("crawl: 关闭浏览器失败", "err", err)
		}
	}()

	writer, err := snapshot.OpenWriter(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Elasticsearch.Enabled {
		// 运行前确保 es 服务已经启动;连接失败时只落盘,不同步
		mirror, err := es.InitSummaryMirror(ctx, cfg, logger)
		if err != nil {
			logger.Warn("es: 初始化失败,摘要只写入文件", "err", err)
		} else {
			writer.SetMirror(mirror)
		}
	}

	var ledger crawler.Ledger
	if cfg.Notify.LedgerDB != "" {
		l, err := sqlite.OpenLedger(ctx, cfg.Notify.LedgerDB)
		if err != nil {
			return err
		}
		defer l.Close()
		ledger = l
	}

	timeouts := crawler.Timeouts{Navigation: cfg.NavigationTimeout(), Response: cfg.ResponseTimeout()}
	listFetcher := crawler.InitRetryingFetcher(session, cfg.Retry.List, timeouts, nil, logger)
	entityFetcher := crawler.InitRetryingFetcher(session, cfg.Retry.Entity, timeouts, nil, logger)
	itemFetcher := crawler.InitRetryingFetcher(session, cfg.Retry.Item, timeouts, nil, logger)

	aggregator, err := crawler.InitRecordAggregator(cfg, entityFetcher, itemFetcher, logger)
	if err != nil {
		return err
	}
	threshold, err := crawler.InitThresholdNotifier(cfg, newNotifier(cfg, logger), ledger, logger)
	if err != nil {
		return err
	}

	loop, err := crawler.InitCrawlLoop(crawler.LoopDeps{
		Config:      cfg,
		ListFetcher: listFetcher,
		Aggregator:  aggregator,
		Notifier:    threshold,
		Writer:      writer,
		Extractor:   extractor.NewStubExtractor(cfg.Selectors.EntityCards, cfg.Selectors.EntityLinks),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("crawl: 开始",
		"driver", cfg.Driver,
		"forever", cfg.Crawl.Forever,
		"proxy", cfg.Proxy.Enabled,
		"output", cfg.Output.Directory,
	)
	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("crawl: 收到退出信号,已停止", "checkpoint", writer.Checkpoint())
		return nil
	}
	return err
}

func newSession(cfg *config.Config, pool *proxy.Pool, logger *slog.Logger) (chrome.FetchSession, error) {
	switch cfg.Driver {
	case "chromedp":
		return chrome.InitChromedpSession(cfg, pool, logger)
	case "colly":
		return collector.InitCollySession(cfg, pool, logger), nil
	default:
		return chrome.InitRodSession(cfg, pool, logger)
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	tg := cfg.Notify.Telegram
	if tg.BotToken == "" || tg.ChatID == "" {
		logger.Info("notify: 未配置 Telegram,通知只写入日志")
		return notify.NewLogNotifier(logger)
	}
	return notify.NewTelegramNotifier(tg.APIBase, tg.BotToken, tg.ChatID, cfg.NotifyTimeout())
}
