package main

import (
	"fmt"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/es"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/snapshot"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/persistence/sqlite"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看 checkpoint、输出文件中的记录数量与通知台账",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		st, err := snapshot.ReadStats(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("输出目录: %s\n", cfg.Output.Directory)
		fmt.Printf("checkpoint: %d\n", st.Checkpoint)
		fmt.Printf("实体详情: %d  装备详情: %d  摘要: %d\n", st.Details, st.Items, st.Summaries)
		for _, path := range st.Corrupt {
			fmt.Printf("无法解析的文件: %s\n", path)
		}

		if cfg.Notify.LedgerDB != "" {
			ledger, err := sqlite.OpenLedger(ctx, cfg.Notify.LedgerDB)
			if err != nil {
				return err
			}
			defer ledger.Close()
			n, err := ledger.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("已发送的提醒: %d\n", n)
		}

		if cfg.Elasticsearch.Enabled {
			mirror, err := es.InitSummaryMirror(ctx, cfg, logger)
			if err != nil {
				fmt.Printf("Elasticsearch 不可用: %v\n", err)
				return nil
			}
			count, err := mirror.Count(ctx)
			if err != nil {
				return fmt.Errorf("查询索引文档数量失败: %w", err)
			}
			fmt.Printf("索引 %s 中的文档数量: %d\n", cfg.Elasticsearch.Index, count)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
