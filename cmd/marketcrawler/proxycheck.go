package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/infra/crawler/collector"
	"github.com/LouYuanbo1/marketcrawler/internal/infra/proxy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	probeConcurrency int
	probeTimeout     time.Duration
)

var proxyCheckCmd = &cobra.Command{
	Use:   "proxycheck",
	Short: "逐个检查 proxy.file 中的代理能否访问 proxy.probe_url",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := proxy.LoadPool(cfg.Proxy.File, cfg.Proxy.Username, cfg.Proxy.Password)
		if err != nil {
			return err
		}

		proxies := pool.All()
		results := make([]collector.ProbeResult, len(proxies))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(probeConcurrency, 1))
		for i, p := range proxies {
			g.Go(func() error {
				results[i] = collector.ProbeProxy(gctx, p, cfg.Proxy.ProbeURL, cfg.Colly.UserAgent, probeTimeout)
				return nil
			})
		}
		_ = g.Wait()

		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
				fmt.Printf("OK    %-30s %6dms  %s\n", r.Proxy.Server, r.Elapsed.Milliseconds(), r.Body)
				continue
			}
			fmt.Printf("FAIL  %-30s status=%d  %v\n", r.Proxy.Server, r.Status, r.Err)
		}
		fmt.Printf("可用代理: %d/%d\n", ok, len(results))
		if ok == 0 {
			return errors.New("没有可用的代理")
		}
		return nil
	},
}

func init() {
	proxyCheckCmd.Flags().IntVar(&probeConcurrency, "concurrency", 5, "同时检查的代理数量")
	proxyCheckCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "单个代理的超时时间")
	rootCmd.AddCommand(proxyCheckCmd)
}
