package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/spf13/cobra"
)

//使用go:embed嵌入appconfig.json文件
//下方注释重要,不能删除
//--config 指定文件时以文件为准,敏感信息(Telegram token、ES 密码、代理账号)建议放在 .env 或环境变量中

//go:embed appconfig/appconfig.json
var appConfig []byte

var (
	configPath string
	driver     string
	useProxy   bool
	once       bool
)

var rootCmd = &cobra.Command{
	Use:          "marketcrawler",
	Short:        "遍历市场列表,抓取实体详情与装备价格,按批次落盘并发送价格提醒",
	SilenceUsage: true,
	RunE:         runCrawl,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "配置文件路径,默认使用内置的 appconfig.json")
	flags.StringVar(&driver, "driver", "", "页面驱动: rod / chromedp / colly,覆盖配置文件")
	flags.BoolVar(&useProxy, "use-proxy", false, "从 proxy.file 读取代理,每次抓取随机选择一个")

	rootCmd.Flags().BoolVar(&once, "once", false, "只执行一轮,忽略 crawl.forever")
}

// loadConfig 内置配置或 --config 文件,再叠加环境变量与命令行参数
func loadConfig() (*config.Config, error) {
	raw := appConfig
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		raw = b
	}
	cfg, err := config.Load(raw)
	if err != nil {
		return nil, err
	}
	if driver != "" {
		cfg.Driver = driver
	}
	if useProxy {
		cfg.Proxy.Enabled = true
	}
	if once {
		cfg.Crawl.Forever = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
