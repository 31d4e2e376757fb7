package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 环境变量前缀,例如 MARKETCRAWLER_CRAWL_CONCURRENCY
const EnvPrefix = "MARKETCRAWLER"

// ParseConfig 解析 JSON 配置并补齐默认值
func ParseConfig(byteConfig []byte) (*Config, error) {
	var cfg Config
	err := json.Unmarshal(byteConfig, &cfg)
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg.finish()
}

// Load 解析 JSON 配置,再用 .env 与环境变量覆盖,最后校验
func Load(byteConfig []byte) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	var cfg Config
	if err := json.Unmarshal(byteConfig, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	// 环境变量在默认值之前生效,未设置的字段保持 JSON 中的值
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}
	out, err := cfg.finish()
	if err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Config) finish() (*Config, error) {
	c.defaults()
	if err := c.resolvePaths(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) defaults() {
	if c.Driver == "" {
		c.Driver = "rod"
	}
	if c.Crawl.BatchSize <= 0 {
		c.Crawl.BatchSize = 10
	}
	if c.Crawl.Concurrency <= 0 {
		c.Crawl.Concurrency = 3
	}
	if c.Crawl.SubItemCeiling == "" {
		c.Crawl.SubItemCeiling = "1000000"
	}
	if len(c.Crawl.EntityPricePaths) == 0 {
		c.Crawl.EntityPricePaths = []string{
			"character.salesInfo.priceWei",
			"salesInfo.priceWei",
			"character.priceWei",
		}
	}
	if c.Crawl.EquipPath == "" {
		c.Crawl.EquipPath = "character.wearing.equip"
	}
	if c.Notify.Ceiling == "" {
		c.Notify.Ceiling = c.Crawl.SubItemCeiling
	}
	if c.Notify.Telegram.APIBase == "" {
		c.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	if c.Notify.Telegram.TimeoutMs <= 0 {
		c.Notify.Telegram.TimeoutMs = 10000
	}
	if c.Timeouts.NavigationMs <= 0 {
		c.Timeouts.NavigationMs = 60000
	}
	if c.Timeouts.ResponseMs <= 0 {
		c.Timeouts.ResponseMs = 20000
	}
	if c.Timeouts.WaitPolicy == "" {
		c.Timeouts.WaitPolicy = "domcontentloaded"
	}
	if c.Output.Directory == "" {
		c.Output.Directory = "./output"
	}
	if c.Output.CheckpointFile == "" {
		c.Output.CheckpointFile = "checkpoint.json"
	}
	if c.Output.DetailFile == "" {
		c.Output.DetailFile = "characters_detailed.json"
	}
	if c.Output.ItemFile == "" {
		c.Output.ItemFile = "items_detailed.json"
	}
	if c.Output.SummaryFile == "" {
		c.Output.SummaryFile = "character_item_summary.json"
	}
	if c.Proxy.File == "" {
		c.Proxy.File = "proxies.txt"
	}
	if c.Proxy.ProbeURL == "" {
		c.Proxy.ProbeURL = "https://httpbin.org/ip"
	}
	if c.Elasticsearch.Index == "" {
		c.Elasticsearch.Index = "marketcrawler_summary"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	defaultPolicy(&c.Retry.Entity, 5)
	defaultPolicy(&c.Retry.Item, 3)
	defaultPolicy(&c.Retry.List, 5)
}

// defaultPolicy 未配置的退避参数: 限流 5 分钟起,解析失败与网络错误 10 秒起
func defaultPolicy(p *RetryPolicy, maxAttempts int) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = maxAttempts
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	defaultBackoff(&p.RateLimited, 300000, 1800000)
	defaultBackoff(&p.Decode, 10000, 300000)
	defaultBackoff(&p.Transport, 10000, 300000)
}

func defaultBackoff(b *Backoff, baseMs, capMs int) {
	if b.BaseMs <= 0 {
		b.BaseMs = baseMs
	}
	if b.CapMs <= 0 {
		b.CapMs = capMs
	}
	if b.CapMs < b.BaseMs {
		b.CapMs = b.BaseMs
	}
}

func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.Output.Directory, &c.Rod.UserDataDir, &c.Chromedp.UserDataDir} {
		if *p == "" {
			continue
		}
		absPath, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("解析路径失败 %s: %w", *p, err)
		}
		*p = absPath
	}
	return nil
}

// Validate 校验互相依赖的配置项
func (c *Config) Validate() error {
	if c.Crawl.Concurrency > c.Crawl.BatchSize {
		return fmt.Errorf("concurrency (%d) 不能大于 batch_size (%d)", c.Crawl.Concurrency, c.Crawl.BatchSize)
	}
	switch c.Driver {
	case "rod", "chromedp", "colly":
	default:
		return fmt.Errorf("未知的页面驱动: %q", c.Driver)
	}
	templates := map[string]string{
		"urls.catalog_page": c.URLs.CatalogPage,
		"urls.catalog_api":  c.URLs.CatalogAPI,
		"urls.detail_page":  c.URLs.DetailPage,
		"urls.detail_api":   c.URLs.DetailAPI,
		"urls.item_page":    c.URLs.ItemPage,
		"urls.item_api":     c.URLs.ItemAPI,
	}
	for name, v := range templates {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("缺少配置项 %s", name)
		}
	}
	for name, v := range map[string]string{
		"crawl.subitem_ceiling": c.Crawl.SubItemCeiling,
		"notify.ceiling":        c.Notify.Ceiling,
	} {
		if _, ok := new(big.Rat).SetString(v); !ok {
			return fmt.Errorf("%s 不是合法的数字: %q", name, v)
		}
	}
	return nil
}
