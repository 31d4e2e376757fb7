package config

import "time"

// Config 爬虫全局配置,JSON 文件提供默认值,环境变量可以覆盖
type Config struct {
	// Driver 页面驱动: rod / chromedp / colly
	Driver string `json:"driver" envconfig:"DRIVER"`

	Crawl struct {
		// BatchSize 每批持久化的实体数量
		BatchSize int `json:"batch_size" envconfig:"BATCH_SIZE"`
		// Concurrency 批内同时进行的聚合数量,必须 <= BatchSize
		Concurrency  int `json:"concurrency" envconfig:"CONCURRENCY"`
		BatchPauseMs int `json:"batch_pause_ms" envconfig:"BATCH_PAUSE_MS"`
		CyclePauseMs int `json:"cycle_pause_ms" envconfig:"CYCLE_PAUSE_MS"`
		// MaxEntities 每轮最多处理的实体数量,0 表示全部
		MaxEntities int `json:"max_entities" envconfig:"MAX_ENTITIES"`
		// MaxCycles forever 模式下的最大轮数,0 表示不限制
		MaxCycles int  `json:"max_cycles" envconfig:"MAX_CYCLES"`
		Forever   bool `json:"forever" envconfig:"FOREVER"`
		// SubItemCeiling 实体价格(单位)超过该值时不再抓取装备
		SubItemCeiling string `json:"subitem_ceiling" envconfig:"SUBITEM_CEILING"`
		DOMFallback    bool   `json:"dom_fallback" envconfig:"DOM_FALLBACK"`
		// EntityPricePaths 实体价格的候选路径,按顺序取第一个非空值
		EntityPricePaths []string `json:"entity_price_paths" envconfig:"ENTITY_PRICE_PATHS"`
		EquipPath        string   `json:"equip_path" envconfig:"EQUIP_PATH"`
	} `json:"crawl" envconfig:"CRAWL"`

	URLs struct {
		CatalogPage string `json:"catalog_page" envconfig:"CATALOG_PAGE"`
		CatalogAPI  string `json:"catalog_api" envconfig:"CATALOG_API"`
		// 以下模板中的 {tokenId} 会被替换
		DetailPage     string `json:"detail_page" envconfig:"DETAIL_PAGE"`
		DetailAPI      string `json:"detail_api" envconfig:"DETAIL_API"`
		ItemPage       string `json:"item_page" envconfig:"ITEM_PAGE"`
		ItemAPI        string `json:"item_api" envconfig:"ITEM_API"`
		ItemHistoryAPI string `json:"item_history_api" envconfig:"ITEM_HISTORY_API"`
	} `json:"urls" envconfig:"URLS"`

	Retry struct {
		Entity RetryPolicy `json:"entity" envconfig:"ENTITY"`
		Item   RetryPolicy `json:"item" envconfig:"ITEM"`
		List   RetryPolicy `json:"list" envconfig:"LIST"`
	} `json:"retry" envconfig:"RETRY"`

	Timeouts struct {
		NavigationMs int    `json:"navigation_ms" envconfig:"NAVIGATION_MS"`
		ResponseMs   int    `json:"response_ms" envconfig:"RESPONSE_MS"`
		WaitPolicy   string `json:"wait_policy" envconfig:"WAIT_POLICY"`
	} `json:"timeouts" envconfig:"TIMEOUTS"`

	Output struct {
		Directory       string `json:"directory" envconfig:"DIRECTORY"`
		CheckpointFile  string `json:"checkpoint_file" envconfig:"CHECKPOINT_FILE"`
		DetailFile      string `json:"detail_file" envconfig:"DETAIL_FILE"`
		ItemFile        string `json:"item_file" envconfig:"ITEM_FILE"`
		SummaryFile     string `json:"summary_file" envconfig:"SUMMARY_FILE"`
		CatalogSnapshot string `json:"catalog_snapshot" envconfig:"CATALOG_SNAPSHOT"`
	} `json:"output" envconfig:"OUTPUT"`

	Notify struct {
		// Ceiling 实体价格(单位)不超过该值时才发送通知
		Ceiling  string `json:"ceiling" envconfig:"CEILING"`
		LedgerDB string `json:"ledger_db" envconfig:"LEDGER_DB"`
		Telegram struct {
			BotToken  string `json:"bot_token" envconfig:"BOT_TOKEN"`
			ChatID    string `json:"chat_id" envconfig:"CHAT_ID"`
			APIBase   string `json:"api_base" envconfig:"API_BASE"`
			TimeoutMs int    `json:"timeout_ms" envconfig:"TIMEOUT_MS"`
		} `json:"telegram" envconfig:"TELEGRAM"`
	} `json:"notify" envconfig:"NOTIFY"`

	Proxy struct {
		Enabled bool   `json:"enabled" envconfig:"ENABLED"`
		File    string `json:"file" envconfig:"FILE"`
		// 代理认证信息,代理地址中自带的账号密码优先
		Username string `json:"username" envconfig:"USERNAME"`
		Password string `json:"password" envconfig:"PASSWORD"`
		ProbeURL string `json:"probe_url" envconfig:"PROBE_URL"`
	} `json:"proxy" envconfig:"PROXY"`

	Rod struct {
		UserDataDir          string `json:"user_data_dir" envconfig:"USER_DATA_DIR"`
		Headless             bool   `json:"headless" envconfig:"HEADLESS"`
		DisableBlinkFeatures string `json:"disable_blink_features" envconfig:"DISABLE_BLINK_FEATURES"`
		DisableDevShmUsage   bool   `json:"disable_dev_shm_usage" envconfig:"DISABLE_DEV_SHM_USAGE"`
		NoSandbox            bool   `json:"no_sandbox" envconfig:"NO_SANDBOX"`
		UserAgent            string `json:"user_agent" envconfig:"USER_AGENT"`
		Leakless             bool   `json:"leakless" envconfig:"LEAKLESS"`
		Bin                  string `json:"bin" envconfig:"BIN"`
		Stealth              bool   `json:"stealth" envconfig:"STEALTH"`
	} `json:"rod" envconfig:"ROD"`

	Chromedp struct {
		UserDataDir          string `json:"user_data_dir" envconfig:"USER_DATA_DIR"`
		Headless             bool   `json:"headless" envconfig:"HEADLESS"`
		DisableBlinkFeatures string `json:"disable_blink_features" envconfig:"DISABLE_BLINK_FEATURES"`
		DisableDevShmUsage   bool   `json:"disable_dev_shm_usage" envconfig:"DISABLE_DEV_SHM_USAGE"`
		NoSandbox            bool   `json:"no_sandbox" envconfig:"NO_SANDBOX"`
		UserAgent            string `json:"user_agent" envconfig:"USER_AGENT"`
	} `json:"chromedp" envconfig:"CHROMEDP"`

	Colly struct {
		UserAgent       string `json:"user_agent" envconfig:"USER_AGENT"`
		IgnoreRobotsTxt bool   `json:"ignore_robots_txt" envconfig:"IGNORE_ROBOTS_TXT"`
	} `json:"colly" envconfig:"COLLY"`

	Elasticsearch struct {
		Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
		Username string `json:"username" envconfig:"USERNAME"`
		Password string `json:"password" envconfig:"PASSWORD"`
		Address  string `json:"address" envconfig:"ADDRESS"`
		Index    string `json:"index" envconfig:"INDEX"`
		// InsecureSkipVerify 跳过 TLS 验证,仅在开发环境中使用
		InsecureSkipVerify bool `json:"insecure_skip_verify" envconfig:"INSECURE_SKIP_VERIFY"`
	} `json:"elasticsearch" envconfig:"ELASTICSEARCH"`

	Selectors struct {
		EntityCards []string `json:"entity_cards" envconfig:"ENTITY_CARDS"`
		EntityLinks []string `json:"entity_links" envconfig:"ENTITY_LINKS"`
	} `json:"selectors" envconfig:"SELECTORS"`

	Log struct {
		Level  string `json:"level" envconfig:"LEVEL"`
		Format string `json:"format" envconfig:"FORMAT"`
		Dir    string `json:"dir" envconfig:"DIR"`
	} `json:"log" envconfig:"LOG"`
}

// RetryPolicy 单个调用点的重试策略,三类可重试错误各自有退避节奏
type RetryPolicy struct {
	// MaxAttempts 最大尝试次数;配置为 -1 表示一直重试,解析后以 0 表示
	MaxAttempts int     `json:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	RateLimited Backoff `json:"rate_limited" envconfig:"RATE_LIMITED"`
	Decode      Backoff `json:"decode" envconfig:"DECODE"`
	Transport   Backoff `json:"transport" envconfig:"TRANSPORT"`
}

type Backoff struct {
	BaseMs int     `json:"base_ms" envconfig:"BASE_MS"`
	CapMs  int     `json:"cap_ms" envconfig:"CAP_MS"`
	Jitter float64 `json:"jitter" envconfig:"JITTER"`
}

func (b Backoff) Base() time.Duration { return time.Duration(b.BaseMs) * time.Millisecond }

func (b Backoff) Cap() time.Duration { return time.Duration(b.CapMs) * time.Millisecond }

func (c *Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Timeouts.NavigationMs) * time.Millisecond
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Timeouts.ResponseMs) * time.Millisecond
}

func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.Crawl.BatchPauseMs) * time.Millisecond
}

func (c *Config) CyclePause() time.Duration {
	return time.Duration(c.Crawl.CyclePauseMs) * time.Millisecond
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.Telegram.TimeoutMs) * time.Millisecond
}
