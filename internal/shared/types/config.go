package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level   string `ini:"level"`
	JSON    bool   `ini:"json"`     // 输出 JSON 而不是控制台格式
	NoColor bool   `ini:"no_color"`
}

// PoolConf 包含代理池相关配置
type PoolConf struct {
	ProbeURL            string  `ini:"probe_url"`
	ProbeTimeoutSeconds float64 `ini:"probe_timeout_seconds"`
	InterProbeDelayMs   int     `ini:"inter_probe_delay_ms"`
	ProbeOnStart        bool    `ini:"probe_on_start"`
	ValidateConcurrency int     `ini:"validate_concurrency"`
	ProxyFile           string  `ini:"proxy_file"`
	TableSourceURL      string  `ini:"table_source_url"` // 可选：免费代理列表页面
	TableSourceScheme   string  `ini:"table_source_scheme"`
	TableSourceSelector string  `ini:"table_source_selector"`
}

// FetchConf 包含抓取循环相关配置
type FetchConf struct {
	MaxRetries            int     `ini:"max_retries"`
	RateLimitSeconds      float64 `ini:"rate_limit_seconds"`
	AttemptTimeoutSeconds float64 `ini:"attempt_timeout_seconds"`
	MaxBackoffSeconds     float64 `ini:"max_backoff_seconds"`
	Concurrency           int     `ini:"concurrency"`
	MaxBodyBytes          int64   `ini:"max_body_bytes"`
}

// StorageConf 控制原始页面的保存方式: "file", "leveldb" 或 "none"
type StorageConf struct {
	Backend   string `ini:"backend"`
	OutputDir string `ini:"output_dir"`
}

// ChallengeConf 验证码服务配置。未配置 provider 时不调用。
type ChallengeConf struct {
	Provider            string `ini:"provider"`
	APIKey              string `ini:"api_key"`
	PollIntervalSeconds int    `ini:"poll_interval_seconds"`
	MaxWaitSeconds      int    `ini:"max_wait_seconds"`
}

// Config 是统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	PoolConf      `ini:"pool"`
	FetchConf     `ini:"fetch"`
	StorageConf   `ini:"storage"`
	ChallengeConf `ini:"challenge"`
}

// DefaultConfig returns the configuration used when the ini file leaves a key unset.
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		PoolConf: PoolConf{
			ProbeURL:            "https://httpbin.org/get",
			ProbeTimeoutSeconds: 8,
			InterProbeDelayMs:   200,
			ValidateConcurrency: 5,
			TableSourceScheme:   "http",
			TableSourceSelector: "table tbody tr",
		},
		FetchConf: FetchConf{
			MaxRetries:            5,
			RateLimitSeconds:      0.5,
			AttemptTimeoutSeconds: 15,
			MaxBackoffSeconds:     60,
			Concurrency:           4,
			MaxBodyBytes:          10 << 20,
		},
		StorageConf: StorageConf{
			Backend:   "file",
			OutputDir: "data",
		},
		ChallengeConf: ChallengeConf{
			PollIntervalSeconds: 5,
			MaxWaitSeconds:      120,
		},
	}
}
