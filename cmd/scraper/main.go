package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"proxyscraper/internal/challenge"
	"proxyscraper/internal/fetch"
	"proxyscraper/internal/shared/config"
	"proxyscraper/internal/shared/logger"
	"proxyscraper/internal/shared/types"
	"proxyscraper/internal/storage"
	"proxyscraper/proxypool"
	"proxyscraper/proxypool/scraper"
	"proxyscraper/proxypool/validator"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "configs/scraper.ini", "Path to ini config file")
	singleURL := flag.String("url", "", "Single URL to fetch")
	urlsFile := flag.String("urls", "", "File with one URL per line")
	proxiesFile := flag.String("proxies", "", "File with one proxy address per line (overrides [pool] proxy_file)")
	outPath := flag.String("out", "results.json", "Where to write fetch outcomes as JSON")
	checkOnly := flag.Bool("check", false, "Probe every proxy concurrently, print the report and exit")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 构建代理池
	v := validator.NewValidator(cfg.PoolConf.ProbeURL, seconds(cfg.PoolConf.ProbeTimeoutSeconds), cfg.PoolConf.ValidateConcurrency)
	defer v.Close()
	pool := proxypool.New(v, nil)

	if *proxiesFile != "" {
		cfg.PoolConf.ProxyFile = *proxiesFile
	}
	if sources := buildScrapers(cfg); len(sources) > 0 {
		scraper.Collect(ctx, pool, sources...)
	}

	if *checkOnly {
		runCheck(ctx, v, pool.ListEndpoints())
		return
	}

	if cfg.PoolConf.ProbeOnStart && pool.Len() > 0 {
		pool.BulkProbe(ctx, time.Duration(cfg.PoolConf.InterProbeDelayMs)*time.Millisecond)
	}

	// 3. 读取目标 URL
	urls, err := targetURLs(*singleURL, *urlsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load target URLs")
	}
	if len(urls) == 0 {
		logger.Fatal().Msg("No URLs given; use -url or -urls")
	}

	// 4. 抓取
	store, closeStore, err := buildStore(cfg.StorageConf)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open page storage")
	}
	defer closeStore()

	opts := []fetch.Option{
		fetch.WithStore(store),
		fetch.WithMaxRetries(cfg.FetchConf.MaxRetries),
		fetch.WithRateLimit(seconds(cfg.FetchConf.RateLimitSeconds)),
		fetch.WithAttemptTimeout(seconds(cfg.FetchConf.AttemptTimeoutSeconds)),
		fetch.WithMaxBackoff(seconds(cfg.FetchConf.MaxBackoffSeconds)),
		fetch.WithMaxBodySize(cfg.FetchConf.MaxBodyBytes),
	}
	if cfg.ChallengeConf.Provider != "" {
		// No concrete provider ships with this tool; outcomes record ErrNotImplemented.
		logger.Warn().Str("provider", cfg.ChallengeConf.Provider).Msg("Challenge provider is not implemented, blocks will only be retried.")
		opts = append(opts, fetch.WithChallengeProvider(
			challenge.Unconfigured{},
			time.Duration(cfg.ChallengeConf.PollIntervalSeconds)*time.Second,
			time.Duration(cfg.ChallengeConf.MaxWaitSeconds)*time.Second,
		))
	}

	fetcher := fetch.New(pool, opts...)
	defer fetcher.Close()

	logger.Info().Int("urls", len(urls)).Int("proxies", pool.Len()).Int("concurrency", cfg.FetchConf.Concurrency).Msg("Starting fetch run.")
	outcomes := fetcher.FetchAll(ctx, urls, cfg.FetchConf.Concurrency)

	okCount := 0
	for _, o := range outcomes {
		if o.OK() {
			okCount++
		}
	}
	logger.Info().Int("ok", okCount).Int("failed", len(outcomes)-okCount).Msg("Fetch run finished.")
	logPoolStats(pool)

	if err := writeResults(*outPath, outcomes); err != nil {
		logger.Fatal().Err(err).Msgf("Failed to write results to '%s'", *outPath)
	}
}

func buildScrapers(cfg *types.Config) []scraper.Scraper {
	var sources []scraper.Scraper
	if cfg.PoolConf.ProxyFile != "" {
		sources = append(sources, scraper.NewFileScraper(cfg.PoolConf.ProxyFile))
	}
	if cfg.PoolConf.TableSourceURL != "" {
		sources = append(sources, scraper.NewTableScraper(
			[]string{cfg.PoolConf.TableSourceURL},
			cfg.PoolConf.TableSourceSelector,
			cfg.PoolConf.TableSourceScheme,
		))
	}
	return sources
}

func buildStore(cfg types.StorageConf) (storage.Store, func(), error) {
	switch cfg.Backend {
	case "none", "":
		return storage.Discard{}, func() {}, nil
	case "leveldb":
		db, err := storage.OpenLevelDB(filepath.Join(cfg.OutputDir, "pages.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case "file":
		fs, err := storage.NewFileStore(cfg.OutputDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func targetURLs(single, file string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}
	if file == "" {
		return nil, nil
	}
	return config.LoadLines(file)
}

func runCheck(ctx context.Context, v *validator.Validator, addresses []string) {
	for _, r := range v.ValidateAll(ctx, addresses) {
		if r.Err != nil {
			logger.Info().Str("proxy", r.Address).Bool("ok", false).Err(r.Err).Msg("Check result")
			continue
		}
		logger.Info().Str("proxy", r.Address).Bool("ok", true).Dur("latency", r.Latency).Msg("Check result")
	}
}

func logPoolStats(pool *proxypool.Pool) {
	for _, s := range pool.Stats() {
		logger.Debug().
			Str("proxy", s.Address).
			Int("successes", s.SuccessCount).
			Int("failures", s.FailureCount).
			Dur("avg_latency", s.AvgLatency).
			Bool("blacklisted", s.Blacklisted).
			Msg("Proxy stats")
	}
}

func writeResults(path string, outcomes []fetch.Outcome) error {
	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
