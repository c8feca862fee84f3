package scraper

import (
	"context"
	"proxyscraper/internal/shared/logger"
	"sync"
)

// Scraper 接口定义了从代理源获取代理地址的行为。
type Scraper interface {
	// Scrape 返回代理地址列表，只负责获取与初步解析，不做验证。
	Scrape(ctx context.Context) ([]string, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// Sink receives scraped addresses. *proxypool.Pool satisfies it.
type Sink interface {
	AddEndpoint(address string)
}

// Collect runs every scraper concurrently and adds the de-duplicated results to sink.
// A failing scraper is logged and skipped. It returns the number of distinct addresses.
func Collect(ctx context.Context, sink Sink, scrapers ...Scraper) int {
	l := logger.WithComponent("ProxyPool/Scraper")

	var wg sync.WaitGroup
	scrapedChan := make(chan []string, len(scrapers))

	for _, s := range scrapers {
		wg.Add(1)
		go func(sc Scraper) {
			defer wg.Done()
			addresses, err := sc.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Scraper failed.")
				return
			}
			if len(addresses) > 0 {
				scrapedChan <- addresses
			}
		}(s)
	}

	wg.Wait()
	close(scrapedChan)

	seen := make(map[string]struct{})
	for addresses := range scrapedChan {
		for _, addr := range addresses {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			sink.AddEndpoint(addr)
		}
	}

	l.Info().Int("count", len(seen)).Int("sources", len(scrapers)).Msg("Endpoint collection finished.")
	return len(seen)
}
