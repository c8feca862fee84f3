package scraper

import (
	"context"
	"fmt"
	"net"
	"proxyscraper/internal/shared/logger"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

const tableUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"

// TableScraper 抓取以 HTML 表格形式发布的免费代理列表。
// 每一行的第一列是 IP（或 "ip:port"），第二列是端口。
type TableScraper struct {
	pages    []string
	selector string
	scheme   string
	delay    time.Duration
}

// NewTableScraper creates a scraper over pages. selector matches table rows, scheme is
// prefixed to every address ("http", "socks5").
func NewTableScraper(pages []string, selector, scheme string) *TableScraper {
	if selector == "" {
		selector = "table tbody tr"
	}
	if scheme == "" {
		scheme = "http"
	}
	return &TableScraper{
		pages:    pages,
		selector: selector,
		scheme:   scheme,
		delay:    2 * time.Second,
	}
}

// WithPageDelay sets the pause between page visits.
func (s *TableScraper) WithPageDelay(d time.Duration) *TableScraper {
	s.delay = d
	return s
}

func (s *TableScraper) Name() string {
	if len(s.pages) == 0 {
		return "table"
	}
	return "table:" + s.pages[0]
}

func (s *TableScraper) Scrape(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(tableUserAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		addresses []string
		scrapeErr error
		mu        sync.Mutex
	)

	c.OnHTML(s.selector, func(e *colly.HTMLElement) {
		addr, ok := s.parseRow(e.DOM)
		if !ok {
			return
		}
		mu.Lock()
		addresses = append(addresses, addr)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	for i, page := range s.pages {
		l.Debug().Str("url", page).Msg("Visiting page...")
		if err := c.Visit(page); err != nil {
			mu.Lock()
			scrapeErr = fmt.Errorf("failed to visit %s: %w", page, err)
			mu.Unlock()
		}
		if i < len(s.pages)-1 && s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	c.Wait()

	if scrapeErr != nil && len(addresses) == 0 {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(addresses)).Str("source", s.Name()).Msg("Scrape finished.")
	return addresses, nil
}

// parseRow extracts "scheme://ip:port" from one table row.
func (s *TableScraper) parseRow(row *goquery.Selection) (string, bool) {
	cells := row.Find("td")
	host := strings.TrimSpace(cells.Eq(0).Text())
	if host == "" {
		return "", false
	}

	var portStr string
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, portStr = h, p
	} else {
		portStr = strings.TrimSpace(cells.Eq(1).Text())
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", false
	}
	if net.ParseIP(host) == nil {
		return "", false
	}
	return fmt.Sprintf("%s://%s", s.scheme, net.JoinHostPort(host, strconv.Itoa(port))), true
}
