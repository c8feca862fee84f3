package scraper

import (
	"context"
	"fmt"
	"proxyscraper/internal/shared/config"
	"proxyscraper/internal/shared/logger"
)

// FileScraper 从本地文本文件读取代理列表，每行一个地址，支持 # 注释。
type FileScraper struct {
	path string
}

func NewFileScraper(path string) Scraper {
	return &FileScraper{path: path}
}

func (s *FileScraper) Name() string {
	return "file:" + s.path
}

func (s *FileScraper) Scrape(_ context.Context) ([]string, error) {
	addresses, err := config.LoadLines(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy file %s: %w", s.path, err)
	}
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Int("count", len(addresses)).Str("source", s.Name()).Msg("Scrape finished.")
	return addresses, nil
}
