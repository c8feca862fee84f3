package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"proxyscraper/internal/shared/logger"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const maxNameLen = 240

// Store 持久化抓取到的原始页面。保存失败不会影响抓取结果本身。
type Store interface {
	Save(url string, body []byte) error
}

// Discard drops every body.
type Discard struct{}

func (Discard) Save(string, []byte) error { return nil }

// FileStore 把每个页面写成 <dir>/raw_<url>.html。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create output dir %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// FileName returns the file name used for url.
func FileName(url string) string {
	safe := strings.ReplaceAll(url, "://", "_")
	safe = strings.ReplaceAll(safe, "/", "_")
	if len(safe) > maxNameLen {
		safe = safe[:maxNameLen]
	}
	return "raw_" + safe + ".html"
}

// Save writes body through a temp file and rename so readers never see a partial page.
func (fs *FileStore) Save(url string, body []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	target := filepath.Join(fs.dir, FileName(url))
	tmp, err := os.CreateTemp(fs.dir, ".raw-*.tmp")
	if err != nil {
		return fmt.Errorf("cannot create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write to file %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("cannot finalize file: %w", err)
	}

	l := logger.WithComponent("Storage")
	l.Debug().Str("url", url).Str("path", target).Int("bytes", len(body)).Msg("Saved raw page.")
	return nil
}

// LevelDBStore keeps bodies in a LevelDB database keyed by URL.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func rawKey(url string) []byte {
	return []byte("raw:" + url)
}

func (s *LevelDBStore) Save(url string, body []byte) error {
	if err := s.db.Put(rawKey(url), body, nil); err != nil {
		return fmt.Errorf("cannot store page %s: %w", url, err)
	}
	return nil
}

// Load returns the stored body for url, or leveldb.ErrNotFound.
func (s *LevelDBStore) Load(url string) ([]byte, error) {
	return s.db.Get(rawKey(url), nil)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
