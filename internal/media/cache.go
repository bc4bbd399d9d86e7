package media

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Kind names a media cache bucket. Each kind maps to one subdirectory and one
// retention period.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Retention periods per kind. Videos are larger and slower to regenerate, so
// they live longer.
const (
	imageTTL = time.Hour
	videoTTL = 6 * time.Hour
)

// Cache is the local media store. Filenames are random; the serving layer
// never exposes directory structure beyond the kind prefix.
type Cache struct {
	root    string
	now     func() time.Time
	sweeper *cron.Cron
}

// CacheOption customizes cache construction.
type CacheOption func(*Cache)

// WithCacheNow injects the time source used for expiry decisions.
func WithCacheNow(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates the cache directories under root.
func NewCache(root string, opts ...CacheOption) (*Cache, error) {
	c := &Cache{root: root, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	for _, kind := range []Kind{KindImage, KindVideo} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("create media cache dir: %w", err)
		}
	}
	return c, nil
}

// StartSweeper schedules the periodic expiry sweep. Call Stop to halt it.
func (c *Cache) StartSweeper() {
	c.sweeper = cron.New()
	_, err := c.sweeper.AddFunc("@every 10m", c.Sweep)
	if err != nil {
		log.Errorf("schedule media sweep failed: %v", err)
		return
	}
	c.sweeper.Start()
}

// Stop halts the sweep schedule.
func (c *Cache) Stop() {
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
}

func ttlFor(kind Kind) time.Duration {
	if kind == KindVideo {
		return videoTTL
	}
	return imageTTL
}

// Store writes the content under a random filename and returns it. A sweep of
// the kind's bucket runs on every store so expired entries never outlive the
// next write even if the schedule is stopped.
func (c *Cache) Store(kind Kind, mimeType string, content io.Reader) (string, error) {
	c.sweepKind(kind)

	name := randomName() + ExtensionForMIME(mimeType)
	path := filepath.Join(c.root, string(kind), name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err = io.Copy(f, content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close media file: %w", err)
	}
	return name, nil
}

// Open returns a reader over a cached file. Expired files are treated as
// absent. The filename is sanitized; traversal outside the bucket is not
// possible.
func (c *Cache) Open(kind Kind, filename string) (io.ReadCloser, error) {
	filename = filepath.Base(filename)
	path := filepath.Join(c.root, string(kind), filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if c.now().Sub(info.ModTime()) > ttlFor(kind) {
		_ = os.Remove(path)
		return nil, os.ErrNotExist
	}
	return os.Open(path)
}

// Sweep removes expired files from every bucket.
func (c *Cache) Sweep() {
	for _, kind := range []Kind{KindImage, KindVideo} {
		c.sweepKind(kind)
	}
}

func (c *Cache) sweepKind(kind Kind) {
	dir := filepath.Join(c.root, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	ttl := ttlFor(kind)
	now := c.now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		if now.Sub(info.ModTime()) > ttl {
			if errRm := os.Remove(filepath.Join(dir, entry.Name())); errRm != nil {
				log.Debugf("remove expired media %s failed: %v", entry.Name(), errRm)
			}
		}
	}
}

func randomName() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
