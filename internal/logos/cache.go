// Package logos caches channel logo images locally, flattening transparency
// onto the player background color so logos render cleanly on dark UIs.
package logos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// backgroundColor is the flatten target behind transparent logo regions.
var backgroundColor = color.NRGBA{R: 106, G: 133, B: 176, A: 255}

// Cache downloads logos on demand and serves the processed copies from disk.
type Cache struct {
	dir    string
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewCache builds a logo cache rooted at dir.
func NewCache(dir string, client *http.Client, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("logo cache requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logo directory: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:      dir,
		client:   client,
		logger:   logger,
		inflight: make(map[string]chan struct{}),
	}, nil
}

// FileName returns the stable cache file name for a logo URL.
func FileName(logoURL string) string {
	sum := sha256.Sum256([]byte(logoURL))
	return hex.EncodeToString(sum[:16]) + ".png"
}

// LocalURL rewrites a logo URL to the relay's cache endpoint on host.
func LocalURL(host, logoURL string) string {
	return fmt.Sprintf("http://%s/logos/%s", host, FileName(logoURL))
}

// LocalURL rewrites a logo URL to this cache's endpoint on host.
func (c *Cache) LocalURL(host, logoURL string) string {
	return LocalURL(host, logoURL)
}

// Ensure downloads and processes the logo unless a cached copy exists. It
// returns the cache file name. Concurrent calls for the same logo share one
// download.
func (c *Cache) Ensure(ctx context.Context, logoURL string) (string, error) {
	if _, err := url.ParseRequestURI(logoURL); err != nil {
		return "", fmt.Errorf("invalid logo url: %w", err)
	}
	name := FileName(logoURL)
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err == nil {
		return name, nil
	}

	c.mu.Lock()
	if wait, ok := c.inflight[name]; ok {
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if _, err := os.Stat(path); err == nil {
			return name, nil
		}
		return "", fmt.Errorf("logo download failed")
	}
	done := make(chan struct{})
	c.inflight[name] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, name)
		c.mu.Unlock()
		close(done)
	}()

	if err := c.fetchAndFlatten(ctx, logoURL, path); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Cache) fetchAndFlatten(ctx context.Context, logoURL, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoURL, nil)
	if err != nil {
		return fmt.Errorf("build logo request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch logo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch logo: unexpected status %d", resp.StatusCode)
	}

	src, err := imaging.Decode(resp.Body)
	if err != nil {
		return fmt.Errorf("decode logo: %w", err)
	}
	bounds := src.Bounds()
	flattened := imaging.New(bounds.Dx(), bounds.Dy(), backgroundColor)
	flattened = imaging.Overlay(flattened, src, image.Pt(0, 0), 1.0)

	// The temp name keeps the .png suffix so the encoder picks the format.
	tmp := path + ".tmp.png"
	if err := imaging.Save(flattened, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save logo: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace logo: %w", err)
	}
	c.logger.Debug("logo cached", "url", logoURL, "file", filepath.Base(path))
	return nil
}

// ServeHTTP serves a cached logo by file name. Path traversal is rejected by
// reducing the request to its base name.
func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(strings.TrimPrefix(r.URL.Path, "/logos/"))
	if name == "." || name == "/" || !strings.HasSuffix(name, ".png") {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}
