package guide

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaytv/internal/observability/metrics"
)

// DefaultRefreshInterval is how often guide documents are re-downloaded.
const DefaultRefreshInterval = 24 * time.Hour

// URLProvider yields the upstream URL for a guide document. It is a function
// because the URL embeds account credentials that the caller selects.
type URLProvider func() (string, error)

// LogoCache rewrites channel logo URLs to locally served copies and fetches
// the originals in the background.
type LogoCache interface {
	LocalURL(host, logoURL string) string
	Ensure(ctx context.Context, logoURL string) (string, error)
}

// RefresherConfig wires a Refresher.
type RefresherConfig struct {
	Dir         string
	PlaylistURL URLProvider
	EPGURL      URLProvider
	Fetcher     *Fetcher
	Logos       LogoCache
	Interval    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Refresher downloads, filters and serves the playlist and EPG documents,
// refreshing them on an interval.
type Refresher struct {
	dir         string
	playlistURL URLProvider
	epgURL      URLProvider
	fetcher     *Fetcher
	logos       LogoCache
	interval    time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu       sync.RWMutex
	entries  []Entry
	channels []Channel
}

// NewRefresher validates the configuration and builds a refresher without
// touching the network.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("guide refresher requires a data directory")
	}
	if cfg.PlaylistURL == nil || cfg.EPGURL == nil {
		return nil, fmt.Errorf("guide refresher requires URL providers")
	}
	r := &Refresher{
		dir:         cfg.Dir,
		playlistURL: cfg.PlaylistURL,
		epgURL:      cfg.EPGURL,
		fetcher:     cfg.Fetcher,
		logos:       cfg.Logos,
		interval:    cfg.Interval,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if r.fetcher == nil {
		r.fetcher = NewFetcher(nil)
	}
	if r.interval <= 0 {
		r.interval = DefaultRefreshInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return r, nil
}

func (r *Refresher) playlistPath() string { return filepath.Join(r.dir, "playlist.m3u") }
func (r *Refresher) epgPath() string      { return filepath.Join(r.dir, "epg.xml") }
func (r *Refresher) filteredEPGPath() string {
	return filepath.Join(r.dir, "epg_filtered.xml")
}

// EnsureFiles downloads any missing guide document and loads both into
// memory. It is called once at startup before the server accepts traffic.
func (r *Refresher) EnsureFiles(ctx context.Context) error {
	if err := r.RefreshEPG(ctx, false); err != nil {
		return err
	}
	return r.RefreshPlaylist(ctx, false)
}

// RefreshEPG downloads the XMLTV export, keeps the carried channels, writes
// the reduced document, and reassigns guide IDs on the current playlist.
func (r *Refresher) RefreshEPG(ctx context.Context, force bool) (err error) {
	defer func() { r.metrics.ObserveGuideRefresh("epg", err) }()

	url, err := r.epgURL()
	if err != nil {
		return fmt.Errorf("resolve epg url: %w", err)
	}
	if err = r.fetcher.Download(ctx, url, r.epgPath(), force); err != nil {
		return err
	}
	raw, err := os.Open(r.epgPath())
	if err != nil {
		return fmt.Errorf("open epg: %w", err)
	}
	defer raw.Close()

	var filtered bytes.Buffer
	channels, err := FilterEPG(raw, &filtered)
	if err != nil {
		return err
	}
	if err = os.WriteFile(r.filteredEPGPath(), filtered.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write filtered epg: %w", err)
	}

	r.mu.Lock()
	r.channels = channels
	assigned := AssignGuideIDs(r.entries, IDsByName(channels))
	r.mu.Unlock()
	r.logger.Info("epg refreshed", "channels", len(channels), "ids_assigned", assigned)
	return nil
}

// RefreshPlaylist downloads the M3U export, drops entries without a usable
// channel id, and fuzzy-assigns guide IDs from the current EPG channels.
func (r *Refresher) RefreshPlaylist(ctx context.Context, force bool) (err error) {
	defer func() { r.metrics.ObserveGuideRefresh("playlist", err) }()

	url, err := r.playlistURL()
	if err != nil {
		return fmt.Errorf("resolve playlist url: %w", err)
	}
	if err = r.fetcher.Download(ctx, url, r.playlistPath(), force); err != nil {
		return err
	}
	return r.reloadPlaylist()
}

func (r *Refresher) reloadPlaylist() error {
	raw, err := os.Open(r.playlistPath())
	if err != nil {
		return fmt.Errorf("open playlist: %w", err)
	}
	defer raw.Close()

	parsed, err := ParsePlaylist(raw)
	if err != nil {
		return err
	}
	entries := FilterEntries(parsed)

	r.mu.Lock()
	r.entries = entries
	assigned := AssignGuideIDs(r.entries, IDsByName(r.channels))
	r.mu.Unlock()
	r.logger.Info("playlist refreshed", "entries", len(entries), "ids_assigned", assigned)
	return nil
}

// SavePlaylist replaces the raw playlist with operator-provided content and
// reloads it.
func (r *Refresher) SavePlaylist(content []byte) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create guide directory: %w", err)
	}
	if err := os.WriteFile(r.playlistPath(), content, 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	return r.reloadPlaylist()
}

// LocalPlaylist renders the playlist with stream URLs pointing at host. Logo
// URLs are rewritten to the local cache endpoint when a cache is configured,
// with the originals fetched in the background.
func (r *Refresher) LocalPlaylist(host string) ([]byte, error) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()
	if len(entries) == 0 {
		return nil, fmt.Errorf("playlist not loaded")
	}
	if r.logos != nil {
		entries = r.rewriteLogos(entries, host)
	}
	var buf bytes.Buffer
	if err := WriteLocal(&buf, entries, host); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rewriteLogos points every tvg-logo attribute at the local cache and kicks
// off one background pass to populate it. Entries are copied; the shared
// snapshot is never mutated.
func (r *Refresher) rewriteLogos(entries []Entry, host string) []Entry {
	out := make([]Entry, len(entries))
	var fetch []string
	for i, entry := range entries {
		out[i] = entry
		logo := entry.Attrs["tvg-logo"]
		if logo == "" {
			continue
		}
		attrs := make(map[string]string, len(entry.Attrs))
		for key, value := range entry.Attrs {
			attrs[key] = value
		}
		attrs["tvg-logo"] = r.logos.LocalURL(host, logo)
		out[i].Attrs = attrs
		fetch = append(fetch, logo)
	}
	if len(fetch) > 0 {
		go r.ensureLogos(fetch)
	}
	return out
}

func (r *Refresher) ensureLogos(urls []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, logoURL := range urls {
		if _, err := r.logos.Ensure(ctx, logoURL); err != nil {
			r.logger.Debug("logo fetch failed", "url", logoURL, "error", err)
		}
	}
}

// EPGDocument returns the filtered XMLTV document.
func (r *Refresher) EPGDocument() ([]byte, error) {
	data, err := os.ReadFile(r.filteredEPGPath())
	if err != nil {
		return nil, fmt.Errorf("read filtered epg: %w", err)
	}
	return data, nil
}

// Channels snapshots the filtered guide channels.
func (r *Refresher) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Run refreshes both documents on the configured interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshEPG(ctx, true); err != nil {
				r.logger.Error("epg refresh failed", "error", err)
			}
			if err := r.RefreshPlaylist(ctx, true); err != nil {
				r.logger.Error("playlist refresh failed", "error", err)
			}
		}
	}
}
