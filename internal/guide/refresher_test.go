package guide

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newGuideServer(t *testing.T) (*httptest.Server, *atomic.Int64, *atomic.Int64) {
	t.Helper()
	var playlistHits, epgHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/get.php", func(w http.ResponseWriter, _ *http.Request) {
		playlistHits.Add(1)
		w.Write([]byte(samplePlaylist))
	})
	mux.HandleFunc("/xmltv.php", func(w http.ResponseWriter, _ *http.Request) {
		epgHits.Add(1)
		w.Write([]byte(sampleEPG))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &playlistHits, &epgHits
}

func newTestRefresher(t *testing.T, server *httptest.Server) *Refresher {
	t.Helper()
	r, err := NewRefresher(RefresherConfig{
		Dir:         t.TempDir(),
		PlaylistURL: func() (string, error) { return server.URL + "/get.php", nil },
		EPGURL:      func() (string, error) { return server.URL + "/xmltv.php", nil },
	})
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	return r
}

func TestEnsureFilesLoadsAndAssigns(t *testing.T) {
	server, playlistHits, epgHits := newGuideServer(t)
	r := newTestRefresher(t, server)

	if err := r.EnsureFiles(context.Background()); err != nil {
		t.Fatalf("EnsureFiles: %v", err)
	}
	if playlistHits.Load() != 1 || epgHits.Load() != 1 {
		t.Fatalf("unexpected fetch counts playlist=%d epg=%d", playlistHits.Load(), epgHits.Load())
	}

	playlist, err := r.LocalPlaylist("relay.local")
	if err != nil {
		t.Fatalf("LocalPlaylist: %v", err)
	}
	if !strings.Contains(string(playlist), "http://relay.local/stream/48213") {
		t.Fatalf("missing rewritten URL in %q", playlist)
	}
	// The EPG loads first, so names are matched during the playlist load.
	if !strings.Contains(string(playlist), `tvg-id="espn.us"`) {
		t.Fatalf("missing fuzzy-assigned id in %q", playlist)
	}

	doc, err := r.EPGDocument()
	if err != nil {
		t.Fatalf("EPGDocument: %v", err)
	}
	if !strings.Contains(string(doc), `<channel id="espn.us">`) {
		t.Fatalf("unexpected epg document %q", doc)
	}

	// A second EnsureFiles reuses the cached files.
	if err := r.EnsureFiles(context.Background()); err != nil {
		t.Fatalf("EnsureFiles again: %v", err)
	}
	if playlistHits.Load() != 1 || epgHits.Load() != 1 {
		t.Fatal("cached files were re-downloaded")
	}
}

func TestForcedRefreshRedownloads(t *testing.T) {
	server, playlistHits, _ := newGuideServer(t)
	r := newTestRefresher(t, server)

	if err := r.EnsureFiles(context.Background()); err != nil {
		t.Fatalf("EnsureFiles: %v", err)
	}
	if err := r.RefreshPlaylist(context.Background(), true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if playlistHits.Load() != 2 {
		t.Fatalf("expected forced re-download, got %d hits", playlistHits.Load())
	}
}

func TestSavePlaylistReplacesEntries(t *testing.T) {
	server, _, _ := newGuideServer(t)
	r := newTestRefresher(t, server)
	if err := r.EnsureFiles(context.Background()); err != nil {
		t.Fatalf("EnsureFiles: %v", err)
	}

	custom := "#EXTM3U\n#EXTINF:-1 tvg-name=\"Custom\",Custom\nhttp://host/u/p/777\n"
	if err := r.SavePlaylist([]byte(custom)); err != nil {
		t.Fatalf("SavePlaylist: %v", err)
	}
	playlist, err := r.LocalPlaylist("relay.local")
	if err != nil {
		t.Fatalf("LocalPlaylist: %v", err)
	}
	if !strings.Contains(string(playlist), "/stream/777") {
		t.Fatalf("custom entry missing from %q", playlist)
	}
	if strings.Contains(string(playlist), "48213") {
		t.Fatalf("old entries still present in %q", playlist)
	}
}

type stubLogoCache struct {
	mu      sync.Mutex
	ensured []string
}

func (c *stubLogoCache) LocalURL(host, logoURL string) string {
	return "http://" + host + "/logos/" + path.Base(logoURL)
}

func (c *stubLogoCache) Ensure(_ context.Context, logoURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured = append(c.ensured, logoURL)
	return path.Base(logoURL), nil
}

func (c *stubLogoCache) ensuredURLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ensured...)
}

func TestLocalPlaylistRewritesLogos(t *testing.T) {
	server, _, _ := newGuideServer(t)
	cache := &stubLogoCache{}
	r, err := NewRefresher(RefresherConfig{
		Dir:         t.TempDir(),
		PlaylistURL: func() (string, error) { return server.URL + "/get.php", nil },
		EPGURL:      func() (string, error) { return server.URL + "/xmltv.php", nil },
		Logos:       cache,
	})
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	if err := r.EnsureFiles(context.Background()); err != nil {
		t.Fatalf("EnsureFiles: %v", err)
	}

	playlist, err := r.LocalPlaylist("relay.local")
	if err != nil {
		t.Fatalf("LocalPlaylist: %v", err)
	}
	if !strings.Contains(string(playlist), `tvg-logo="http://relay.local/logos/espn.png"`) {
		t.Fatalf("logo not rewritten in %q", playlist)
	}
	if strings.Contains(string(playlist), "http://logos/espn.png") {
		t.Fatalf("upstream logo URL leaked in %q", playlist)
	}

	// The originals are fetched in the background after the rewrite.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(cache.ensuredURLs()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ensured := cache.ensuredURLs()
	if len(ensured) != 1 || ensured[0] != "http://logos/espn.png" {
		t.Fatalf("unexpected ensure calls %v", ensured)
	}

	// The cached snapshot itself keeps the upstream URL for the next fetch.
	r.mu.RLock()
	original := r.entries[0].Attrs["tvg-logo"]
	r.mu.RUnlock()
	if original != "http://logos/espn.png" {
		t.Fatalf("shared snapshot was mutated: %q", original)
	}
}

func TestLocalPlaylistBeforeLoadFails(t *testing.T) {
	server, _, _ := newGuideServer(t)
	r := newTestRefresher(t, server)
	if _, err := r.LocalPlaylist("relay.local"); err == nil {
		t.Fatal("expected error before load")
	}
}
