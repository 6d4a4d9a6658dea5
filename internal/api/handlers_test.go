package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relaytv/internal/api"
	"relaytv/internal/ingest"
	"relaytv/internal/journal"
	"relaytv/internal/relay"
	"relaytv/internal/upstream"
)

type fakeHandle struct {
	mu      sync.Mutex
	pending [][]byte
	notify  chan struct{}
	eof     chan struct{}
	eofOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{notify: make(chan struct{}, 1), eof: make(chan struct{})}
}

func (h *fakeHandle) push(chunk []byte) {
	h.mu.Lock()
	h.pending = append(h.pending, chunk)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *fakeHandle) endStream() {
	h.eofOnce.Do(func() { close(h.eof) })
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	for {
		h.mu.Lock()
		if len(h.pending) > 0 {
			chunk := h.pending[0]
			h.pending = h.pending[1:]
			h.mu.Unlock()
			return copy(p, chunk), nil
		}
		h.mu.Unlock()
		select {
		case <-h.notify:
		case <-h.eof:
			return 0, io.EOF
		}
	}
}

func (h *fakeHandle) Stop() { h.endStream() }

type fakeRunner struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (r *fakeRunner) Start(context.Context, string, string) (ingest.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := newFakeHandle()
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

type fakeGuide struct {
	mu        sync.Mutex
	saved     []byte
	refreshed []string
	playlist  string
	epg       string
	fail      bool
}

func (g *fakeGuide) LocalPlaylist(host string) ([]byte, error) {
	if g.fail {
		return nil, errors.New("not loaded")
	}
	return []byte(strings.ReplaceAll(g.playlist, "{host}", host)), nil
}

func (g *fakeGuide) EPGDocument() ([]byte, error) {
	if g.fail {
		return nil, errors.New("not loaded")
	}
	return []byte(g.epg), nil
}

func (g *fakeGuide) RefreshPlaylist(context.Context, bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshed = append(g.refreshed, "playlist")
	return nil
}

func (g *fakeGuide) RefreshEPG(context.Context, bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshed = append(g.refreshed, "epg")
	return nil
}

func (g *fakeGuide) SavePlaylist(content []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saved = content
	return nil
}

func newTestRelay(t *testing.T, runner ingest.Runner) (*relay.Registry, *relay.Pool) {
	t.Helper()
	pool, err := relay.NewPool([]upstream.Account{
		{ID: "a1", Server: "s1", Username: "u", Password: "p"},
	}, relay.WithCooldown(0))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	reg, err := relay.NewRegistry(relay.Config{
		Pool:        pool,
		Runner:      runner,
		Resolve:     func(upstream.Account, string) string { return "src" },
		PullTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg, pool
}

func newTestHandler(t *testing.T, reg *relay.Registry, pool *relay.Pool, guide api.Guide, auth *api.OperatorAuth) *api.Handler {
	t.Helper()
	h, err := api.NewHandler(api.HandlerConfig{
		Relay:    reg,
		Guide:    guide,
		Accounts: pool,
		Journal:  journal.NewMemoryRecorder(8),
		Auth:     auth,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func serve(t *testing.T, h *api.Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestStreamDeliversChunks(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, nil, nil))

	resp, err := http.Get(server.URL + "/stream/48213")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Fatalf("unexpected content type %q", ct)
	}

	runner.handle(0).push([]byte("mpegts-data"))
	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	if err != nil || string(buf[:n]) != "mpegts-data" {
		t.Fatalf("unexpected body read %q err=%v", buf[:n], err)
	}

	runner.handle(0).endStream()
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestStreamPathParsing(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, nil, nil))

	for _, path := range []string{"/stream/", "/stream/1/2"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}

	// Channel IDs are opaque; a non-numeric id attaches like any other.
	resp, err := http.Get(server.URL + "/stream/sports-hd")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for opaque id, got %d", resp.StatusCode)
	}
	runner.handle(0).endStream()
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestStreamEndsWhenUpstreamStalls(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, nil, nil))

	resp, err := http.Get(server.URL + "/stream/48213")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	runner.handle(0).push([]byte("only-chunk"))
	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	if err != nil || string(buf[:n]) != "only-chunk" {
		t.Fatalf("unexpected body read %q err=%v", buf[:n], err)
	}

	// The upstream never produces again and never reports EOF. The stream
	// must end after one pull window, and the idle drain must give the
	// account back.
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("expected stalled stream to end cleanly, got %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return len(reg.Sessions()) == 0 && pool.Available() == 1
	})
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStreamReportsExhaustion(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, nil, nil))

	// Occupy the only account on another channel.
	if _, err := reg.Attach(context.Background(), "111"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	resp, err := http.Get(server.URL + "/stream/222")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestPlaylistRewritesHost(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	guide := &fakeGuide{playlist: "#EXTM3U\nhttp://{host}/stream/1\n"}
	server := serve(t, newTestHandler(t, reg, pool, guide, nil))

	resp, err := http.Get(server.URL + "/playlist.m3u")
	if err != nil {
		t.Fatalf("GET playlist: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	host := strings.TrimPrefix(server.URL, "http://")
	if !strings.Contains(string(body), "http://"+host+"/stream/1") {
		t.Fatalf("expected host-rewritten playlist, got %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/x-mpegurl" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestPlaylistNotReady(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, &fakeGuide{fail: true}, nil))

	resp, err := http.Get(server.URL + "/playlist.m3u")
	if err != nil {
		t.Fatalf("GET playlist: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	server := serve(t, newTestHandler(t, reg, pool, nil, nil))

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected health body %q", body)
	}
}

func TestAdminRoutesGuarded(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	hash, err := api.HashToken("operator")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	server := serve(t, newTestHandler(t, reg, pool, &fakeGuide{}, api.NewOperatorAuth(hash)))

	resp, err := http.Get(server.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer operator")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sessions with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"sessions"`) {
		t.Fatalf("unexpected sessions body %q", body)
	}
}

func TestAccountsEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	hash, err := api.HashToken("operator")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	server := serve(t, newTestHandler(t, reg, pool, nil, api.NewOperatorAuth(hash)))

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer operator")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET accounts: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"accountId":"a1"`) {
		t.Fatalf("unexpected accounts body %q", body)
	}
}

func TestSavePlaylist(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	guide := &fakeGuide{}
	hash, err := api.HashToken("operator")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	server := serve(t, newTestHandler(t, reg, pool, guide, api.NewOperatorAuth(hash)))

	payload := "#EXTM3U\nhttp://host/u/p/1\n"
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/playlist", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer operator")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT playlist: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	guide.mu.Lock()
	saved := string(guide.saved)
	guide.mu.Unlock()
	if saved != payload {
		t.Fatalf("unexpected saved playlist %q", saved)
	}
}

func TestRefreshEndpoints(t *testing.T) {
	runner := &fakeRunner{}
	reg, pool := newTestRelay(t, runner)
	guide := &fakeGuide{}
	hash, err := api.HashToken("operator")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	server := serve(t, newTestHandler(t, reg, pool, guide, api.NewOperatorAuth(hash)))

	for _, kind := range []string{"playlist", "epg"} {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/refresh/"+kind, nil)
		req.Header.Set("Authorization", "Bearer operator")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST refresh %s: %v", kind, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s refresh, got %d", kind, resp.StatusCode)
		}
	}
	guide.mu.Lock()
	defer guide.mu.Unlock()
	if len(guide.refreshed) != 2 {
		t.Fatalf("expected 2 refreshes, got %v", guide.refreshed)
	}
}
