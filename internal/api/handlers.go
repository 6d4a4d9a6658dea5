package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaytv/internal/journal"
	"relaytv/internal/observability/logging"
	"relaytv/internal/relay"
)

// Relay is the slice of the session registry the HTTP boundary needs.
type Relay interface {
	Attach(ctx context.Context, channelID string) (*relay.Subscription, error)
	Detach(channelID string, sub *relay.Subscription)
	Sessions() []relay.SessionStatus
	PullTimeout() time.Duration
}

// Guide is the slice of the guide refresher the HTTP boundary needs.
type Guide interface {
	LocalPlaylist(host string) ([]byte, error)
	EPGDocument() ([]byte, error)
	RefreshPlaylist(ctx context.Context, force bool) error
	RefreshEPG(ctx context.Context, force bool) error
	SavePlaylist(content []byte) error
}

// AccountDirectory exposes pool state for the admin surface.
type AccountDirectory interface {
	Statuses() []relay.AccountStatus
}

// maxPlaylistUpload bounds operator playlist uploads.
const maxPlaylistUpload = 16 << 20

// Handler serves the viewer and operator HTTP surface.
type Handler struct {
	relay    Relay
	guide    Guide
	accounts AccountDirectory
	journal  journal.Recorder
	logos    http.Handler
	auth     *OperatorAuth
	logger   *slog.Logger
}

// HandlerConfig wires a Handler. Relay is required; the other collaborators
// disable their routes when nil.
type HandlerConfig struct {
	Relay    Relay
	Guide    Guide
	Accounts AccountDirectory
	Journal  journal.Recorder
	Logos    http.Handler
	Auth     *OperatorAuth
	Logger   *slog.Logger
}

// NewHandler validates the configuration and builds the handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("handler requires a relay")
	}
	h := &Handler{
		relay:    cfg.Relay,
		guide:    cfg.Guide,
		accounts: cfg.Accounts,
		journal:  cfg.Journal,
		logos:    cfg.Logos,
		auth:     cfg.Auth,
		logger:   cfg.Logger,
	}
	if h.auth == nil {
		h.auth = NewOperatorAuth("")
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// Register installs every route on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/stream/", h.Stream)
	mux.HandleFunc("/playlist.m3u", h.Playlist)
	mux.HandleFunc("/epg.xml", h.EPG)
	if h.logos != nil {
		mux.Handle("/logos/", h.logos)
	}
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/api/sessions", h.auth.Authorize(h.SessionsHandler))
	mux.HandleFunc("/api/accounts", h.auth.Authorize(h.Accounts))
	mux.HandleFunc("/api/history", h.auth.Authorize(h.History))
	mux.HandleFunc("/api/refresh/playlist", h.auth.Authorize(h.RefreshPlaylist))
	mux.HandleFunc("/api/refresh/epg", h.auth.Authorize(h.RefreshEPG))
	mux.HandleFunc("/api/playlist", h.auth.Authorize(h.SavePlaylist))
}

// channelIDFromPath extracts the channel segment. IDs are opaque strings the
// portal chose; only the path shape is validated here.
func channelIDFromPath(path string) (string, bool) {
	id := strings.TrimPrefix(path, "/stream/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Stream attaches the caller to the channel's relay session and copies
// chunks until the client goes away or the session ends.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	channelID, ok := channelIDFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown channel"))
		return
	}
	ctx := logging.ContextWithChannelID(r.Context(), channelID)
	logger := logging.WithContext(ctx, h.logger)

	sub, err := h.relay.Attach(ctx, channelID)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrAccountsExhausted):
			writeError(w, http.StatusServiceUnavailable, errors.New("no capacity for new channels"))
		case errors.Is(err, relay.ErrIngestStart), errors.Is(err, relay.ErrChannelDraining):
			writeError(w, http.StatusServiceUnavailable, errors.New("channel temporarily unavailable"))
		case errors.Is(err, context.Canceled):
			// Client went away before the session came up.
		default:
			logger.Error("attach failed", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		}
		return
	}
	defer h.relay.Detach(channelID, sub)

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	pullTimeout := h.relay.PullTimeout()
	for {
		chunk, open := sub.Pull(pullTimeout)
		if !open {
			return
		}
		if chunk == nil {
			// No chunk within the window means the upstream has stalled.
			// Ending the response lets the deferred detach drain the
			// session instead of pinning the leased account forever.
			logger.Warn("stream stalled", "pull_timeout", pullTimeout.String())
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// Playlist serves the M3U with stream URLs rewritten to this host.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	if h.guide == nil {
		writeError(w, http.StatusNotFound, errors.New("guide not configured"))
		return
	}
	playlist, err := h.guide.LocalPlaylist(r.Host)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("playlist not ready"))
		return
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Write(playlist)
}

// EPG serves the filtered XMLTV document.
func (h *Handler) EPG(w http.ResponseWriter, _ *http.Request) {
	if h.guide == nil {
		writeError(w, http.StatusNotFound, errors.New("guide not configured"))
		return
	}
	doc, err := h.guide.EPGDocument()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("epg not ready"))
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(doc)
}

// Health reports liveness plus a session count for quick checks.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.relay.Sessions()),
	})
}

// SessionsHandler lists live sessions.
func (h *Handler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.relay.Sessions()})
}

// Accounts lists pool entries with their lease phase.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.accounts == nil {
		writeError(w, http.StatusNotFound, errors.New("accounts not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": h.accounts.Statuses()})
}

// History lists recently finished sessions from the journal.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.journal == nil {
		writeError(w, http.StatusNotFound, errors.New("journal not configured"))
		return
	}
	entries, err := h.journal.Recent(r.Context(), 50)
	if err != nil {
		h.logger.Error("journal query failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("journal unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// RefreshPlaylist forces a playlist re-download.
func (h *Handler) RefreshPlaylist(w http.ResponseWriter, r *http.Request) {
	h.refreshGuide(w, r, "playlist", func(ctx context.Context) error {
		return h.guide.RefreshPlaylist(ctx, true)
	})
}

// RefreshEPG forces an EPG re-download.
func (h *Handler) RefreshEPG(w http.ResponseWriter, r *http.Request) {
	h.refreshGuide(w, r, "epg", func(ctx context.Context) error {
		return h.guide.RefreshEPG(ctx, true)
	})
}

func (h *Handler) refreshGuide(w http.ResponseWriter, r *http.Request, kind string, refresh func(context.Context) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.guide == nil {
		writeError(w, http.StatusNotFound, errors.New("guide not configured"))
		return
	}
	if err := refresh(r.Context()); err != nil {
		h.logger.Error("guide refresh failed", "kind", kind, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("%s refresh failed", kind))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refreshed": kind})
}

// SavePlaylist replaces the raw playlist with the request body.
func (h *Handler) SavePlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.guide == nil {
		writeError(w, http.StatusNotFound, errors.New("guide not configured"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlaylistUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("read body"))
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("playlist body is empty"))
		return
	}
	if err := h.guide.SavePlaylist(body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("save playlist: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
