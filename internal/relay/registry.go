package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaytv/internal/ingest"
	"relaytv/internal/journal"
	"relaytv/internal/observability/metrics"
	"relaytv/internal/upstream"
)

// ErrIngestStart wraps failures to launch the upstream capture process. The
// leased account is returned to the pool before this is reported.
var ErrIngestStart = errors.New("ingest start failed")

// ErrChannelDraining is returned when attach attempts keep landing on a
// session that is tearing down. Callers may simply retry the request.
var ErrChannelDraining = errors.New("channel session is draining")

// SourceResolver maps a leased account and channel to the upstream URL the
// ingest process should pull.
type SourceResolver func(acct upstream.Account, channelID string) string

const (
	defaultQueueCapacity  = 100
	defaultReadBufferSize = 4096
	defaultPullTimeout    = 10 * time.Second
	attachRetries         = 3
)

// Config wires a Registry's collaborators.
type Config struct {
	Pool    *Pool
	Runner  ingest.Runner
	Resolve SourceResolver
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Journal receives finished sessions. Nil disables recording.
	Journal journal.Recorder
	// QueueCapacity bounds each viewer queue. Defaults to 100 chunks.
	QueueCapacity int
	// ReadBufferSize is the upstream read size. Defaults to 4096 bytes.
	ReadBufferSize int
	// PullTimeout bounds how long a viewer waits for the next chunk before
	// the boundary re-checks the connection. Defaults to 10 seconds.
	PullTimeout time.Duration
}

// SessionStatus is a point-in-time view of one live session.
type SessionStatus struct {
	ChannelID   string    `json:"channelId"`
	AccountID   string    `json:"accountId"`
	StartedAt   time.Time `json:"startedAt"`
	LastDataAt  time.Time `json:"lastDataAt"`
	Viewers     int       `json:"viewers"`
	PeakViewers int       `json:"peakViewers"`
	Bytes       uint64    `json:"bytes"`
}

// Registry owns every live channel session. Attach is the only way a viewer
// reaches a session, and concurrent attaches to a cold channel collapse into
// a single session creation.
type Registry struct {
	pool       *Pool
	runner     ingest.Runner
	resolve    SourceResolver
	logger     *slog.Logger
	metrics    *metrics.Recorder
	journal    journal.Recorder
	queueCap   int
	readBuf    int
	pullWait   time.Duration
	group      singleflight.Group
	mu         sync.Mutex
	sessions   map[string]*session
	shutdownMu sync.Mutex
	shutdown   bool
}

// NewRegistry validates the configuration and builds an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("registry requires an account pool")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("registry requires an ingest runner")
	}
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("registry requires a source resolver")
	}
	r := &Registry{
		pool:     cfg.Pool,
		runner:   cfg.Runner,
		resolve:  cfg.Resolve,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		queueCap: cfg.QueueCapacity,
		readBuf:  cfg.ReadBufferSize,
		pullWait: cfg.PullTimeout,
		sessions: make(map[string]*session),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.queueCap <= 0 {
		r.queueCap = defaultQueueCapacity
	}
	if r.readBuf <= 0 {
		r.readBuf = defaultReadBufferSize
	}
	if r.pullWait <= 0 {
		r.pullWait = defaultPullTimeout
	}
	return r, nil
}

// PullTimeout reports the configured viewer wait used by the HTTP boundary.
func (r *Registry) PullTimeout() time.Duration { return r.pullWait }

// Attach joins a viewer to the channel, creating the session when the channel
// is cold. A session that drains between lookup and subscribe is retried a
// few times before giving up.
func (r *Registry) Attach(ctx context.Context, channelID string) (*Subscription, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	for attempt := 0; attempt < attachRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := r.lookupOrCreate(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if sub, ok := s.addSubscriber(r.queueCap); ok {
			r.metrics.ViewerAttached()
			return sub, nil
		}
		// Session began draining under us; loop and create a fresh one.
	}
	return nil, ErrChannelDraining
}

func (r *Registry) lookupOrCreate(ctx context.Context, channelID string) (*session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[channelID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(channelID, func() (interface{}, error) {
		r.mu.Lock()
		if s, ok := r.sessions[channelID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()
		return r.createSession(ctx, channelID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (r *Registry) createSession(ctx context.Context, channelID string) (*session, error) {
	r.shutdownMu.Lock()
	if r.shutdown {
		r.shutdownMu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	r.shutdownMu.Unlock()

	account, err := r.pool.Lease(channelID)
	if err != nil {
		r.metrics.LeaseDenied()
		return nil, err
	}
	r.metrics.LeaseGranted()

	handle, err := r.runner.Start(ctx, channelID, r.resolve(account, channelID))
	if err != nil {
		r.pool.Release(account.ID)
		r.metrics.SessionStartFailed()
		r.logger.Error("session start failed", "channel_id", channelID, "account_id", account.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrIngestStart, err)
	}

	r.mu.Lock()
	s := newSession(channelID, account, handle, time.Now())
	r.sessions[channelID] = s
	r.mu.Unlock()

	r.metrics.SessionStarted()
	r.logger.Info("session started", "channel_id", channelID, "account_id", account.ID)
	go r.readLoop(s)
	return s, nil
}

// readLoop pumps upstream chunks into every subscriber queue until the
// process ends. Each chunk is copied once; slow viewers drop chunks instead
// of stalling the loop.
func (r *Registry) readLoop(s *session) {
	buf := make([]byte, r.readBuf)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.touch(time.Now(), n)
			delivered, dropped := 0, 0
			for _, sub := range s.subscribers() {
				if sub.offer(chunk) {
					delivered++
				} else if !sub.Closed() {
					dropped++
				}
			}
			r.metrics.ObserveChunk(n, delivered, dropped)
		}
		if err != nil {
			reason := "upstream_eof"
			if !expectedReadEnd(err) {
				reason = "upstream_error"
				r.logger.Warn("upstream read failed", "channel_id", s.channelID, "error", err)
			}
			if s.beginDrain(true) {
				r.teardown(s, reason)
			}
			return
		}
	}
}

// expectedReadEnd reports whether the read error is a normal consequence of
// the stream ending or the handle being stopped.
func expectedReadEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) || errors.Is(err, context.Canceled)
}

// Detach removes a viewer from the channel. The call is idempotent; detaching
// an unknown or already removed subscription is a no-op. The last viewer out
// drains the session, which releases the account into cooldown.
func (r *Registry) Detach(channelID string, sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	s, ok := r.sessions[channelID]
	r.mu.Unlock()
	if !ok {
		sub.close()
		return
	}
	removed, remaining := s.removeSubscriber(sub)
	if !removed {
		sub.close()
		return
	}
	r.metrics.ViewerDetached()
	if remaining == 0 && s.beginDrain(false) {
		r.teardown(s, "idle")
	}
}

// teardown finalizes a session after its drain transition has been won: it is
// removed from the registry, its subscribers are closed, the ingest process
// is stopped, and the account is released into cooldown.
func (r *Registry) teardown(s *session, reason string) {
	r.mu.Lock()
	if current, ok := r.sessions[s.channelID]; ok && current == s {
		delete(r.sessions, s.channelID)
	}
	r.mu.Unlock()

	s.closeAll()
	s.handle.Stop()
	r.pool.Release(s.account.ID)
	r.metrics.SessionStopped(reason)
	r.logger.Info("session ended",
		"channel_id", s.channelID,
		"account_id", s.account.ID,
		"reason", reason,
		"peak_viewers", s.peakViewers(),
		"bytes", s.bytes.Load())

	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		entry := journal.Entry{
			ChannelID:     s.channelID,
			AccountID:     s.account.ID,
			Reason:        reason,
			StartedAt:     s.startedAt,
			EndedAt:       time.Now(),
			PeakViewers:   s.peakViewers(),
			BytesIngested: s.bytes.Load(),
		}
		if err := r.journal.Record(ctx, entry); err != nil {
			r.logger.Warn("journal record failed", "channel_id", s.channelID, "error", err)
		}
	}
}

// ReapStale force-drains sessions whose upstream has been silent longer than
// threshold. It returns how many sessions were torn down.
func (r *Registry) ReapStale(threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-threshold)
	r.mu.Lock()
	candidates := make([]*session, 0)
	for _, s := range r.sessions {
		if s.lastDataAt().Before(cutoff) {
			candidates = append(candidates, s)
		}
	}
	r.mu.Unlock()

	reaped := 0
	for _, s := range candidates {
		if s.beginDrain(true) {
			r.teardown(s, "stale")
			reaped++
		}
	}
	return reaped
}

// Sessions snapshots every live session, sorted by channel for stable output.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionStatus{
			ChannelID:   s.channelID,
			AccountID:   s.account.ID,
			StartedAt:   s.startedAt,
			LastDataAt:  s.lastDataAt(),
			Viewers:     s.viewerCount(),
			PeakViewers: s.peakViewers(),
			Bytes:       s.bytes.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Shutdown force-drains every session and blocks new attaches.
func (r *Registry) Shutdown(ctx context.Context) {
	r.shutdownMu.Lock()
	r.shutdown = true
	r.shutdownMu.Unlock()

	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return
		}
		if s.beginDrain(true) {
			r.teardown(s, "shutdown")
		}
	}
}
