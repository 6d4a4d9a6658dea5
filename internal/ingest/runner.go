package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle is one running ingest process. Read delivers the remuxed transport
// stream; Stop tears the process down and releases its pipes.
type Handle interface {
	Read(p []byte) (int, error)
	Stop()
}

// Runner starts ingest processes for session sources.
type Runner interface {
	Start(ctx context.Context, channelID, sourceURL string) (Handle, error)
}

// FFmpegRunner launches ffmpeg against the upstream source and exposes its
// stdout as the session's byte stream. Stderr is forwarded line by line to
// the logger at debug level.
type FFmpegRunner struct {
	cfg    Config
	logger *slog.Logger
}

// NewFFmpegRunner builds a runner from the loaded configuration.
func NewFFmpegRunner(cfg Config, logger *slog.Logger) *FFmpegRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegRunner{cfg: cfg, logger: logger}
}

// Start spawns ffmpeg for the given source. The process lifetime is bound to
// the returned handle, not to ctx: ctx only gates startup, so the first
// viewer disconnecting cannot kill an ingest other viewers share.
func (r *FFmpegRunner) Start(ctx context.Context, channelID, sourceURL string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, r.cfg.FFmpegPath, r.cfg.args(sourceURL)...)
	// Cancellation asks ffmpeg to exit cleanly; Stop escalates to SIGKILL
	// only after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ingest stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{logger: r.logger.With("channel_id", channelID)}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	h := &processHandle{
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		done:   make(chan struct{}),
		grace:  r.cfg.StopGrace,
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	r.logger.Info("ingest started", "channel_id", channelID, "pid", cmd.Process.Pid)
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	done   chan struct{}
	grace  time.Duration
	stop   sync.Once
}

func (h *processHandle) Read(p []byte) (int, error) {
	return h.stdout.Read(p)
}

// Stop cancels the process context and waits briefly for a clean exit before
// escalating to SIGKILL. Idempotent.
func (h *processHandle) Stop() {
	h.stop.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(h.grace):
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
			<-h.done
		}
		h.stdout.Close()
	})
}

// logWriter splits process stderr into lines and forwards them to the logger.
type logWriter struct {
	logger *slog.Logger
	buf    bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		if trimmed := bytes.TrimSpace([]byte(line)); len(trimmed) > 0 {
			w.logger.Debug("ffmpeg", "line", string(trimmed))
		}
	}
	return len(p), nil
}
