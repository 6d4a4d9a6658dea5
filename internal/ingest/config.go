package ingest

import (
	"os"
	"strings"
	"time"
)

// Config controls how ingest processes are launched.
type Config struct {
	// FFmpegPath is the binary to invoke. Defaults to "ffmpeg" on PATH.
	FFmpegPath string
	// ExtraArgs replaces the default encode arguments when set.
	ExtraArgs []string
	// StopGrace bounds how long Stop waits for a clean exit.
	StopGrace time.Duration
}

const defaultStopGrace = 5 * time.Second

// LoadConfigFromEnv reads ingest settings from RELAYTV_FFMPEG_PATH,
// RELAYTV_FFMPEG_EXTRA_ARGS and RELAYTV_INGEST_STOP_GRACE.
func LoadConfigFromEnv() Config {
	cfg := Config{
		FFmpegPath: strings.TrimSpace(os.Getenv("RELAYTV_FFMPEG_PATH")),
		StopGrace:  defaultStopGrace,
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYTV_FFMPEG_EXTRA_ARGS")); raw != "" {
		for _, part := range strings.Fields(raw) {
			cfg.ExtraArgs = append(cfg.ExtraArgs, part)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYTV_INGEST_STOP_GRACE")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.StopGrace = d
		}
	}
	return cfg
}

// args builds the full ffmpeg argument list for one source. The defaults
// remux to MPEG-TS with low-latency flags and write to stdout.
func (c Config) args(sourceURL string) []string {
	out := []string{
		"-re",
		"-fflags", "+nobuffer",
		"-flags", "low_delay",
		"-i", sourceURL,
	}
	if len(c.ExtraArgs) > 0 {
		out = append(out, c.ExtraArgs...)
	} else {
		out = append(out,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-tune", "zerolatency",
		)
	}
	out = append(out, "-f", "mpegts", "-")
	return out
}
