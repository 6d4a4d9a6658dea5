// Command server starts the relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"relaytv/internal/api"
	"relaytv/internal/guide"
	"relaytv/internal/ingest"
	"relaytv/internal/journal"
	"relaytv/internal/logos"
	"relaytv/internal/observability/logging"
	"relaytv/internal/observability/metrics"
	"relaytv/internal/relay"
	"relaytv/internal/server"
	"relaytv/internal/upstream"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	accountsPath := flag.String("accounts", "", "path to the upstream accounts file")
	portalDomain := flag.String("portal-domain", "", "portal DNS suffix appended to each account server")
	portalPort := flag.Int("portal-port", 0, "portal HTTP port")
	dataDir := flag.String("data-dir", "", "directory for guide documents and cached logos")
	cooldown := flag.Duration("account-cooldown", 0, "rest period before a released account is leased again")
	queueCapacity := flag.Int("queue-capacity", 0, "chunks buffered per viewer before drops begin")
	readBuffer := flag.Int("read-buffer", 0, "upstream read size in bytes")
	pullTimeout := flag.Duration("pull-timeout", 0, "how long a viewer waits for the next chunk")
	guideInterval := flag.Duration("guide-refresh-interval", 0, "interval between guide re-downloads")
	staleAfter := flag.Duration("stale-after", 0, "drain sessions that produce no data for this long (0 disables)")
	staleCheck := flag.Duration("stale-check-interval", 0, "interval between stale session sweeps")
	journalDSN := flag.String("journal-dsn", "", "Postgres DSN for the session journal (in-memory when empty)")
	adminTokenHash := flag.String("admin-token-hash", "", "PBKDF2 hash guarding the operator API")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	attachLimit := flag.Int("rate-attach-limit", 0, "maximum stream attaches per window for a single IP")
	attachWindow := flag.Duration("rate-attach-window", 0, "window for counting stream attaches")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed attach throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed attach throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYTV_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYTV_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	accounts, err := upstream.LoadAccounts(resolveAccountsPath(*accountsPath, os.Getenv("RELAYTV_ACCOUNTS")))
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	port := resolveInt(*portalPort, "RELAYTV_PORTAL_PORT")
	if port == 0 {
		port = 80
	}
	locator, err := upstream.NewLocator(firstNonEmpty(*portalDomain, os.Getenv("RELAYTV_PORTAL_DOMAIN")), port)
	if err != nil {
		logger.Error("invalid portal configuration", "error", err)
		os.Exit(1)
	}

	pool, err := relay.NewPool(accounts, relay.WithCooldown(resolveDuration(*cooldown, "RELAYTV_ACCOUNT_COOLDOWN", relay.DefaultCooldown)))
	if err != nil {
		logger.Error("failed to build account pool", "error", err)
		os.Exit(1)
	}

	journalRecorder, journalCloser, err := configureJournal(firstNonEmpty(*journalDSN, os.Getenv("RELAYTV_JOURNAL_DSN")))
	if err != nil {
		logger.Error("failed to open session journal", "error", err)
		os.Exit(1)
	}

	runner := ingest.NewFFmpegRunner(ingest.LoadConfigFromEnv(), logging.WithComponent(logger, "ingest"))
	registry, err := relay.NewRegistry(relay.Config{
		Pool:           pool,
		Runner:         runner,
		Resolve:        locator.StreamURL,
		Logger:         logging.WithComponent(logger, "relay"),
		Metrics:        recorder,
		Journal:        journalRecorder,
		QueueCapacity:  resolveInt(*queueCapacity, "RELAYTV_QUEUE_CAPACITY"),
		ReadBufferSize: resolveInt(*readBuffer, "RELAYTV_READ_BUFFER"),
		PullTimeout:    resolveDuration(*pullTimeout, "RELAYTV_PULL_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to build session registry", "error", err)
		os.Exit(1)
	}

	dataPath := resolveDataDir(*dataDir, os.Getenv("RELAYTV_DATA_DIR"))
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	logoCache, err := logos.NewCache(filepath.Join(dataPath, "logos"), nil, logging.WithComponent(logger, "logos"))
	if err != nil {
		logger.Error("failed to build logo cache", "error", err)
		os.Exit(1)
	}

	// Guide downloads reuse the first account's credentials. Any account
	// works because the portal serves identical documents to all of them.
	guideAccount := accounts[0]
	refresher, err := guide.NewRefresher(guide.RefresherConfig{
		Dir:         dataPath,
		PlaylistURL: func() (string, error) { return locator.PlaylistURL(guideAccount), nil },
		EPGURL:      func() (string, error) { return locator.EPGURL(guideAccount), nil },
		Logos:       logoCache,
		Interval:    resolveDuration(*guideInterval, "RELAYTV_GUIDE_REFRESH_INTERVAL", 0),
		Logger:      logging.WithComponent(logger, "guide"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to build guide refresher", "error", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := refresher.EnsureFiles(startupCtx); err != nil {
		startupCancel()
		logger.Error("failed to prepare guide documents", "error", err)
		os.Exit(1)
	}
	startupCancel()

	handler, err := api.NewHandler(api.HandlerConfig{
		Relay:    registry,
		Guide:    refresher,
		Accounts: pool,
		Journal:  journalRecorder,
		Logos:    logoCache,
		Auth:     api.NewOperatorAuth(firstNonEmpty(*adminTokenHash, os.Getenv("RELAYTV_ADMIN_TOKEN_HASH"))),
		Logger:   logging.WithComponent(logger, "api"),
	})
	if err != nil {
		logger.Error("failed to build api handler", "error", err)
		os.Exit(1)
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "RELAYTV_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "RELAYTV_RATE_GLOBAL_BURST"),
		AttachLimit:   resolveInt(*attachLimit, "RELAYTV_RATE_ATTACH_LIMIT"),
		AttachWindow:  resolveDuration(*attachWindow, "RELAYTV_RATE_ATTACH_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("RELAYTV_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("RELAYTV_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*redisTimeout, "RELAYTV_RATE_REDIS_TIMEOUT", 2*time.Second),
	}
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("RELAYTV_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RELAYTV_TLS_KEY")),
	}
	listenAddr := firstNonEmpty(*addr, os.Getenv("RELAYTV_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go refresher.Run(workerCtx)
	watchdogStop := startStaleWatchdog(workerCtx, logging.WithComponent(logger, "watchdog"), registry,
		resolveDuration(*staleAfter, "RELAYTV_STALE_AFTER", 0),
		resolveDuration(*staleCheck, "RELAYTV_STALE_CHECK_INTERVAL", time.Minute),
	)
	defer watchdogStop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", listenAddr, "accounts", len(accounts))
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	watchdogStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	registry.Shutdown(ctx)

	if journalCloser != nil {
		if err := journalCloser(ctx); err != nil {
			logger.Warn("failed to close session journal", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureJournal(dsn string) (journal.Recorder, func(context.Context) error, error) {
	if dsn == "" {
		return journal.NewMemoryRecorder(0), nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recorder, err := journal.NewPostgresRecorder(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return recorder, recorder.Close, nil
}

func resolveAccountsPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return "accounts.json"
}

func resolveDataDir(flagValue, envValue string) string {
	if dir := firstNonEmpty(flagValue, envValue); dir != "" {
		return dir
	}
	return "data"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
