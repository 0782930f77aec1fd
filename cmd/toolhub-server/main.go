package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vec-tools/toolhub/internal/api"
	"github.com/vec-tools/toolhub/internal/authz"
	"github.com/vec-tools/toolhub/internal/catalog"
	"github.com/vec-tools/toolhub/internal/db"
	"github.com/vec-tools/toolhub/internal/directory"
	"github.com/vec-tools/toolhub/internal/engine"
	"github.com/vec-tools/toolhub/internal/session"
	"github.com/vec-tools/toolhub/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLHUB_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("TOOLHUB_HTTP_PORT", "8080")
	toolsRoot := envOrDefault("TOOLHUB_TOOLS_ROOT", "./support_scripts")
	interpreter := envOrDefault("TOOLHUB_INTERPRETER", "python3")
	runTimeoutS := envOrDefaultInt("TOOLHUB_RUN_TIMEOUT_S", 60)
	sessionTTLS := envOrDefaultInt("TOOLHUB_SESSION_TTL_S", 3600)
	cacheTTLS := envOrDefaultInt("TOOLHUB_AUTHZ_CACHE_TTL_S", 30)
	dbDriver := envOrDefault("TOOLHUB_DB_DRIVER", "sqlite")
	dbPath := envOrDefault("TOOLHUB_DB_PATH", "./data/toolhub.db")
	databaseURL := os.Getenv("TOOLHUB_DATABASE_URL")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	adminUser := envOrDefault("TOOLHUB_ADMIN_USER", "admin")
	adminPass := os.Getenv("TOOLHUB_ADMIN_PASS")
	adminEmail := envOrDefault("TOOLHUB_ADMIN_EMAIL", "")

	logger.Info("starting toolhub server",
		zap.String("http_port", httpPort),
		zap.String("tools_root", toolsRoot),
		zap.String("interpreter", interpreter),
		zap.Int("run_timeout_s", runTimeoutS),
		zap.String("db_driver", dbDriver),
	)

	// Directory database
	database, err := db.Open(db.Config{Driver: dbDriver, Path: dbPath, URL: databaseURL})
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = database.Close() }()

	dir := directory.NewStore(database, dbDriver)
	if err := dir.Migrate(context.Background()); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	// Bootstrap admin account on first start
	if adminPass != "" {
		created, err := dir.EnsureAdmin(context.Background(), adminUser, adminPass, adminEmail)
		if err != nil {
			logger.Fatal("failed to bootstrap admin", zap.Error(err))
		}
		if created {
			logger.Info("bootstrap admin created", zap.String("username", adminUser))
		}
	} else {
		logger.Warn("TOOLHUB_ADMIN_PASS not set, skipping admin bootstrap")
	}

	// Tool catalog — seed permission rows for everything on disk
	scanner := catalog.NewScanner(toolsRoot, logger)
	tools := scanner.Discover()
	created, err := dir.SyncPermissions(context.Background(), catalog.Relpaths(tools))
	if err != nil {
		logger.Error("initial permission sync failed", zap.Error(err))
	} else {
		logger.Info("tool catalog scanned",
			zap.Int("tools", len(tools)),
			zap.Int("permissions_created", created),
		)
	}

	// Audit storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	var reader *storage.Reader
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}

		reader, err = storage.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Sessions, authorization gate, execution engine
	sessions := session.NewManager(time.Duration(sessionTTLS)*time.Second, logger)
	defer sessions.Close()

	authorizer := authz.New(authz.Config{
		Directory: dir,
		CacheTTL:  time.Duration(cacheTTLS) * time.Second,
		Logger:    logger,
	})
	runner := engine.NewRunner(toolsRoot, interpreter, time.Duration(runTimeoutS)*time.Second, logger)

	deps := &api.Dependencies{
		Directory:  dir,
		Scanner:    scanner,
		Authorizer: authorizer,
		Runner:     runner,
		Sessions:   sessions,
		Writer:     writer,
		Reader:     reader,
		Logger:     logger,
		SessionTTL: time.Duration(sessionTTLS) * time.Second,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("toolhub server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
