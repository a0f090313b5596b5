// msgboard/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"msgboard/board"
	"msgboard/config"
	"msgboard/database"
	"msgboard/handlers"
	"msgboard/media"
	"msgboard/moderation"
	"msgboard/session"
	"msgboard/utils"
)

type Application struct {
	db       *database.DatabaseService
	board    *board.Service
	sessions session.Store
	cfg      *config.Config
	logger   *slog.Logger
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService { return a.db }
func (a *Application) Board() *board.Service         { return a.board }
func (a *Application) Sessions() session.Store       { return a.sessions }
func (a *Application) Config() *config.Config        { return a.cfg }
func (a *Application) Logger() *slog.Logger          { return a.logger }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "msgboard:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, hashPassword string
	flagSet := pflag.NewFlagSet("msgboard", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&hashPassword, "hash-password", "", "print the bcrypt hash of a moderator password and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(hashPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	utils.IPSalt = cfg.IPSalt
	if utils.IPSalt == "" {
		if utils.IPSalt, err = utils.RandomHex(32); err != nil {
			return fmt.Errorf("generate IP salt: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbService, err := database.InitDB(database.DSN(cfg.DBPath, cfg.BusyTimeout), logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := dbService.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()
	dbService.BackupDir = cfg.BackupDir

	storage, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sessions, closeSessions, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	svc := board.NewService(
		dbService,
		media.NewGate(storage, cfg.MaxUploadSize, logger),
		board.Options{
			ThreadsPerPage: cfg.ThreadsPerPage,
			RepliesPerPage: cfg.RepliesPerPage,
			PreviewReplies: cfg.PreviewReplies,
			Policy:         moderation.Policy{LockBypassForModerators: cfg.LockBypassForModerators},
		},
		board.NewMetrics(prometheus.DefaultRegisterer),
		logger,
	)

	app := &Application{
		db:       dbService,
		board:    svc,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.ModPasswordHash == "" {
		logger.Warn("No moderator password hash configured; moderator login is disabled")
	}

	// --- Graceful Shutdown ---
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.SetupRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("msgboard server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+cfg.Port,
		"storage", cfg.Storage.Backend,
		"sessions", cfg.Session.Backend,
	)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed unexpectedly: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (media.StorageService, error) {
	if cfg.Storage.Backend == "s3" {
		s3 := cfg.Storage.S3
		storage, err := media.NewS3Storage(ctx, s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, s3.Region, s3.PublicURL, s3.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize S3 storage: %w", err)
		}
		logger.Info("S3 Storage initialized", "endpoint", s3.Endpoint, "bucket", s3.Bucket)
		return storage, nil
	}

	storage, err := media.NewLocalStorage(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local storage: %w", err)
	}
	logger.Info("Local Storage initialized", "dir", cfg.UploadDir)
	return storage, nil
}

func newSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, func(), error) {
	if cfg.Session.Backend == "redis" {
		client, err := session.NewRedisClient(ctx, cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("Redis session store initialized", "addr", cfg.Session.RedisAddr)
		return session.NewRedisStore(client), func() {
			if err := client.Close(); err != nil {
				logger.Error("Failed to close redis client", "error", err)
			}
		}, nil
	}
	logger.Info("In-memory session store initialized")
	return session.NewMemoryStore(ctx, time.Minute), func() {}, nil
}
