package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dissden/api/db"
	"dissden/api/internal/app"
	"dissden/api/internal/blob"
	"dissden/api/internal/config"
	"dissden/api/internal/logging"
	"dissden/api/internal/metrics"
	"dissden/api/internal/search"
	"dissden/api/internal/session"
	"dissden/api/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer database.Close()

	applied, err := store.ApplyMigrations(ctx, database, migrationsFS(cfg))
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("files", applied))
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer sessions.Close()

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(database), logger)

	deps := app.Deps{
		Store:    store.NewPostgresStore(database),
		Sessions: sessions,
		Search:   searchService,
		Metrics:  metrics.New(),
		Log:      logger,
	}
	if cfg.MinIOEndpoint != "" {
		images, err := blob.NewMinIO(ctx, blob.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			PublicURL: cfg.MinIOPublicURL,
		})
		if err != nil {
			return err
		}
		deps.Blobs = images
	} else {
		logger.Warn("image uploads disabled: MINIO_ENDPOINT not set")
	}

	service := app.New(cfg, deps)
	go service.Bootstrap(ctx)
	go service.RunReconciler(ctx, cfg.ReconcileInterval)

	gin.SetMode(cfg.GinMode)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("dissden api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	searchService.Wait()
	return nil
}

func migrationsFS(cfg config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	sub, err := fs.Sub(db.Migrations, db.MigrationsDir)
	if err != nil {
		panic(err)
	}
	return sub
}
