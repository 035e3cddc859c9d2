package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimoire/internal/app"
	"grimoire/internal/cleanup"
	"grimoire/internal/config"
	"grimoire/internal/cover"
	"grimoire/internal/identity"
	"grimoire/internal/ratelimit"
	"grimoire/internal/server"
	"grimoire/internal/util"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var bookStore store.Store
	var gormStore *store.GormStore
	if cfg.DatabaseURL != "" {
		gormStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		bookStore = gormStore
	} else {
		slog.Warn("databaseURL not set, using in-memory store")
		bookStore = store.NewMemoryStore()
	}

	var images storage.ImageStore
	var localImages *storage.LocalStore
	if cfg.MinioEndpoint != "" {
		images, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init minio image store: %v", err)
		}
	} else {
		localImages, err = storage.NewLocalStore(cfg.ImageDir, cfg.PublicBaseURL)
		if err != nil {
			log.Fatalf("failed to init local image store: %v", err)
		}
		images = localImages
	}

	deriver, err := cover.NewDeriver(filepath.Join(cfg.UploadDir, "derived"))
	if err != nil {
		log.Fatalf("failed to init cover deriver: %v", err)
	}

	janitor := cleanup.New(cleanup.Config{})

	verifier, err := identity.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:         bookStore,
		Images:        images,
		Deriver:       deriver,
		Janitor:       janitor,
		TopRatedLimit: cfg.TopRatedLimit,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		Limiter:        limiter,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	root := http.NewServeMux()
	if localImages != nil {
		root.Handle("/images/", http.StripPrefix("/images/", http.FileServer(http.Dir(localImages.Dir()))))
	}
	root.Handle("/", httpServer.Router())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("grimoire server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}

	// Let pending raw-upload and derivative removals finish.
	janitor.Drain()
	if gormStore != nil {
		if err := gormStore.Close(); err != nil {
			logger.Error("close store", "err", err)
		}
	}
}
