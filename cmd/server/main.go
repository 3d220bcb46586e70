package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/auth"
	authservice "github.com/bookgate/uploader-backend/internal/auth/service"
	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/kavita"
	"github.com/bookgate/uploader-backend/internal/metadata"
	"github.com/bookgate/uploader-backend/internal/notify"
	"github.com/bookgate/uploader-backend/internal/pkg/database"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/redis"
	"github.com/bookgate/uploader-backend/internal/preview"
	"github.com/bookgate/uploader-backend/internal/scanner"
	"github.com/bookgate/uploader-backend/internal/server"
	"github.com/bookgate/uploader-backend/internal/upload/biz"
	"github.com/bookgate/uploader-backend/internal/upload/data"
	"github.com/bookgate/uploader-backend/internal/upload/queue"
	"github.com/bookgate/uploader-backend/internal/upload/service"
)

var configFile = flag.String("config", "config.yaml", "config file path")

func main() {
	flag.Parse()

	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	if err := logger.InitGlobal(&config.Log); err != nil {
		log.Fatal("failed to initialize global logger", zap.Error(err))
	}

	log.Info("config loaded successfully")

	if err := config.EnsureDirectories(); err != nil {
		log.Fatal("failed to create working directories", zap.Error(err))
	}

	db, err := database.New(&config.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(&data.UploadModel{}); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	redisClient, err := redis.New(&config.Redis, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	// repositories and adapters
	uploadRepo := data.NewUploadRepo(db.DB)
	manifest := data.NewManifestWriter(config.Moving.ManifestPath)
	moveLease := data.NewMoveLease(redisClient)

	kavitaClient := kavita.NewClient(config.Kavita, log)
	var libraries biz.LibraryPathProvider = kavitaClient
	if !config.Kavita.Enabled {
		libraries = &kavita.StaticProvider{Paths: config.Moving.KavitaLibraryDirs}
	}

	fileScanner := scanner.NewVirusTotalScanner(config.Scanning, log)
	extractor := metadata.NewExtractor(log)
	previews := preview.NewGenerator(config.Preview, log)
	notifier := notify.New(config.Moving.Notification, log)

	// use cases
	diskGuard := biz.NewDiskGuard(uploadRepo, config.DiskProtection, config.Folders.Quarantine, log)
	resolver := biz.NewDuplicateResolver(uploadRepo, libraries, config.Moving, log)

	uploadUseCase := biz.NewUploadUseCase(uploadRepo, log)
	intakeUseCase := biz.NewIntakeUseCase(uploadRepo, diskGuard,
		config.Folders, config.Upload, config.Security, log)
	scanUseCase := biz.NewScanUseCase(uploadRepo, fileScanner, nil, notifier, config.Scanning, log)
	metadataUseCase := biz.NewMetadataUseCase(uploadRepo, extractor, resolver, config.Metadata, log)
	mover := biz.NewMover(uploadRepo, resolver, manifest, moveLease, notifier,
		config.Moving, config.Security, log)

	// scan worker pool
	scanWorker := queue.NewWorker(redisClient, scanUseCase, log, config.Scanning.Workers)
	scanUseCase.SetQueue(scanWorker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Scanning.Enabled {
		if err := scanWorker.Start(ctx); err != nil {
			log.Fatal("failed to start scan workers", zap.Error(err))
		}
		defer scanWorker.Stop()
	}

	// background disk sweep
	go diskGuard.Run(ctx)

	// services
	tokens := auth.NewTokenManager(config.Auth.SessionSecret, config.Auth.TokenExpiry)
	authService := authservice.NewAuthService(kavitaClient, tokens, config.Auth, log)
	uploadService := service.NewUploadService(uploadUseCase, intakeUseCase,
		scanUseCase, metadataUseCase, mover, previews, log)
	systemService := service.NewSystemService(diskGuard, config, db, redisClient, log)

	httpServer := server.NewHTTPServer(config, log, tokens, authService, uploadService, systemService)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	log.Info("server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}
