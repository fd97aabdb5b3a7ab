package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vnkhanh/recallai-backend/config"
	"github.com/vnkhanh/recallai-backend/controllers"
	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/middleware"
	"github.com/vnkhanh/recallai-backend/observability"
	"github.com/vnkhanh/recallai-backend/repository"
	"github.com/vnkhanh/recallai-backend/routes"
	"github.com/vnkhanh/recallai-backend/services"
	"github.com/vnkhanh/recallai-backend/utils"
	"github.com/vnkhanh/recallai-backend/worker"
	"github.com/vnkhanh/recallai-backend/ws"
)

const serviceName = "recallai-backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	mode := "dev"
	if cfg.Env == "prod" || cfg.Env == "production" {
		mode = "prod"
		gin.SetMode(gin.ReleaseMode)
	}
	log, err := logger.New(logger.Options{Mode: mode, Level: cfg.LogLevel, Redact: true, Salt: cfg.LogHashSalt})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	// Kết nối DB
	db, err := config.InitDB(cfg, log)
	if err != nil {
		return err
	}

	store, closeStore, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis là tùy chọn
	var (
		dlq    services.DeadLetterQueue
		dedupe services.EventDeduper
		lister controllers.DeadLetterLister
	)
	if cfg.RedisAddr != "" {
		rdb, err := utils.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deadLetters := utils.NewRedisDeadLetters(rdb)
		dlq, lister = deadLetters, deadLetters
		dedupe = utils.NewRedisDeduper(rdb)
		log.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		log.Warn("REDIS_ADDR not set: dead letters are only logged and event redelivery is not de-duplicated")
	}

	generator, anki, closeGenerator, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeGenerator()

	hub := ws.NewHub(log)
	decks := repository.NewDeckRepository(db)
	persister := services.NewPersister(decks, dlq, hub, log)
	pipeline := services.NewPipeline(services.NewExtractor(store, log), generator, persister, dedupe, cfg.PipelineTimeout, log)

	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	pool := worker.NewWorkerPool(cfg.WorkerCount, cfg.WorkerCount*8, log)
	pool.Start(poolCtx)

	api := &controllers.API{
		DB:          db,
		Decks:       decks,
		Pipeline:    pipeline,
		Generator:   generator,
		Exporter:    services.NewExporter(anki, log),
		Store:       store,
		Bucket:      cfg.UploadBucket,
		Pool:        pool,
		Hub:         hub,
		DeadLetters: lister,
		Log:         log,
	}

	var eventValidator middleware.EventTokenValidator
	if cfg.EventAudience != "" {
		eventValidator = middleware.GoogleIDTokenValidator{Audience: cfg.EventAudience}
	} else {
		log.Warn("EVENT_AUDIENCE not set: storage events are accepted without authentication")
	}

	// ====== ROUTER ======
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = 8 << 20
	if cfg.OtelEnabled {
		r.Use(otelgin.Middleware(serviceName))
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Auth-Token", "X-Request-Id"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
	}))
	r.Use(middleware.AttachTraceContext(), middleware.RequestLogger(log))
	routes.SetupRouter(r, api, routes.Options{
		Verifier:       utils.NewTokenVerifier(cfg.JWTSecret),
		EventValidator: eventValidator,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Port, "storage", string(cfg.StorageProvider), "ai_backend", string(cfg.AIBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// Tắt server, chờ job đang chạy xong
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	pool.Stop()
	log.Info("server stopped")
	return nil
}

func newObjectStore(ctx context.Context, cfg config.Config) (utils.ObjectStore, func(), error) {
	switch cfg.StorageProvider {
	case config.StorageGCS:
		gcs, err := utils.NewGCSStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gcs, func() { _ = gcs.Close() }, nil
	case config.StorageSupabase:
		return utils.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage provider %q", cfg.StorageProvider)
	}
}

// newGenerator returns the flashcard backend and, when the remote AI service is
// configured, the Anki packager. anki stays a nil interface otherwise.
func newGenerator(ctx context.Context, cfg config.Config, log *logger.Logger) (services.FlashcardGenerator, services.AnkiPackager, func(), error) {
	var anki services.AnkiPackager
	var remote *services.AIClient
	if cfg.AIServiceURL != "" {
		remote = services.NewAIClient(cfg.AIServiceURL, cfg.AITextTimeout, cfg.AIAudioTimeout, log)
		anki = remote
	}

	switch cfg.AIBackend {
	case config.AIBackendRemote:
		return remote, anki, func() {}, nil
	case config.AIBackendGemini:
		gemini, err := services.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return gemini, anki, func() { _ = gemini.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported AI backend %q", cfg.AIBackend)
	}
}
