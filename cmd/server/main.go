package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-stack/internal/advisor"
	"signal-stack/internal/bot"
	"signal-stack/internal/cache"
	"signal-stack/internal/config"
	"signal-stack/internal/db"
	"signal-stack/internal/domain"
	"signal-stack/internal/handler"
	"signal-stack/internal/job"
	"signal-stack/internal/ml/decisions"
	"signal-stack/internal/ml/ensemble"
	"signal-stack/internal/ml/featureorder"
	"signal-stack/internal/ml/regime"
	"signal-stack/internal/ml/registry"
	"signal-stack/internal/ml/samples"
	"signal-stack/internal/ml/training"
	"signal-stack/internal/repository"
	"signal-stack/internal/service"
	"signal-stack/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "signal-stack/docs"
)

var (
	loadEnvFunc            = godotenv.Load
	loadConfigFunc         = config.Load
	initPostgresFunc       = db.InitPostgres
	initRedisFunc          = cache.InitRedis
	initTracerFunc         = tracing.InitTracer
	startTrainingJobFunc   = func(j *job.TrainingJob, ctx context.Context) { go j.Start(ctx) }
	startTelegramBotFunc   = bot.StartTelegramBot
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Signal Stack API
// @version         1.0
// @description     Ensemble trading-signal service with OpenTelemetry tracing.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Persistence
	orderRepo := featureorder.NewRepository(db.Pool, tracer)
	orderManager := featureorder.NewManager(tracer, orderRepo)
	registryRepo := registry.NewRepository(db.Pool, tracer)
	sampleRepo := samples.NewRepository(db.Pool, tracer)
	decisionRepo := decisions.NewRepository(db.Pool, tracer)
	convRepo := repository.NewConversationRepository(db.Pool, tracer)

	// Ensemble serving slot and trainer
	controller := ensemble.NewController(regime.NewClassifier(regime.DefaultConfig()))
	trainer := training.NewService(tracer, sampleRepo, registryRepo, orderManager, training.Config{
		Interval:        cfg.SampleInterval,
		TrainWindowDays: cfg.TrainWindowDays,
		Ensemble: ensemble.Config{
			Method:          domain.CombinationMethod(cfg.EnsembleMethod),
			BaseThreshold:   cfg.BaseThreshold,
			MinTrainSamples: cfg.MinTrainSamples,
		},
	})
	ensembleService := service.NewEnsembleService(tracer, controller, registryRepo, orderManager, decisionRepo, trainer, cache.Client)

	if db.Pool != nil {
		if err := ensembleService.LoadActive(ctx); err != nil {
			log.Printf("failed to restore active model, serving unfit: %v", err)
		}
	}

	// Nightly retraining (background goroutine, stopped by ctx cancel)
	if cfg.TrainingEnabled {
		trainingJob := job.NewTrainingJob(tracer, ensembleService, cfg.TrainHourUTC)
		startTrainingJobFunc(trainingJob, ctx)
	}

	// Advisor is optional; the bot degrades to decision lookups without it.
	var asker bot.Asker
	if cfg.OpenAIAPIKey != "" {
		llm := advisor.NewOpenAIClient(cfg.OpenAIAPIKey)
		asker = advisor.NewAdvisorService(tracer, llm, ensembleService, convRepo, cfg.OpenAIModel, cfg.AdvisorMaxHistory)
	}

	// Start Telegram bot
	os.Setenv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	startTelegramBotFunc(ensembleService, asker)

	// Create handlers and routes
	h := handler.New(tracer, ensembleService, registryRepo, sampleRepo, cfg.APIKey)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("signal-stack"))

	h.RegisterRoutes(r)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
