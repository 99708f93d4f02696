package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/mockup/internal/api"
	"github.com/onnwee/mockup/internal/auth"
	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/config"
	"github.com/onnwee/mockup/internal/db"
	"github.com/onnwee/mockup/internal/finish"
	"github.com/onnwee/mockup/internal/health"
	imgcodec "github.com/onnwee/mockup/internal/image"
	"github.com/onnwee/mockup/internal/imagegen"
	"github.com/onnwee/mockup/internal/middleware"
	"github.com/onnwee/mockup/internal/mockup"
	"github.com/onnwee/mockup/internal/storage"
	"github.com/onnwee/mockup/internal/tracing"
)

// rateLimitCleanupInterval sweeps expired in-memory rate limit buckets.
const rateLimitCleanupInterval = 5 * time.Minute

// app is the wired server. close releases everything it opened, in reverse
// order.
type app struct {
	handler http.Handler
	closers []func(context.Context) error
}

func (a *app) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newApp builds the frame store, generator and HTTP stack described by cfg.
// On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    tracing.DefaultServiceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporterType,
		OTLPEndpoint:   cfg.TracingOTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.onClose(tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	genMetrics := mockup.NewMetrics()
	finishMetrics := finish.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, genMetrics, finishMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	checks := map[string]health.Checker{}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		a.onClose(func(context.Context) error { return rdb.Close() })
		checks["redis"] = health.NewRedisChecker(rdb)
	}

	repo, err := newRepository(ctx, cfg, logger, a, checks)
	if err != nil {
		return nil, err
	}

	photos, err := newPhotoStore(cfg, checks)
	if err != nil {
		return nil, err
	}

	var locker calibration.Locker
	if rdb != nil {
		locker = calibration.NewRedisLocker(rdb, logger)
	}
	store, err := calibration.NewStore(calibration.StoreConfig{
		Repository:   repo,
		Photos:       photos,
		Locker:       locker,
		Logger:       logger,
		DeletePhotos: cfg.DeletePhotos,
	})
	if err != nil {
		return nil, fmt.Errorf("calibration store: %w", err)
	}

	var images mockup.ImageGenerator
	if cfg.OpenRouterAPIKey != "" {
		client, err := imagegen.NewClient(imagegen.Config{
			APIKey:      cfg.OpenRouterAPIKey,
			BaseURL:     cfg.OpenRouterBaseURL,
			Model:       cfg.OpenRouterModel,
			AspectRatio: cfg.OpenRouterAspectRatio,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("image model: %w", err)
		}
		images = client
		baseURL := cfg.OpenRouterBaseURL
		if baseURL == "" {
			baseURL = imagegen.DefaultBaseURL
		}
		checks["image_model"] = health.NewHTTPChecker("image_model", strings.TrimRight(baseURL, "/")+"/models")
	} else {
		logger.Info("OPENROUTER_API_KEY not set, prompt generation disabled")
	}

	generator, err := mockup.NewGenerator(mockup.Config{
		Templates: store,
		Images:    images,
		Adjustor:  finish.NewAdjustor(logger, finishMetrics),
		Finish:    cfg.FinishDefaults(),
		Chooser:   mockup.RandomChooser{},
		Metrics:   genMetrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	processor := imgcodec.NewProcessor(imgcodec.ProcessorConfig{
		OutputFormat: cfg.OutputFormat,
		Quality:      cfg.OutputQuality,
	})

	var limits middleware.RateLimitStore
	if rdb != nil {
		limits = middleware.NewRedisRateLimitStore(rdb, httpMetrics, logger)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		limits = mem
		stop := make(chan struct{})
		go sweep(mem, stop)
		a.onClose(func(context.Context) error { close(stop); return nil })
	}
	generateLimit := middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitRequests, WindowDuration: cfg.RateLimitWindow}
	if err := generateLimit.Validate(); err != nil {
		generateLimit = middleware.DefaultGenerateLimit()
	}

	jwtSvc := auth.NewJWTServiceWithRotation(cfg.JWTSecrets())

	mux := api.NewRouter(api.RouterConfig{
		Templates: api.NewTemplateHandlers(api.TemplateHandlersConfig{
			Store:         store,
			Sanitizer:     processor,
			MaxPhotoBytes: int64(cfg.R2MaxUploadSizeMB) << 20,
			Logger:        logger,
		}),
		Mockups: api.NewMockupHandlers(api.MockupHandlersConfig{
			Generator:        generator,
			Encoder:          processor,
			ContentType:      processor.Config().ContentType(),
			MaxCreativeBytes: int64(cfg.MaxCreativeUploadMB) << 20,
			Logger:           logger,
		}),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			Checks: checks,
			Logger: logger,
		}),
		Metrics:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		RequireOperator:  auth.RequireOperator(jwtSvc, logger),
		CalibrationLimit: middleware.RateLimiter(limits, middleware.DefaultCalibrationLimit(), middleware.OperatorKeyFunc(), httpMetrics),
		GenerateLimit:    middleware.RateLimiter(limits, generateLimit, middleware.IPKeyFunc(), httpMetrics),
	})

	// RequestID -> Logging -> Tracing -> HTTPMetrics -> CORS -> Profiling -> mux
	var handler http.Handler = mux
	handler = middleware.Profiling(middleware.ProfilingConfig{Enabled: cfg.ProfilingEnabled, Environment: cfg.Env}, logger)(handler)
	handler = middleware.CORS(middleware.NewCORSConfig(cfg.CORSAllowedOrigins))(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Tracing(tracing.DefaultServiceName)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	a.handler = handler

	logger.Info("mockup server wired",
		slog.String("frame_store", cfg.FrameStoreDriver),
		slog.String("photo_store", cfg.PhotoStoreDriver),
		slog.Bool("redis", rdb != nil),
		slog.Bool("prompt_generation", images != nil),
		slog.Any("checks", checkNames(checks)))
	return a, nil
}

// newRepository opens the frame store selected by FRAME_STORE_DRIVER.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app, checks map[string]health.Checker) (calibration.Repository, error) {
	switch cfg.FrameStoreDriver {
	case config.FrameStorePostgres:
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.onClose(func(context.Context) error { return conn.Close() })
		tables, err := db.CalibrationTables(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if len(tables) < 2 {
			logger.Warn("calibration tables missing, run migrations", slog.Any("found", tables))
		}
		checks["database"] = health.NewDBChecker(conn)
		return calibration.NewPostgresRepository(conn, logger), nil
	case config.FrameStoreFile:
		repo, err := calibration.NewFileRepository(cfg.FrameStoreDir)
		if err != nil {
			return nil, fmt.Errorf("frame store: %w", err)
		}
		checks["frame_store"] = health.NewDirChecker(cfg.FrameStoreDir)
		return repo, nil
	case config.FrameStoreMemory, "":
		logger.Warn("using in-memory frame store, calibrations are lost on restart")
		return calibration.NewInMemoryRepository(), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidFrameStoreDriver, cfg.FrameStoreDriver)
}

// newPhotoStore opens the photo store selected by PHOTO_STORE_DRIVER.
func newPhotoStore(cfg *config.Config, checks map[string]health.Checker) (storage.PhotoStore, error) {
	switch cfg.PhotoStoreDriver {
	case config.PhotoStoreS3:
		s, err := storage.NewS3Store(storage.S3Config{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
			MaxSizeMB:       cfg.R2MaxUploadSizeMB,
		})
		if err != nil {
			return nil, fmt.Errorf("photo store: %w", err)
		}
		checks["photo_store"] = s
		return s, nil
	case config.PhotoStoreDir, "":
		s, err := storage.NewDirStore(cfg.PhotoStoreDir)
		if err != nil {
			return nil, fmt.Errorf("photo store: %w", err)
		}
		checks["photo_store"] = health.NewDirChecker(cfg.PhotoStoreDir)
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidPhotoStoreDriver, cfg.PhotoStoreDriver)
}

func sweep(s *middleware.InMemoryRateLimitStore, stop <-chan struct{}) {
	t := time.NewTicker(rateLimitCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup()
		case <-stop:
			return
		}
	}
}

func checkNames(checks map[string]health.Checker) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	return names
}
