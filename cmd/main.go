package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendly/api/handler"
	apiMiddleware "attendly/api/middleware"
	"attendly/api/routes"
	"attendly/config"
	"attendly/internal/attendance"
	"attendly/internal/clock"
	"attendly/internal/messaging"
	"attendly/internal/metrics"
	"attendly/internal/repository"
	"attendly/internal/service"
	"attendly/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel)

	db, err := config.ConnectionDb(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("database unavailable")
	}
	var (
		archiveRepo repository.SessionArchiveRepository
		eventRepo   repository.ScanEventRepository
	)
	if db != nil {
		if err := repository.AutoMigrate(db); err != nil {
			logger.WithError(err).Fatal("migrate archive schema")
		}
		archiveRepo = repository.NewSessionArchiveRepository(db)
		eventRepo = repository.NewScanEventRepository(db)
	}

	var publisher service.Publisher = messaging.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		amqpPublisher, err := messaging.NewAMQPPublisher(cfg.RabbitMQURL)
		if err != nil {
			logger.WithError(err).Fatal("connect to rabbitmq")
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	} else {
		logger.Warn("RABBITMQ_URL not set, session.closed events are not published")
	}

	var registry *attendance.Registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(promRegistry, func() float64 {
		return float64(registry.ActiveCount())
	})

	archiver := service.NewArchiver(archiveRepo, publisher, cfg.ArchiveExchange, cfg.QueueSize, appMetrics, logger)
	auditor := service.NewScanAuditor(eventRepo, cfg.QueueSize, appMetrics, logger)
	registry = attendance.NewRegistry(clock.Real{}, cfg.TokenSourceFactory(), archiver, logger, cfg.Attendance)
	attendanceService := service.NewAttendanceService(registry, archiveRepo, eventRepo, auditor, appMetrics, logger)

	sessionHandler := handler.NewSessionHandler(attendanceService, validator.New())
	sessionHandler.PushInterval = cfg.TokenPushInterval

	app := echo.New()
	app.HideBanner = true
	app.HidePort = true
	app.Use(echoMiddleware.Recover())
	app.Use(apiMiddleware.RequestLogger(logger))

	jwtManager := utils.JWTManager{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	router := routes.NewRouter(app, sessionHandler, apiMiddleware.AuthMiddleware{JWT: &jwtManager})
	router.ScanRate = apiMiddleware.NewRateLimiter(cfg.ScanRatePerStudent, cfg.ScanBurstPerStudent, 10*time.Minute).WithKey(apiMiddleware.RequesterKey)
	router.Metrics = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	router.RegisterRoutes()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Workers outlive the HTTP server so closed sessions still get archived.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error { return archiver.Run(workerCtx) })
	group.Go(func() error { return auditor.Run(workerCtx) })
	group.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		registry.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		stopWorkers()
		return err
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	logger.Info("server stopped")
}
