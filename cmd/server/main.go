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

	"vehicle-counter-go/internal/client"
	"vehicle-counter-go/internal/config"
	"vehicle-counter-go/internal/database"
	"vehicle-counter-go/internal/emitter"
	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/internal/handler"
	"vehicle-counter-go/internal/metrics"
	"vehicle-counter-go/internal/pipeline"
	"vehicle-counter-go/internal/repository"
	"vehicle-counter-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	// Инициализируем логгер
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Неизвестный уровень логирования %q, используется info", cfg.Logging.Level)
	}

	logger.Info("Запуск Vehicle Counter API Server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализируем базу данных
	db, sessionRepo := connectDatabase(cfg, logger)

	// Сервис распознавания атрибутов
	enricher, closeEnricher := buildEnricher(cfg, logger)

	// Публикация событий
	var publisher emitter.Publisher = emitter.NopPublisher{}
	if cfg.MQTT.Broker != "" {
		mqttEmitter := emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      1,
		}, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := mqttEmitter.Connect(connectCtx); err != nil {
			logger.Errorf("MQTT брокер недоступен, события не публикуются: %v", err)
		} else {
			publisher = mqttEmitter
		}
		cancel()
	}

	m := metrics.New()

	defaults := pipeline.Config{
		CountingLine:             cfg.Counting.Line,
		ClassesOfInterest:        cfg.Counting.ClassesOfInterest,
		MaxOutstandingEnrichment: cfg.Enrichment.MaxOutstanding,
		TrajectoryHistoryLength:  cfg.Counting.TrajectoryHistoryLength,
		GraceFrames:              cfg.Counting.GraceFrames,
		EnrichmentTimeout:        cfg.Enrichment.Timeout,
		FrameStride:              1,
	}
	if cfg.Counting.RegionMaxSide > 0 {
		defaults.RegionMaxSide = uint(cfg.Counting.RegionMaxSide)
	}
	if _, err := defaults.Validate(); err != nil {
		logger.Fatalf("Некорректные параметры подсчета: %v", err)
	}

	// Инициализируем сервисы и обработчики
	sessionService := service.NewSessionService(sessionRepo, enricher, publisher, m, defaults, logger)
	sessionHandler := handler.NewSessionHandler(sessionService, m, logger)

	// Настраиваем Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Добавляем middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Регистрируем маршруты
	sessionHandler.RegisterRoutes(router)

	// Добавляем базовый маршрут для проверки
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Vehicle Counter API Server",
			"version": service.Version,
			"status":  "running",
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Сервер запущен на %s", server.Addr)
		logger.Infof("API доступно по адресу: http://localhost:%d/api/v1", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Ошибка запуска сервера: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Получен сигнал остановки, завершаем работу...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Ошибка остановки HTTP сервера: %v", err)
	}

	// Активные сессии сохраняются в историю до закрытия базы
	sessionService.Shutdown()

	if err := publisher.Close(); err != nil {
		logger.Errorf("Ошибка закрытия MQTT: %v", err)
	}
	if closeEnricher != nil {
		if err := closeEnricher(); err != nil {
			logger.Errorf("Ошибка закрытия клиента распознавания: %v", err)
		}
	}
	if db != nil {
		if err := database.Close(db); err != nil {
			logger.Errorf("Ошибка закрытия базы данных: %v", err)
		}
	}

	logger.Info("Сервер остановлен")
}

// connectDatabase подключает хранилище истории. Драйвер none отключает историю.
func connectDatabase(cfg *config.Config, logger *logrus.Logger) (*gorm.DB, repository.SessionRepository) {
	if cfg.Database.Driver == database.DriverNone {
		logger.Warn("База данных отключена, история сессий не сохраняется")
		return nil, nil
	}

	logger.Info("Подключение к базе данных...")
	db, err := database.Connect(database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Name,
		Username: cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		Path:     cfg.Database.Path,
	}, logger)
	if err != nil {
		logger.Fatalf("Ошибка подключения к базе данных: %v", err)
	}

	// Выполняем миграции
	logger.Info("Выполнение миграций базы данных...")
	if err := database.Migrate(db); err != nil {
		logger.Fatalf("Ошибка выполнения миграций: %v", err)
	}

	// Проверяем здоровье базы данных
	if err := database.HealthCheck(db); err != nil {
		logger.Fatalf("База данных недоступна: %v", err)
	}

	logger.Info("База данных успешно подключена и готова к работе")
	return db, repository.NewSessionRepository(db)
}

// buildEnricher создает клиента сервиса распознавания по ENRICHMENT_PROVIDER
func buildEnricher(cfg *config.Config, logger *logrus.Logger) (enrichment.Enricher, func() error) {
	switch cfg.Enrichment.Provider {
	case "http":
		logger.Infof("Распознавание атрибутов через HTTP: %s", cfg.Enrichment.URL)
		return client.NewVisionAPIClient(cfg.Enrichment.URL, cfg.Enrichment.Timeout, logger), nil
	case "grpc":
		logger.Infof("Распознавание атрибутов через gRPC: %s", cfg.Enrichment.GRPCTarget)
		grpcEnricher, err := client.NewGRPCEnricher(cfg.Enrichment.GRPCTarget, logger)
		if err != nil {
			logger.Fatalf("Ошибка создания gRPC клиента: %v", err)
		}
		return grpcEnricher, grpcEnricher.Close
	case "none", "":
		logger.Warn("Распознавание отключено, атрибуты будут unknown")
		return nil, nil
	default:
		logger.Fatalf("Неизвестный ENRICHMENT_PROVIDER: %s", cfg.Enrichment.Provider)
		return nil, nil
	}
}

// corsMiddleware добавляет заголовки CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
