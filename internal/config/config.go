package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"vehicle-counter-go/pkg/models"
)

// Линия подсчета и классы по умолчанию для кадра 1020x500
var (
	DefaultCountingLine      = []models.Point{{X: 3, Y: 412}, {X: 1015, Y: 412}}
	DefaultClassesOfInterest = []string{"car", "truck", "bus", "motorcycle"}
)

// Config структура конфигурации приложения
type Config struct {
	Server struct {
		Port        int
		Host        string
		Environment string
	}
	Database struct {
		Driver   string // postgres, sqlite или none
		Host     string
		Port     string
		Name     string
		User     string
		Password string
		SSLMode  string
		Path     string // файл базы для sqlite
	}
	Enrichment struct {
		Provider       string // http, grpc или none
		URL            string
		GRPCTarget     string
		Timeout        time.Duration
		MaxOutstanding int
	}
	Counting struct {
		Line                    []models.Point
		ClassesOfInterest       []string
		TrajectoryHistoryLength int
		GraceFrames             int
		RegionMaxSide           int
	}
	MQTT struct {
		Broker   string
		Topic    string
		ClientID string
	}
	Logging struct {
		Level string
	}
}

// LoadConfig загружает конфигурацию из переменных окружения
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Конфигурация сервера
	cfg.Server.Port = getEnvInt("SERVER_PORT", 8080)
	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	cfg.Server.Environment = getEnv("ENVIRONMENT", "development")

	// Конфигурация базы данных
	cfg.Database.Driver = getEnv("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnv("DB_PORT", "5432")
	cfg.Database.Name = getEnv("DB_NAME", "vehicle_counter")
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.SSLMode = getEnv("DB_SSL_MODE", "disable")
	cfg.Database.Path = getEnv("DB_PATH", "vehicle_counter.db")

	// Конфигурация сервиса распознавания
	cfg.Enrichment.Provider = getEnv("ENRICHMENT_PROVIDER", "http")
	cfg.Enrichment.URL = getEnv("ENRICHMENT_URL", "http://localhost:8000")
	cfg.Enrichment.GRPCTarget = getEnv("ENRICHMENT_GRPC_TARGET", "localhost:50051")
	cfg.Enrichment.Timeout = getEnvDuration("ENRICHMENT_TIMEOUT", 30*time.Second)
	cfg.Enrichment.MaxOutstanding = getEnvInt("MAX_OUTSTANDING_ENRICHMENT", 10)

	// Параметры подсчета
	cfg.Counting.Line = DefaultCountingLine
	if raw := os.Getenv("COUNTING_LINE"); raw != "" {
		line, err := ParseCountingLine(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid COUNTING_LINE: %w", err)
		}
		cfg.Counting.Line = line
	}
	cfg.Counting.ClassesOfInterest = DefaultClassesOfInterest
	if raw := os.Getenv("CLASSES_OF_INTEREST"); raw != "" {
		cfg.Counting.ClassesOfInterest = ParseClasses(raw)
	}
	cfg.Counting.TrajectoryHistoryLength = getEnvInt("TRAJECTORY_HISTORY_LENGTH", 30)
	cfg.Counting.GraceFrames = getEnvInt("TRACK_GRACE_FRAMES", 30)
	cfg.Counting.RegionMaxSide = getEnvInt("REGION_MAX_SIDE", 320)

	// Публикация событий, пустой брокер отключает MQTT
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "vehicle-counter/events")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vehicle-counter")

	// Конфигурация логирования
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")

	return cfg, nil
}

// ParseCountingLine разбирает линию в формате "x,y;x,y[;x,y...]"
func ParseCountingLine(raw string) ([]models.Point, error) {
	var points []models.Point
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("point %q must be x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", pair, err)
		}
		points = append(points, models.Point{X: x, Y: y})
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("at least two points required, got %d", len(points))
	}
	return points, nil
}

// FormatCountingLine записывает линию в формате ParseCountingLine
func FormatCountingLine(points []models.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = strconv.FormatFloat(p.X, 'f', -1, 64) + "," + strconv.FormatFloat(p.Y, 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}

// ParseClasses разбирает список классов через запятую
func ParseClasses(raw string) []string {
	var classes []string
	for _, class := range strings.Split(raw, ",") {
		if class = strings.TrimSpace(class); class != "" {
			classes = append(classes, class)
		}
	}
	return classes
}

// getEnv получает значение переменной окружения или возвращает значение по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает int значение переменной окружения или возвращает значение по умолчанию
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration понимает и "30s", и число секунд
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
