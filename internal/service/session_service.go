package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vehicle-counter-go/internal/client"
	"vehicle-counter-go/internal/config"
	"vehicle-counter-go/internal/emitter"
	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/internal/imaging"
	"vehicle-counter-go/internal/metrics"
	"vehicle-counter-go/internal/model"
	"vehicle-counter-go/internal/pipeline"
	"vehicle-counter-go/internal/repository"
	"vehicle-counter-go/pkg/models"
)

// Version версия API
const Version = "1.0.0"

var (
	// ErrSessionNotFound сессия с таким ID не существует
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidFrame кадр не удалось разобрать
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrHistoryDisabled база данных не настроена
	ErrHistoryDisabled = errors.New("session history is disabled")
)

// HealthChecker клиент сервиса распознавания, умеющий сообщать свое состояние
type HealthChecker interface {
	CheckHealth(ctx context.Context) (*client.HealthResponse, error)
}

// PublisherStats публикатор событий, отдающий статистику подключения
type PublisherStats interface {
	Stats() emitter.Stats
}

// liveSession активная сессия и ее имя
type liveSession struct {
	*pipeline.Session
	name string
}

// SessionService сервис управления сессиями подсчета
type SessionService struct {
	sessionRepo repository.SessionRepository
	enricher    enrichment.Enricher
	publisher   emitter.Publisher
	metrics     *metrics.Metrics
	defaults    pipeline.Config
	logger      *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession
	closed   map[string]struct{}
}

// NewSessionService создает сервис. sessionRepo может быть nil, тогда история не сохраняется.
// enricher может быть nil, тогда автомобили получают атрибуты unknown.
func NewSessionService(
	sessionRepo repository.SessionRepository,
	enricher enrichment.Enricher,
	publisher emitter.Publisher,
	m *metrics.Metrics,
	defaults pipeline.Config,
	logger *logrus.Logger,
) *SessionService {
	if publisher == nil {
		publisher = emitter.NopPublisher{}
	}
	if m == nil {
		m = metrics.New()
	}

	s := &SessionService{
		sessionRepo: sessionRepo,
		enricher:    enricher,
		publisher:   publisher,
		metrics:     m,
		defaults:    defaults,
		logger:      logger,
		sessions:    make(map[string]*liveSession),
		closed:      make(map[string]struct{}),
	}
	m.SetOutstandingLookup(s.outstanding)
	return s
}

// CreateSession создает сессию подсчета. Ошибка конфигурации оборачивает pipeline.ErrInvalidConfiguration.
func (s *SessionService) CreateSession(req CreateSessionRequest) (*SessionResponse, error) {
	cfg := s.mergeConfig(req)
	id := uuid.New().String()

	session, err := pipeline.NewSession(id, cfg, s.enricher, s.logger)
	if err != nil {
		s.logger.Warnf("Отклонена конфигурация сессии: %v", err)
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Session %s", id[:8])
	}
	live := &liveSession{Session: session, name: name}

	s.mu.Lock()
	s.sessions[id] = live
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(1)

	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"line":       cfg.CountingLine,
		"classes":    cfg.ClassesOfInterest,
	}).Info("Создана сессия подсчета")

	return s.toResponse(live), nil
}

// mergeConfig накладывает параметры запроса на значения по умолчанию
func (s *SessionService) mergeConfig(req CreateSessionRequest) pipeline.Config {
	cfg := s.defaults
	if req.CountingLine != nil {
		cfg.CountingLine = req.CountingLine
	}
	if req.ClassesOfInterest != nil {
		cfg.ClassesOfInterest = req.ClassesOfInterest
	}
	if req.MaxOutstandingEnrichment != nil {
		cfg.MaxOutstandingEnrichment = *req.MaxOutstandingEnrichment
	}
	if req.TrajectoryHistoryLength != nil {
		cfg.TrajectoryHistoryLength = *req.TrajectoryHistoryLength
	}
	if req.GraceFrames != nil {
		cfg.GraceFrames = *req.GraceFrames
	}
	if req.EnrichmentTimeoutSeconds != nil {
		cfg.EnrichmentTimeout = time.Duration(*req.EnrichmentTimeoutSeconds * float64(time.Second))
	}
	if req.RegionMaxSide != nil {
		cfg.RegionMaxSide = *req.RegionMaxSide
	}
	if req.FrameStride != nil {
		cfg.FrameStride = *req.FrameStride
	}
	return cfg
}

// lookup находит активную сессию
func (s *SessionService) lookup(id string) (*liveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if live, ok := s.sessions[id]; ok {
		return live, nil
	}
	if _, ok := s.closed[id]; ok {
		return nil, pipeline.ErrSessionClosed
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// ProcessFrame прогоняет кадр через конвейер сессии и публикует события
func (s *SessionService) ProcessFrame(id string, req FrameRequest) (*models.FrameResult, error) {
	live, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	var img image.Image
	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: image is not base64: %v", ErrInvalidFrame, err)
		}
		if img, err = imaging.DecodeFrame(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	}

	start := time.Now()
	result, err := live.Process(models.Frame{
		Index:      req.FrameIndex,
		Timestamp:  req.Timestamp,
		Detections: req.Detections,
	}, img)
	if err != nil {
		if errors.Is(err, pipeline.ErrFrameOutOfOrder) {
			s.metrics.FramesRejected.Add(1)
		}
		return nil, err
	}
	s.metrics.ObserveFrame(result, time.Since(start).Seconds())

	for _, event := range result.Events {
		if err := s.publisher.PublishCrossing(id, event); err != nil {
			s.logger.WithField("session_id", id).Warnf("Не удалось опубликовать пересечение: %v", err)
		}
	}
	for _, vehicle := range result.Enriched {
		if err := s.publisher.PublishVehicle(id, vehicle); err != nil {
			s.logger.WithField("session_id", id).Warnf("Не удалось опубликовать автомобиль: %v", err)
		}
	}

	return &result, nil
}

// GetSession возвращает состояние активной сессии
func (s *SessionService) GetSession(id string) (*SessionResponse, error) {
	live, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.toResponse(live), nil
}

// ListActive возвращает активные сессии, самые старые первыми
func (s *SessionService) ListActive() []SessionResponse {
	s.mu.RLock()
	lives := make([]*liveSession, 0, len(s.sessions))
	for _, live := range s.sessions {
		lives = append(lives, live)
	}
	s.mu.RUnlock()

	sort.Slice(lives, func(i, j int) bool {
		return lives[i].StartedAt().Before(lives[j].StartedAt())
	})

	responses := make([]SessionResponse, len(lives))
	for i, live := range lives {
		responses[i] = *s.toResponse(live)
	}
	return responses
}

// CloseSession завершает сессию, сохраняет итоги в историю и публикует их
func (s *SessionService) CloseSession(id string) (*SessionHistoryResponse, error) {
	s.mu.Lock()
	live, ok := s.sessions[id]
	if !ok {
		_, wasClosed := s.closed[id]
		s.mu.Unlock()
		if wasClosed {
			return nil, pipeline.ErrSessionClosed
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	s.closed[id] = struct{}{}
	s.mu.Unlock()

	return s.finish(live), nil
}

// finish закрывает сессию и сохраняет ее итоги
func (s *SessionService) finish(live *liveSession) *SessionHistoryResponse {
	snapshot := live.Close()
	closedAt := time.Now()
	s.metrics.ActiveSessions.Add(-1)
	s.metrics.SessionsClosed.Add(1)

	record := sessionToModel(live, snapshot, closedAt)
	response := modelToHistory(record)
	response.Vehicles = snapshot.Vehicles

	if s.sessionRepo != nil {
		if err := s.sessionRepo.Create(record); err != nil {
			s.logger.WithField("session_id", live.ID()).Errorf("Ошибка сохранения сессии в БД: %v", err)
		} else {
			response.Persisted = true
			s.logger.Infof("Сессия %s сохранена в БД с %d автомобилями", live.ID(), len(record.Vehicles))
		}
	}

	if err := s.publisher.PublishSessionClosed(live.ID(), snapshot); err != nil {
		s.logger.WithField("session_id", live.ID()).Warnf("Не удалось опубликовать итоги сессии: %v", err)
	}

	return response
}

// ListHistory возвращает завершенные сессии с пагинацией
func (s *SessionService) ListHistory(page, pageSize int) ([]SessionHistoryResponse, int64, error) {
	if s.sessionRepo == nil {
		return nil, 0, ErrHistoryDisabled
	}

	sessions, total, err := s.sessionRepo.List(page, pageSize)
	if err != nil {
		s.logger.Errorf("Ошибка получения списка сессий: %v", err)
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	responses := make([]SessionHistoryResponse, len(sessions))
	for i, session := range sessions {
		responses[i] = *modelToHistory(session)
	}
	return responses, total, nil
}

// GetHistory возвращает завершенную сессию со списком автомобилей
func (s *SessionService) GetHistory(id string) (*SessionHistoryResponse, error) {
	if s.sessionRepo == nil {
		return nil, ErrHistoryDisabled
	}

	session, err := s.sessionRepo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	response := modelToHistory(session)
	for _, v := range session.Vehicles {
		response.Vehicles = append(response.Vehicles, vehicleFromModel(v))
	}
	return response, nil
}

// DeleteHistory удаляет завершенную сессию из истории
func (s *SessionService) DeleteHistory(id string) error {
	if s.sessionRepo == nil {
		return ErrHistoryDisabled
	}

	if err := s.sessionRepo.Delete(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Infof("Сессия %s удалена из истории", id)
	return nil
}

// CheckHealth проверяет состояние сервиса распознавания и базы данных
func (s *SessionService) CheckHealth(ctx context.Context) *HealthResponse {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	health := &HealthResponse{
		Status:         "healthy",
		Enrichment:     "disabled",
		Events:         "disabled",
		Database:       "disabled",
		ActiveSessions: active,
		Version:        Version,
	}

	if checker, ok := s.enricher.(HealthChecker); ok {
		resp, err := checker.CheckHealth(ctx)
		switch {
		case err != nil:
			s.logger.Errorf("Сервис распознавания недоступен: %v", err)
			health.Enrichment = "unavailable"
		default:
			health.Enrichment = resp.Status
		}
	} else if s.enricher != nil {
		health.Enrichment = "healthy"
	}

	if publisher, ok := s.publisher.(PublisherStats); ok {
		stats := publisher.Stats()
		health.Events = "connected"
		if !stats.Connected {
			health.Events = "disconnected"
		}
	}

	if s.sessionRepo != nil {
		if err := s.sessionRepo.Ping(); err != nil {
			s.logger.Errorf("База данных недоступна: %v", err)
			health.Database = "unavailable"
			// Без базы подсчет продолжает работать, теряется только история
			health.Status = "degraded"
		} else {
			health.Database = "healthy"
		}
	}

	return health
}

// Shutdown завершает все активные сессии
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	lives := make([]*liveSession, 0, len(s.sessions))
	for id, live := range s.sessions {
		lives = append(lives, live)
		delete(s.sessions, id)
		s.closed[id] = struct{}{}
	}
	s.mu.Unlock()

	for _, live := range lives {
		s.finish(live)
	}
	if len(lives) > 0 {
		s.logger.Infof("Завершено %d активных сессий", len(lives))
	}
}

// outstanding суммирует запросы обогащения в работе по всем сессиям
func (s *SessionService) outstanding() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, live := range s.sessions {
		total += live.Outstanding()
	}
	return float64(total)
}

// toResponse преобразует активную сессию в ответ API
func (s *SessionService) toResponse(live *liveSession) *SessionResponse {
	cfg := live.Config()
	return &SessionResponse{
		ID:                       live.ID(),
		Name:                     live.name,
		CountingLine:             cfg.CountingLine,
		ClassesOfInterest:        cfg.ClassesOfInterest,
		MaxOutstandingEnrichment: cfg.MaxOutstandingEnrichment,
		TrajectoryHistoryLength:  cfg.TrajectoryHistoryLength,
		GraceFrames:              cfg.GraceFrames,
		FrameStride:              cfg.FrameStride,
		StartedAt:                live.StartedAt(),
		Closed:                   live.Closed(),
		Snapshot:                 live.Snapshot(),
		EnrichmentStats:          live.EnrichmentStats(),
	}
}

// sessionToModel преобразует итоги сессии в модель базы данных
func sessionToModel(live *liveSession, snapshot models.Snapshot, closedAt time.Time) *model.CountingSession {
	cfg := live.Config()
	record := &model.CountingSession{
		ID:                live.ID(),
		Name:              live.name,
		CountingLine:      config.FormatCountingLine(cfg.CountingLine),
		ClassesOfInterest: strings.Join(cfg.ClassesOfInterest, ","),
		StartedAt:         live.StartedAt(),
		ClosedAt:          closedAt,
		FramesProcessed:   snapshot.FramesProcessed,
		InCount:           snapshot.InCount,
		OutCount:          snapshot.OutCount,
		Total:             snapshot.Total,
	}

	classes := make([]string, 0, len(snapshot.PerClass))
	for class := range snapshot.PerClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		counts := snapshot.PerClass[class]
		record.ClassCounts = append(record.ClassCounts, model.ClassCount{
			SessionID: live.ID(),
			Class:     class,
			InCount:   counts.In,
			OutCount:  counts.Out,
		})
	}

	for _, v := range snapshot.Vehicles {
		if v.Enrichment == models.EnrichmentFailed {
			record.EnrichmentFailed++
		}
		record.Vehicles = append(record.Vehicles, model.Vehicle{
			SessionID:    live.ID(),
			TrackID:      v.TrackID,
			Class:        v.ClassLabel,
			Direction:    v.Direction.String(),
			Color:        v.Color,
			Manufacturer: v.Manufacturer,
			Enrichment:   v.Enrichment.String(),
			FrameIndex:   v.FrameIndex,
			CountedAt:    v.CountedAt,
		})
	}
	return record
}

// modelToHistory преобразует модель базы данных в ответ API
func modelToHistory(session *model.CountingSession) *SessionHistoryResponse {
	response := &SessionHistoryResponse{
		ID:                session.ID,
		Name:              session.Name,
		StartedAt:         session.StartedAt,
		ClosedAt:          session.ClosedAt,
		FramesProcessed:   session.FramesProcessed,
		InCount:           session.InCount,
		OutCount:          session.OutCount,
		Total:             session.Total,
		EnrichmentFailed:  session.EnrichmentFailed,
		PerClass:          make(map[string]models.DirectionCounts, len(session.ClassCounts)),
		ClassesOfInterest: config.ParseClasses(session.ClassesOfInterest),
	}
	response.CountingLine, _ = config.ParseCountingLine(session.CountingLine)

	for _, c := range session.ClassCounts {
		response.PerClass[c.Class] = models.DirectionCounts{In: c.InCount, Out: c.OutCount}
	}
	return response
}

// vehicleFromModel преобразует строку таблицы vehicles
func vehicleFromModel(v model.Vehicle) models.VehicleRecord {
	direction, _ := models.ParseDirection(v.Direction)
	state := models.EnrichmentPending
	switch v.Enrichment {
	case models.EnrichmentFulfilled.String():
		state = models.EnrichmentFulfilled
	case models.EnrichmentFailed.String():
		state = models.EnrichmentFailed
	}

	return models.VehicleRecord{
		TrackID:      v.TrackID,
		ClassLabel:   v.Class,
		Direction:    direction,
		Color:        v.Color,
		Manufacturer: v.Manufacturer,
		Enrichment:   state,
		FrameIndex:   v.FrameIndex,
		CountedAt:    v.CountedAt,
	}
}
