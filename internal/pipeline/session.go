package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vehicle-counter-go/internal/counting"
	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/internal/geo"
	"vehicle-counter-go/internal/imaging"
	"vehicle-counter-go/internal/tracking"
	"vehicle-counter-go/pkg/models"
)

var (
	// ErrInvalidConfiguration конфигурация сессии не позволяет начать подсчет
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrFrameOutOfOrder кадр пришел не в порядке вывода детектора
	ErrFrameOutOfOrder = errors.New("frame out of order")
	// ErrSessionClosed сессия уже завершена
	ErrSessionClosed = errors.New("session closed")
)

// Config параметры сессии подсчета
type Config struct {
	CountingLine             []models.Point
	ClassesOfInterest        []string
	MaxOutstandingEnrichment int
	TrajectoryHistoryLength  int
	GraceFrames              int
	EnrichmentTimeout        time.Duration
	RegionMaxSide            uint
	FrameStride              int64
}

// Validate проверяет конфигурацию и строит линию подсчета
func (c Config) Validate() (*geo.CountingLine, error) {
	line, err := geo.NewCountingLine(c.CountingLine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	if len(c.ClassesOfInterest) == 0 {
		return nil, fmt.Errorf("%w: classes of interest must not be empty", ErrInvalidConfiguration)
	}
	for _, class := range c.ClassesOfInterest {
		if class == "" {
			return nil, fmt.Errorf("%w: empty class label", ErrInvalidConfiguration)
		}
	}

	if c.MaxOutstandingEnrichment < 0 {
		return nil, fmt.Errorf("%w: max outstanding enrichment requests must not be negative", ErrInvalidConfiguration)
	}
	if c.TrajectoryHistoryLength != 0 && c.TrajectoryHistoryLength < 2 {
		return nil, fmt.Errorf("%w: trajectory history length must be at least 2", ErrInvalidConfiguration)
	}
	if c.GraceFrames < 0 {
		return nil, fmt.Errorf("%w: grace frames must not be negative", ErrInvalidConfiguration)
	}
	if c.FrameStride < 0 {
		return nil, fmt.Errorf("%w: frame stride must not be negative", ErrInvalidConfiguration)
	}

	return line, nil
}

// Session сессия подсчета: конвейер кадров и принадлежащие ему хранилища.
// Кадры обрабатываются строго последовательно.
type Session struct {
	id        string
	cfg       Config
	classes   map[string]struct{}
	startedAt time.Time
	logger    *logrus.Entry

	store       *tracking.Store
	detector    *tracking.CrossingDetector
	engine      *counting.Engine
	coordinator *enrichment.Coordinator

	mu              sync.Mutex
	started         bool
	lastFrame       int64
	framesProcessed int64
	closed          bool
}

// NewSession проверяет конфигурацию и создает сессию.
// Ошибка конфигурации возвращается до обработки первого кадра.
func NewSession(id string, cfg Config, enricher enrichment.Enricher, logger *logrus.Logger) (*Session, error) {
	line, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if cfg.FrameStride == 0 {
		cfg.FrameStride = 1
	}
	if cfg.TrajectoryHistoryLength == 0 {
		cfg.TrajectoryHistoryLength = tracking.DefaultHistoryLength
	}
	if cfg.MaxOutstandingEnrichment == 0 {
		cfg.MaxOutstandingEnrichment = enrichment.DefaultMaxOutstanding
	}

	classes := make(map[string]struct{}, len(cfg.ClassesOfInterest))
	for _, class := range cfg.ClassesOfInterest {
		classes[class] = struct{}{}
	}

	logger.WithFields(logrus.Fields{
		"session_id": id,
		"polygon":    line.IsPolygon(),
		"classes":    cfg.ClassesOfInterest,
	}).Debug("Конвейер сессии создан")

	return &Session{
		id:        id,
		cfg:       cfg,
		classes:   classes,
		startedAt: time.Now(),
		logger:    logger.WithField("session_id", id),
		store:     tracking.NewStore(cfg.TrajectoryHistoryLength, cfg.GraceFrames),
		detector:  tracking.NewCrossingDetector(line),
		engine:    counting.NewEngine(),
		coordinator: enrichment.NewCoordinator(enricher, enrichment.Config{
			MaxOutstanding: cfg.MaxOutstandingEnrichment,
			Timeout:        cfg.EnrichmentTimeout,
		}, logger),
	}, nil
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// Config возвращает конфигурацию сессии с примененными значениями по умолчанию
func (s *Session) Config() Config {
	return s.cfg
}

// StartedAt возвращает время создания сессии
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Process обрабатывает один кадр. img может быть nil, тогда в сервис
// обогащения уходит запрос без изображения.
func (s *Session) Process(frame models.Frame, img image.Image) (models.FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.FrameResult{}, ErrSessionClosed
	}
	if s.started && frame.Index <= s.lastFrame {
		return models.FrameResult{}, fmt.Errorf("%w: frame %d after %d", ErrFrameOutOfOrder, frame.Index, s.lastFrame)
	}
	s.started = true
	s.lastFrame = frame.Index

	result := models.FrameResult{FrameIndex: frame.Index}

	if frame.Index%s.cfg.FrameStride != 0 {
		result.Skipped = true
		result.Enriched = s.mergeEnrichment()
		result.Totals = s.engine.Totals()
		return result, nil
	}

	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	active := make(map[int64]struct{}, len(frame.Detections))
	for _, det := range frame.Detections {
		if _, ok := s.classes[det.ClassLabel]; !ok {
			continue
		}
		if _, seen := active[det.TrackID]; seen {
			continue
		}
		active[det.TrackID] = struct{}{}

		track := s.store.Update(det.TrackID, det.Box.Center(), det.ClassLabel, frame.Index)
		if s.engine.IsCounted(det.TrackID) {
			continue
		}

		direction, crossed := s.detector.Evaluate(track)
		if !crossed {
			continue
		}

		event := models.CrossingEvent{
			TrackID:    det.TrackID,
			Direction:  direction,
			ClassLabel: det.ClassLabel,
			FrameIndex: frame.Index,
			Timestamp:  frame.Timestamp,
		}
		if !s.engine.RecordCrossing(event) {
			continue
		}

		result.NewlyCounted = append(result.NewlyCounted, det.TrackID)
		result.Events = append(result.Events, event)
		s.logger.WithFields(logrus.Fields{
			"track_id":  det.TrackID,
			"class":     det.ClassLabel,
			"direction": direction.String(),
			"frame":     frame.Index,
		}).Info("Автомобиль пересек линию подсчета")

		s.coordinator.Dispatch(s.enrichmentRequest(det, img))
	}

	result.Evicted = s.store.Prune(active)
	if len(result.Evicted) > 0 {
		s.logger.WithField("tracks", result.Evicted).Debug("Удалены треки, отсутствующие дольше периода ожидания")
	}

	result.Enriched = s.mergeEnrichment()
	result.Totals = s.engine.Totals()
	s.framesProcessed++
	return result, nil
}

// enrichmentRequest готовит запрос обогащения с фрагментом кадра
func (s *Session) enrichmentRequest(det models.Detection, img image.Image) enrichment.Request {
	req := enrichment.Request{TrackID: det.TrackID, ClassLabel: det.ClassLabel}
	if img == nil {
		return req
	}

	region, err := imaging.Region(img, det.Box, s.cfg.RegionMaxSide)
	if err != nil {
		s.logger.WithField("track_id", det.TrackID).Debugf("Не удалось вырезать фрагмент кадра: %v", err)
		return req
	}
	req.Image = region
	req.ContentType = imaging.ContentType
	return req
}

// mergeEnrichment забирает завершенные записи обогащения и переносит их в движок подсчета
func (s *Session) mergeEnrichment() []models.VehicleRecord {
	var merged []models.VehicleRecord
	for _, record := range s.coordinator.Poll() {
		if vehicle, changed := s.engine.MergeEnrichment(record); changed {
			merged = append(merged, vehicle)
		}
	}
	return merged
}

// Snapshot возвращает текущие счетчики и список автомобилей
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.Snapshot{
		CountTotals:     s.engine.Totals(),
		FramesProcessed: s.framesProcessed,
		ActiveTracks:    s.store.Len(),
		Outstanding:     s.coordinator.Outstanding(),
		Vehicles:        s.engine.Vehicles(),
	}
}

// Outstanding возвращает число запросов обогащения в работе
func (s *Session) Outstanding() int {
	return s.coordinator.Outstanding()
}

// EnrichmentStats возвращает статистику обогащения
func (s *Session) EnrichmentStats() enrichment.Stats {
	return s.coordinator.Stats()
}

// Closed сообщает, завершена ли сессия
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close завершает сессию: переносит уже готовые результаты обогащения
// и отбрасывает незавершенные запросы. Возвращает итоговый снимок.
func (s *Session) Close() models.Snapshot {
	s.mu.Lock()
	if !s.closed {
		s.mergeEnrichment()
		s.closed = true
		s.coordinator.Close()
		s.logger.WithFields(logrus.Fields{
			"in":     s.engine.Totals().InCount,
			"out":    s.engine.Totals().OutCount,
			"frames": s.framesProcessed,
		}).Info("Сессия подсчета завершена")
	}
	s.mu.Unlock()

	return s.Snapshot()
}
