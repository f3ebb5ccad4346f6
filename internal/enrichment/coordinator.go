package enrichment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vehicle-counter-go/pkg/models"
)

// Значения по умолчанию для координатора
const (
	DefaultMaxOutstanding = 10
	DefaultTimeout        = 30 * time.Second
)

// Причины неудачного обогащения
const (
	ReasonCapacity = "capacity exceeded"
	ReasonTimeout  = "timeout"
	ReasonError    = "enricher error"
	ReasonDisabled = "enrichment disabled"
)

// Request запрос на обогащение одного трека
type Request struct {
	TrackID     int64
	ClassLabel  string
	Image       []byte // Закодированный фрагмент кадра с автомобилем, может быть пустым
	ContentType string
}

// Enricher внешний сервис, извлекающий атрибуты автомобиля по изображению
type Enricher interface {
	Describe(ctx context.Context, req Request) (models.VehicleAttributes, error)
}

// Config параметры координатора
type Config struct {
	MaxOutstanding int           // Максимум одновременно выполняющихся запросов
	Timeout        time.Duration // Таймаут одного запроса
}

// Stats статистика координатора
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Fulfilled  uint64 `json:"fulfilled"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`   // Отклонены из-за лимита
	Discarded  uint64 `json:"discarded"` // Пришли после закрытия сессии
}

// Coordinator асинхронно обогащает посчитанные треки, не блокируя обработку кадров.
// Завершенные записи складываются в очередь, которую конвейер забирает через Poll.
type Coordinator struct {
	enricher       Enricher
	logger         *logrus.Logger
	maxOutstanding int
	timeout        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	records     map[int64]*models.EnrichmentRecord
	completed   []models.EnrichmentRecord
	outstanding int
	closed      bool
	stats       Stats
}

// NewCoordinator создает координатор обогащения. enricher может быть nil,
// тогда все запросы сразу завершаются неудачей.
func NewCoordinator(enricher Enricher, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		enricher:       enricher,
		logger:         logger,
		maxOutstanding: cfg.MaxOutstanding,
		timeout:        cfg.Timeout,
		ctx:            ctx,
		cancel:         cancel,
		records:        make(map[int64]*models.EnrichmentRecord),
	}
}

// Dispatch запускает запрос обогащения для трека и сразу возвращает состояние записи.
// Повторный вызов для того же трека ничего не делает.
func (c *Coordinator) Dispatch(req Request) models.EnrichmentState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return models.EnrichmentFailed
	}
	if existing, ok := c.records[req.TrackID]; ok {
		return existing.State
	}

	c.stats.Dispatched++

	if c.enricher == nil {
		c.failLocked(req.TrackID, ReasonDisabled)
		return models.EnrichmentFailed
	}

	if c.outstanding >= c.maxOutstanding {
		c.stats.Dropped++
		c.failLocked(req.TrackID, ReasonCapacity)
		c.logger.WithFields(logrus.Fields{
			"track_id":    req.TrackID,
			"outstanding": c.outstanding,
			"limit":       c.maxOutstanding,
		}).Warn("Превышен лимит запросов обогащения, запрос отклонен")
		return models.EnrichmentFailed
	}

	c.records[req.TrackID] = &models.EnrichmentRecord{
		TrackID:    req.TrackID,
		Attributes: models.UnknownAttributes(),
		State:      models.EnrichmentPending,
	}
	c.outstanding++
	c.wg.Add(1)
	go c.run(req)

	return models.EnrichmentPending
}

type describeResult struct {
	attrs models.VehicleAttributes
	err   error
}

// run выполняет один запрос с таймаутом. Результат ожидается через select,
// чтобы таймаут срабатывал даже если клиент игнорирует контекст.
// Слот лимита освобождается только после возврата из Describe.
func (c *Coordinator) run(req Request) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)

	resultCh := make(chan describeResult, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		attrs, err := c.enricher.Describe(ctx, req)
		c.release()
		resultCh <- describeResult{attrs: attrs, err: err}
	}()

	var res describeResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	c.complete(req.TrackID, res)
}

// complete фиксирует результат запроса, если сессия еще не закрыта
func (c *Coordinator) complete(trackID int64, res describeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.stats.Discarded++
		return
	}

	record, ok := c.records[trackID]
	if !ok || record.State.Terminal() {
		return
	}

	if res.err != nil {
		reason := ReasonError
		if errors.Is(res.err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		c.logger.WithFields(logrus.Fields{
			"track_id": trackID,
			"reason":   reason,
		}).Warnf("Обогащение не удалось: %v", res.err)
		c.failLocked(trackID, reason)
		return
	}

	record.Attributes = res.attrs.Normalized()
	record.State = models.EnrichmentFulfilled
	c.stats.Fulfilled++
	c.completed = append(c.completed, *record)

	c.logger.WithFields(logrus.Fields{
		"track_id":     trackID,
		"color":        record.Attributes.Color,
		"manufacturer": record.Attributes.Manufacturer,
	}).Debug("Обогащение завершено")
}

// release освобождает слот лимита после завершения вызова Describe
func (c *Coordinator) release() {
	c.mu.Lock()
	c.outstanding--
	c.mu.Unlock()
}

// failLocked помечает запись неудачной и ставит ее в очередь; вызывается под mu
func (c *Coordinator) failLocked(trackID int64, reason string) {
	record := &models.EnrichmentRecord{
		TrackID:    trackID,
		Attributes: models.UnknownAttributes(),
		State:      models.EnrichmentFailed,
		Reason:     reason,
	}
	c.records[trackID] = record
	c.stats.Failed++
	c.completed = append(c.completed, *record)
}

// Poll возвращает записи, завершившиеся с прошлого вызова. Не блокирует.
func (c *Coordinator) Poll() []models.EnrichmentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.completed) == 0 {
		return nil
	}
	out := c.completed
	c.completed = nil
	return out
}

// lookup возвращает текущую запись обогащения трека
func (c *Coordinator) lookup(trackID int64) (models.EnrichmentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[trackID]
	if !ok {
		return models.EnrichmentRecord{}, false
	}
	return *record, true
}

// Outstanding возвращает количество выполняющихся вызовов Describe,
// включая те, что уже завершились по таймауту, но еще не вернулись
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Stats возвращает копию статистики
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close отменяет выполняющиеся запросы. Результаты, пришедшие после закрытия,
// отбрасываются и не меняют состояние.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.outstanding
	c.mu.Unlock()

	c.cancel()
	if pending > 0 {
		c.logger.WithField("pending", pending).Info("Координатор закрыт, незавершенные запросы отброшены")
	}
}

// wait ожидает завершения фоновых обработчиков запросов
func (c *Coordinator) wait() {
	c.wg.Wait()
}
