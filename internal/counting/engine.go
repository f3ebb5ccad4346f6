package counting

import (
	"time"

	"vehicle-counter-go/pkg/models"
)

// Engine ведет счетчики пересечений и множество уже посчитанных треков.
// Каждый трек учитывается ровно один раз за время жизни сессии.
// Не потокобезопасен: вызовы сериализует владелец (сессия).
type Engine struct {
	counted  map[int64]struct{}
	order    []int64
	in       int
	out      int
	perClass map[string]*models.DirectionCounts
	vehicles map[int64]*models.VehicleRecord
	now      func() time.Time
}

// NewEngine создает пустой движок подсчета
func NewEngine() *Engine {
	return &Engine{
		counted:  make(map[int64]struct{}),
		perClass: make(map[string]*models.DirectionCounts),
		vehicles: make(map[int64]*models.VehicleRecord),
		now:      time.Now,
	}
}

// RecordCrossing учитывает пересечение. Повторное событие для того же трека
// ничего не меняет и возвращает false.
func (e *Engine) RecordCrossing(event models.CrossingEvent) bool {
	if _, ok := e.counted[event.TrackID]; ok {
		return false
	}
	if event.Direction != models.DirectionIn && event.Direction != models.DirectionOut {
		return false
	}

	counts, ok := e.perClass[event.ClassLabel]
	if !ok {
		counts = &models.DirectionCounts{}
		e.perClass[event.ClassLabel] = counts
	}

	switch event.Direction {
	case models.DirectionIn:
		e.in++
		counts.In++
	case models.DirectionOut:
		e.out++
		counts.Out++
	}

	e.counted[event.TrackID] = struct{}{}
	e.order = append(e.order, event.TrackID)

	countedAt := event.Timestamp
	if countedAt.IsZero() {
		countedAt = e.now()
	}
	e.vehicles[event.TrackID] = &models.VehicleRecord{
		TrackID:      event.TrackID,
		ClassLabel:   event.ClassLabel,
		Direction:    event.Direction,
		Color:        models.UnknownAttribute,
		Manufacturer: models.UnknownAttribute,
		Enrichment:   models.EnrichmentPending,
		FrameIndex:   event.FrameIndex,
		CountedAt:    countedAt,
	}
	return true
}

// MergeEnrichment переносит завершенный результат обогащения в запись автомобиля.
// Запись в конечном состоянии не перезаписывается, поэтому повторное применение
// того же результата ничего не меняет.
func (e *Engine) MergeEnrichment(record models.EnrichmentRecord) (models.VehicleRecord, bool) {
	vehicle, ok := e.vehicles[record.TrackID]
	if !ok {
		return models.VehicleRecord{}, false
	}
	if !record.State.Terminal() || vehicle.Enrichment.Terminal() {
		return *vehicle, false
	}

	attrs := record.Attributes.Normalized()
	if record.State == models.EnrichmentFailed {
		attrs = models.UnknownAttributes()
	}
	vehicle.Color = attrs.Color
	vehicle.Manufacturer = attrs.Manufacturer
	vehicle.Enrichment = record.State
	return *vehicle, true
}

// IsCounted сообщает, учтен ли трек
func (e *Engine) IsCounted(trackID int64) bool {
	_, ok := e.counted[trackID]
	return ok
}

// Totals возвращает снимок счетчиков
func (e *Engine) Totals() models.CountTotals {
	perClass := make(map[string]models.DirectionCounts, len(e.perClass))
	for label, counts := range e.perClass {
		perClass[label] = *counts
	}
	return models.CountTotals{
		InCount:  e.in,
		OutCount: e.out,
		Total:    e.in + e.out,
		PerClass: perClass,
	}
}

// countedIDs возвращает ID учтенных треков в порядке подсчета
func (e *Engine) countedIDs() []int64 {
	ids := make([]int64, len(e.order))
	copy(ids, e.order)
	return ids
}

// vehicle возвращает запись автомобиля по ID трека
func (e *Engine) vehicle(trackID int64) (models.VehicleRecord, bool) {
	vehicle, ok := e.vehicles[trackID]
	if !ok {
		return models.VehicleRecord{}, false
	}
	return *vehicle, true
}

// Vehicles возвращает записи автомобилей в порядке подсчета
func (e *Engine) Vehicles() []models.VehicleRecord {
	vehicles := make([]models.VehicleRecord, 0, len(e.order))
	for _, id := range e.order {
		vehicles = append(vehicles, *e.vehicles[id])
	}
	return vehicles
}
