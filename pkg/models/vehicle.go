package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnknownAttribute значение атрибута, когда обогащение не дало результата
const UnknownAttribute = "unknown"

// Point представляет точку в координатах кадра
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox прямоугольник детекции в пикселях кадра
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center возвращает центр прямоугольника
func (b BoundingBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Detection одна детекция трекера на кадре
type Detection struct {
	TrackID    int64       `json:"track_id"`   // Постоянный ID объекта от детектора
	ClassLabel string      `json:"class"`      // Класс объекта (car, truck, ...)
	Box        BoundingBox `json:"box"`        // Прямоугольник объекта
	Confidence float64     `json:"confidence"` // Уверенность детектора
}

// Direction направление пересечения линии подсчета
type Direction int

const (
	DirectionIn Direction = iota + 1
	DirectionOut
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON сериализует направление как строку
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON разбирает направление из строки
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection разбирает направление из строки IN/OUT
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "IN":
		return DirectionIn, nil
	case "OUT":
		return DirectionOut, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// EnrichmentState состояние запроса обогащения
type EnrichmentState int

const (
	EnrichmentPending EnrichmentState = iota
	EnrichmentFulfilled
	EnrichmentFailed
)

// String возвращает строковое представление состояния
func (s EnrichmentState) String() string {
	switch s {
	case EnrichmentPending:
		return "pending"
	case EnrichmentFulfilled:
		return "fulfilled"
	case EnrichmentFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal сообщает, что состояние больше не может меняться
func (s EnrichmentState) Terminal() bool {
	return s == EnrichmentFulfilled || s == EnrichmentFailed
}

// MarshalJSON сериализует состояние как строку
func (s EnrichmentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON разбирает состояние из строки
func (s *EnrichmentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending":
		*s = EnrichmentPending
	case "fulfilled":
		*s = EnrichmentFulfilled
	case "failed":
		*s = EnrichmentFailed
	default:
		return fmt.Errorf("unknown enrichment state %q", str)
	}
	return nil
}

// VehicleAttributes описательные атрибуты автомобиля от сервиса обогащения
type VehicleAttributes struct {
	Color        string `json:"color"`        // Цвет кузова
	Manufacturer string `json:"manufacturer"` // Марка автомобиля
}

// Normalized заменяет пустые атрибуты на UnknownAttribute
func (a VehicleAttributes) Normalized() VehicleAttributes {
	if a.Color == "" {
		a.Color = UnknownAttribute
	}
	if a.Manufacturer == "" {
		a.Manufacturer = UnknownAttribute
	}
	return a
}

// UnknownAttributes атрибуты-заглушки для неудачного обогащения
func UnknownAttributes() VehicleAttributes {
	return VehicleAttributes{Color: UnknownAttribute, Manufacturer: UnknownAttribute}
}

// EnrichmentRecord результат обогащения для одного трека
type EnrichmentRecord struct {
	TrackID    int64             `json:"track_id"`
	Attributes VehicleAttributes `json:"attributes"`
	State      EnrichmentState   `json:"state"`
	Reason     string            `json:"reason,omitempty"` // Причина неудачи (timeout, capacity, ...)
}

// CrossingEvent однократное пересечение линии треком
type CrossingEvent struct {
	TrackID    int64     `json:"track_id"`
	Direction  Direction `json:"direction"`
	ClassLabel string    `json:"class"`
	FrameIndex int64     `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// DirectionCounts счетчики по направлениям
type DirectionCounts struct {
	In  int `json:"IN"`
	Out int `json:"OUT"`
}

// CountTotals агрегированные счетчики сессии
type CountTotals struct {
	InCount  int                        `json:"in_count"`
	OutCount int                        `json:"out_count"`
	Total    int                        `json:"total"`
	PerClass map[string]DirectionCounts `json:"per_class_counts"`
}

// VehicleRecord строка списка автомобилей для отображения
type VehicleRecord struct {
	TrackID      int64           `json:"track_id"`
	ClassLabel   string          `json:"class"`
	Direction    Direction       `json:"direction"`
	Color        string          `json:"color"`
	Manufacturer string          `json:"manufacturer"`
	Enrichment   EnrichmentState `json:"enrichment"`
	FrameIndex   int64           `json:"frame_index"`
	CountedAt    time.Time       `json:"time"`
}

// Frame входные данные одного кадра
type Frame struct {
	Index      int64       `json:"frame_index"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// FrameResult результат обработки кадра
type FrameResult struct {
	FrameIndex   int64           `json:"frame_index"`
	Skipped      bool            `json:"skipped,omitempty"`
	Evicted      []int64         `json:"evicted,omitempty"`
	Totals       CountTotals     `json:"totals"`
	NewlyCounted []int64         `json:"newly_counted"`
	Events       []CrossingEvent `json:"events"`
	Enriched     []VehicleRecord `json:"enriched"`
}

// Snapshot текущее состояние сессии для вызывающей стороны
type Snapshot struct {
	CountTotals
	FramesProcessed int64           `json:"frames_processed"`
	ActiveTracks    int             `json:"active_tracks"`
	Outstanding     int             `json:"outstanding_enrichment"`
	Vehicles        []VehicleRecord `json:"vehicles"`
}
