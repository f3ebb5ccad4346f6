package service

import (
	"time"

	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/pkg/models"
)

// CreateSessionRequest запрос на создание сессии подсчета. Незаданные поля
// берутся из конфигурации сервиса.
type CreateSessionRequest struct {
	Name                     string         `json:"name"`
	CountingLine             []models.Point `json:"counting_line"`
	ClassesOfInterest        []string       `json:"classes_of_interest"`
	MaxOutstandingEnrichment *int           `json:"max_outstanding_enrichment_requests"`
	TrajectoryHistoryLength  *int           `json:"trajectory_history_length"`
	GraceFrames              *int           `json:"grace_frames"`
	EnrichmentTimeoutSeconds *float64       `json:"enrichment_timeout"`
	RegionMaxSide            *uint          `json:"region_max_side"`
	FrameStride              *int64         `json:"frame_stride"`
}

// FrameRequest кадр от детектора
type FrameRequest struct {
	FrameIndex int64              `json:"frame_index"`
	Timestamp  time.Time          `json:"timestamp"`
	Image      string             `json:"image,omitempty"` // base64 JPEG или PNG
	Detections []models.Detection `json:"detections"`
}

// SessionResponse состояние активной сессии
type SessionResponse struct {
	ID                       string           `json:"id"`
	Name                     string           `json:"name"`
	CountingLine             []models.Point   `json:"counting_line"`
	ClassesOfInterest        []string         `json:"classes_of_interest"`
	MaxOutstandingEnrichment int              `json:"max_outstanding_enrichment_requests"`
	TrajectoryHistoryLength  int              `json:"trajectory_history_length"`
	GraceFrames              int              `json:"grace_frames"`
	FrameStride              int64            `json:"frame_stride"`
	StartedAt                time.Time        `json:"started_at"`
	Closed                   bool             `json:"closed"`
	Snapshot                 models.Snapshot  `json:"snapshot"`
	EnrichmentStats          enrichment.Stats `json:"enrichment_stats"`
}

// SessionHistoryResponse завершенная сессия
type SessionHistoryResponse struct {
	ID                string                            `json:"id"`
	Name              string                            `json:"name"`
	CountingLine      []models.Point                    `json:"counting_line"`
	ClassesOfInterest []string                          `json:"classes_of_interest"`
	StartedAt         time.Time                         `json:"started_at"`
	ClosedAt          time.Time                         `json:"closed_at"`
	FramesProcessed   int64                             `json:"frames_processed"`
	InCount           int                               `json:"in_count"`
	OutCount          int                               `json:"out_count"`
	Total             int                               `json:"total"`
	EnrichmentFailed  int                               `json:"enrichment_failed"`
	PerClass          map[string]models.DirectionCounts `json:"per_class_counts"`
	Vehicles          []models.VehicleRecord            `json:"vehicles,omitempty"`
	Persisted         bool                              `json:"persisted"`
}

// ListSessionsResponse ответ со списком завершенных сессий
type ListSessionsResponse struct {
	Sessions []SessionHistoryResponse `json:"sessions"`
	Total    int64                    `json:"total"`
	Page     int                      `json:"page"`
	Size     int                      `json:"size"`
}

// HealthResponse состояние сервиса и зависимостей
type HealthResponse struct {
	Status         string `json:"status"`
	Enrichment     string `json:"enrichment"`
	Events         string `json:"events"`
	Database       string `json:"database"`
	ActiveSessions int    `json:"active_sessions"`
	Version        string `json:"version"`
}
