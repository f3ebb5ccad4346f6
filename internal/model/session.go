package model

import "time"

// CountingSession завершенная сессия подсчета в базе данных
type CountingSession struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name              string    `gorm:"type:varchar(255)" json:"name"`
	CountingLine      string    `gorm:"type:text;not null" json:"counting_line"` // "x,y;x,y"
	ClassesOfInterest string    `gorm:"type:text;not null" json:"classes_of_interest"`
	StartedAt         time.Time `gorm:"not null" json:"started_at"`
	ClosedAt          time.Time `gorm:"not null" json:"closed_at"`

	// Итоговые счетчики
	FramesProcessed  int64 `gorm:"not null;default:0" json:"frames_processed"`
	InCount          int   `gorm:"not null;default:0" json:"in_count"`
	OutCount         int   `gorm:"not null;default:0" json:"out_count"`
	Total            int   `gorm:"not null;default:0" json:"total"`
	EnrichmentFailed int   `gorm:"not null;default:0" json:"enrichment_failed"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	ClassCounts []ClassCount `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"class_counts"`
	Vehicles    []Vehicle    `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"vehicles"`
}

// ClassCount счетчики одного класса в сессии
type ClassCount struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"type:varchar(36);not null;index" json:"session_id"`
	Class     string `gorm:"type:varchar(64);not null" json:"class"`
	InCount   int    `gorm:"not null" json:"in_count"`
	OutCount  int    `gorm:"not null" json:"out_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Vehicle посчитанный автомобиль
type Vehicle struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string    `gorm:"type:varchar(36);not null;index" json:"session_id"`
	TrackID      int64     `gorm:"not null" json:"track_id"`
	Class        string    `gorm:"type:varchar(64);not null" json:"class"`
	Direction    string    `gorm:"type:varchar(8);not null" json:"direction"`
	Color        string    `gorm:"type:varchar(64);not null" json:"color"`
	Manufacturer string    `gorm:"type:varchar(128);not null" json:"manufacturer"`
	Enrichment   string    `gorm:"type:varchar(16);not null" json:"enrichment"`
	FrameIndex   int64     `gorm:"not null" json:"frame_index"`
	CountedAt    time.Time `gorm:"not null" json:"counted_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName указывает имя таблицы для CountingSession
func (CountingSession) TableName() string {
	return "counting_sessions"
}

// TableName указывает имя таблицы для ClassCount
func (ClassCount) TableName() string {
	return "class_counts"
}

// TableName указывает имя таблицы для Vehicle
func (Vehicle) TableName() string {
	return "vehicles"
}
