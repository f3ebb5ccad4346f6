package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vehicle-counter-go/internal/database"
	"vehicle-counter-go/internal/model"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("record not found")

// SessionRepository интерфейс для работы с историей сессий подсчета
type SessionRepository interface {
	Create(session *model.CountingSession) error
	GetByID(id string) (*model.CountingSession, error)
	List(page, pageSize int) ([]*model.CountingSession, int64, error)
	Delete(id string) error
	Ping() error
}

// sessionRepository реализация SessionRepository
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository создает новый instance SessionRepository
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{
		db: db,
	}
}

// Create сохраняет сессию вместе со счетчиками по классам и автомобилями
func (r *sessionRepository) Create(session *model.CountingSession) error {
	tx := r.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	// Сначала создаем сессию
	if err := tx.Omit(clause.Associations).Create(session).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create session: %w", err)
	}

	// Затем счетчики по классам
	for i := range session.ClassCounts {
		session.ClassCounts[i].ID = 0
		session.ClassCounts[i].SessionID = session.ID
	}
	if len(session.ClassCounts) > 0 {
		if err := tx.Create(&session.ClassCounts).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create class counts: %w", err)
		}
	}

	// И автомобили
	for i := range session.Vehicles {
		session.Vehicles[i].ID = 0
		session.Vehicles[i].SessionID = session.ID
	}
	if len(session.Vehicles) > 0 {
		if err := tx.CreateInBatches(&session.Vehicles, 100).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create vehicles: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID получает сессию по ID
func (r *sessionRepository) GetByID(id string) (*model.CountingSession, error) {
	var session model.CountingSession
	err := r.db.
		Preload("ClassCounts", func(db *gorm.DB) *gorm.DB { return db.Order("class ASC") }).
		Preload("Vehicles", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// List получает список сессий с пагинацией, без списка автомобилей
func (r *sessionRepository) List(page, pageSize int) ([]*model.CountingSession, int64, error) {
	var sessions []*model.CountingSession
	var total int64

	// Подсчитываем общее количество
	if err := r.db.Model(&model.CountingSession{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	offset := (page - 1) * pageSize
	err := r.db.Preload("ClassCounts").
		Offset(offset).
		Limit(pageSize).
		Order("closed_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, total, nil
}

// Delete удаляет сессию по ID
func (r *sessionRepository) Delete(id string) error {
	tx := r.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	if err := tx.Where("session_id = ?", id).Delete(&model.Vehicle{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete vehicles: %w", err)
	}
	if err := tx.Where("session_id = ?", id).Delete(&model.ClassCount{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete class counts: %w", err)
	}

	result := tx.Where("id = ?", id).Delete(&model.CountingSession{})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Ping проверяет доступность базы данных
func (r *sessionRepository) Ping() error {
	return database.HealthCheck(r.db)
}
