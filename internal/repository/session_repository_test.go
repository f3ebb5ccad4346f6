package repository

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vehicle-counter-go/internal/database"
	"vehicle-counter-go/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, logger)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func sampleSession(id string, closedAt time.Time) *model.CountingSession {
	return &model.CountingSession{
		ID:                id,
		Name:              "Session " + id,
		CountingLine:      "0,100;200,100",
		ClassesOfInterest: "car,truck",
		StartedAt:         closedAt.Add(-time.Minute),
		ClosedAt:          closedAt,
		FramesProcessed:   120,
		InCount:           2,
		OutCount:          1,
		Total:             3,
		ClassCounts: []model.ClassCount{
			{Class: "truck", OutCount: 1},
			{Class: "car", InCount: 2},
		},
		Vehicles: []model.Vehicle{
			{TrackID: 4, Class: "car", Direction: "IN", Color: "red", Manufacturer: "Toyota", Enrichment: "fulfilled", FrameIndex: 10, CountedAt: closedAt},
			{TrackID: 9, Class: "truck", Direction: "OUT", Color: "unknown", Manufacturer: "unknown", Enrichment: "failed", FrameIndex: 40, CountedAt: closedAt},
			{TrackID: 2, Class: "car", Direction: "IN", Color: "white", Manufacturer: "Kia", Enrichment: "fulfilled", FrameIndex: 80, CountedAt: closedAt},
		},
	}
}

func TestSessionRepository_CreateAndGet(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.Create(sampleSession("s-1", now)))

	got, err := repo.GetByID("s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, int64(120), got.FramesProcessed)

	require.Len(t, got.ClassCounts, 2)
	assert.Equal(t, "car", got.ClassCounts[0].Class)
	assert.Equal(t, 2, got.ClassCounts[0].InCount)

	require.Len(t, got.Vehicles, 3)
	assert.Equal(t, []int64{4, 9, 2}, []int64{got.Vehicles[0].TrackID, got.Vehicles[1].TrackID, got.Vehicles[2].TrackID})
	assert.Equal(t, "s-1", got.Vehicles[1].SessionID)
	assert.Equal(t, "unknown", got.Vehicles[1].Color)
}

func TestSessionRepository_GetMissing(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_ListPaginates(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Create(sampleSession(id, base.Add(time.Duration(i)*time.Minute))))
	}

	page, total, err := repo.List(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID, "newest first")
	assert.Equal(t, "b", page[1].ID)
	assert.Len(t, page[0].ClassCounts, 2)

	rest, _, err := repo.List(2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].ID)
}

func TestSessionRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepository(db)
	require.NoError(t, repo.Create(sampleSession("gone", time.Now().UTC())))

	require.NoError(t, repo.Delete("gone"))
	_, err := repo.GetByID("gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// Сессия удаляется вместе со строками, а не помечается удаленной
	var sessions, vehicles, classCounts int64
	require.NoError(t, db.Unscoped().Model(&model.CountingSession{}).Where("id = ?", "gone").Count(&sessions).Error)
	require.NoError(t, db.Model(&model.Vehicle{}).Where("session_id = ?", "gone").Count(&vehicles).Error)
	require.NoError(t, db.Model(&model.ClassCount{}).Where("session_id = ?", "gone").Count(&classCounts).Error)
	assert.Zero(t, sessions)
	assert.Zero(t, vehicles)
	assert.Zero(t, classCounts)

	assert.ErrorIs(t, repo.Delete("gone"), ErrNotFound)

	// Тот же ID можно сохранить снова
	require.NoError(t, repo.Create(sampleSession("gone", time.Now().UTC())))
}

func TestSessionRepository_Ping(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	assert.NoError(t, repo.Ping())
}
