package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-counter-go/pkg/models"
)

func TestNewCountingLine_Validation(t *testing.T) {
	tests := []struct {
		name    string
		points  []models.Point
		wantErr bool
		polygon bool
	}{
		{name: "single point", points: []models.Point{{X: 1, Y: 1}}, wantErr: true},
		{name: "zero length", points: []models.Point{{X: 5, Y: 5}, {X: 5, Y: 5}}, wantErr: true},
		{name: "collinear polygon", points: []models.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}, wantErr: true},
		{name: "horizontal line", points: []models.Point{{X: 3, Y: 412}, {X: 1015, Y: 412}}},
		{name: "triangle", points: []models.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}, polygon: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := NewCountingLine(tt.points)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDegenerateLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.polygon, line.IsPolygon())
		})
	}
}

func TestCountingLine_SideOrientation(t *testing.T) {
	line, err := NewCountingLine([]models.Point{{X: 0, Y: 100}, {X: 200, Y: 100}})
	require.NoError(t, err)

	assert.Equal(t, -1, line.Side(models.Point{X: 50, Y: 80}), "above the line")
	assert.Equal(t, 1, line.Side(models.Point{X: 50, Y: 120}), "below the line")
	assert.Equal(t, 0, line.Side(models.Point{X: 50, Y: 100}), "on the line")
}

func TestCountingLine_PolygonSide(t *testing.T) {
	square, err := NewCountingLine([]models.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}})
	require.NoError(t, err)

	assert.Equal(t, 1, square.Side(models.Point{X: 50, Y: 50}))
	assert.Equal(t, -1, square.Side(models.Point{X: 150, Y: 50}))
	assert.Equal(t, 0, square.Side(models.Point{X: 100, Y: 50}))
}

func TestCountingLine_Crosses(t *testing.T) {
	line, err := NewCountingLine([]models.Point{{X: 0, Y: 100}, {X: 200, Y: 100}})
	require.NoError(t, err)

	assert.True(t, line.Crosses(models.Point{X: 50, Y: 80}, models.Point{X: 50, Y: 120}))
	assert.False(t, line.Crosses(models.Point{X: 300, Y: 80}, models.Point{X: 300, Y: 120}), "outside segment extent")
	assert.False(t, line.Crosses(models.Point{X: 50, Y: 10}, models.Point{X: 60, Y: 20}))
}

func TestSegmentsIntersect_Touching(t *testing.T) {
	assert.True(t, SegmentsIntersect(
		models.Point{X: 0, Y: 0}, models.Point{X: 10, Y: 0},
		models.Point{X: 10, Y: 0}, models.Point{X: 10, Y: 10},
	))
	assert.False(t, SegmentsIntersect(
		models.Point{X: 0, Y: 0}, models.Point{X: 10, Y: 0},
		models.Point{X: 0, Y: 1}, models.Point{X: 10, Y: 1},
	))
}

func TestPolygonArea(t *testing.T) {
	area := PolygonArea([]models.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}, {X: 0, Y: 3}})
	assert.InDelta(t, 12.0, area, 1e-9)
}
