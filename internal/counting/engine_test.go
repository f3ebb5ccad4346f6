package counting

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-counter-go/pkg/models"
)

func crossing(id int64, dir models.Direction, class string) models.CrossingEvent {
	return models.CrossingEvent{
		TrackID:    id,
		Direction:  dir,
		ClassLabel: class,
		FrameIndex: id,
		Timestamp:  time.Unix(1700000000+id, 0),
	}
}

func assertInvariants(t *testing.T, e *Engine) {
	t.Helper()
	totals := e.Totals()
	assert.Equal(t, len(e.countedIDs()), totals.InCount+totals.OutCount, "in+out must equal counted ids")

	var in, out int
	for _, c := range totals.PerClass {
		in += c.In
		out += c.Out
	}
	assert.Equal(t, totals.InCount, in, "per-class IN must sum to aggregate")
	assert.Equal(t, totals.OutCount, out, "per-class OUT must sum to aggregate")
	assert.Equal(t, totals.InCount+totals.OutCount, totals.Total)
}

func TestEngine_RecordCrossing(t *testing.T) {
	e := NewEngine()

	require.True(t, e.RecordCrossing(crossing(1, models.DirectionIn, "car")))
	totals := e.Totals()
	assert.Equal(t, 1, totals.InCount)
	assert.Equal(t, 0, totals.OutCount)
	assert.Equal(t, models.DirectionCounts{In: 1}, totals.PerClass["car"])

	vehicle, ok := e.vehicle(1)
	require.True(t, ok)
	assert.Equal(t, models.EnrichmentPending, vehicle.Enrichment)
	assert.Equal(t, models.UnknownAttribute, vehicle.Color)
	assertInvariants(t, e)
}

func TestEngine_RecordCrossingIsIdempotent(t *testing.T) {
	e := NewEngine()
	event := crossing(1, models.DirectionIn, "car")

	require.True(t, e.RecordCrossing(event))
	before := e.Totals()

	assert.False(t, e.RecordCrossing(event))
	assert.False(t, e.RecordCrossing(crossing(1, models.DirectionOut, "truck")), "reverse crossing of counted track")
	assert.Equal(t, before, e.Totals())
	assert.Equal(t, []int64{1}, e.countedIDs())
}

func TestEngine_InvalidDirectionIgnored(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.RecordCrossing(crossing(1, 0, "car")))
	assert.Empty(t, e.Totals().PerClass)
	assert.False(t, e.IsCounted(1))
}

func TestEngine_InvariantsUnderRandomEvents(t *testing.T) {
	e := NewEngine()
	rng := rand.New(rand.NewSource(42))
	classes := []string{"car", "truck", "bus", "motorcycle"}

	prevCounted := 0
	for i := 0; i < 500; i++ {
		dir := models.DirectionIn
		if rng.Intn(2) == 0 {
			dir = models.DirectionOut
		}
		e.RecordCrossing(crossing(int64(rng.Intn(120)), dir, classes[rng.Intn(len(classes))]))

		assertInvariants(t, e)
		counted := len(e.countedIDs())
		assert.GreaterOrEqual(t, counted, prevCounted, "counted set only grows")
		prevCounted = counted
	}
}

func TestEngine_MergeEnrichment(t *testing.T) {
	e := NewEngine()
	require.True(t, e.RecordCrossing(crossing(1, models.DirectionOut, "car")))

	record := models.EnrichmentRecord{
		TrackID:    1,
		Attributes: models.VehicleAttributes{Color: "red", Manufacturer: "Toyota"},
		State:      models.EnrichmentFulfilled,
	}

	vehicle, changed := e.MergeEnrichment(record)
	require.True(t, changed)
	assert.Equal(t, "red", vehicle.Color)
	assert.Equal(t, "Toyota", vehicle.Manufacturer)

	again, changed := e.MergeEnrichment(record)
	assert.False(t, changed)
	assert.Equal(t, vehicle, again)

	// Конечное состояние не перезаписывается другим результатом
	_, changed = e.MergeEnrichment(models.EnrichmentRecord{TrackID: 1, State: models.EnrichmentFailed})
	assert.False(t, changed)
	stored, _ := e.vehicle(1)
	assert.Equal(t, "red", stored.Color)
}

func TestEngine_MergeFailedUsesSentinels(t *testing.T) {
	e := NewEngine()
	require.True(t, e.RecordCrossing(crossing(3, models.DirectionIn, "bus")))

	vehicle, changed := e.MergeEnrichment(models.EnrichmentRecord{
		TrackID:    3,
		Attributes: models.VehicleAttributes{Color: "partial"},
		State:      models.EnrichmentFailed,
	})
	require.True(t, changed)
	assert.Equal(t, models.UnknownAttribute, vehicle.Color)
	assert.Equal(t, models.UnknownAttribute, vehicle.Manufacturer)
	assert.Equal(t, models.EnrichmentFailed, vehicle.Enrichment)
}

func TestEngine_MergeIgnoresPendingAndUnknownTracks(t *testing.T) {
	e := NewEngine()
	require.True(t, e.RecordCrossing(crossing(1, models.DirectionIn, "car")))

	_, changed := e.MergeEnrichment(models.EnrichmentRecord{TrackID: 1, State: models.EnrichmentPending})
	assert.False(t, changed)

	_, changed = e.MergeEnrichment(models.EnrichmentRecord{TrackID: 99, State: models.EnrichmentFulfilled})
	assert.False(t, changed)
}

func TestEngine_VehiclesKeepCountOrder(t *testing.T) {
	e := NewEngine()
	for _, id := range []int64{5, 2, 9} {
		e.RecordCrossing(crossing(id, models.DirectionIn, "car"))
	}

	vehicles := e.Vehicles()
	require.Len(t, vehicles, 3)
	assert.Equal(t, int64(5), vehicles[0].TrackID)
	assert.Equal(t, int64(2), vehicles[1].TrackID)
	assert.Equal(t, int64(9), vehicles[2].TrackID)
}
