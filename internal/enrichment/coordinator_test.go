package enrichment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-counter-go/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// funcEnricher адаптер функции к Enricher
type funcEnricher func(ctx context.Context, req Request) (models.VehicleAttributes, error)

func (f funcEnricher) Describe(ctx context.Context, req Request) (models.VehicleAttributes, error) {
	return f(ctx, req)
}

// blockingEnricher не отвечает, пока не закрыт release, и игнорирует контекст
type blockingEnricher struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func newBlockingEnricher() *blockingEnricher {
	return &blockingEnricher{release: make(chan struct{})}
}

func (b *blockingEnricher) Describe(_ context.Context, req Request) (models.VehicleAttributes, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return models.VehicleAttributes{Color: "white", Manufacturer: "Honda"}, nil
}

func pollUntil(t *testing.T, c *Coordinator, want int) []models.EnrichmentRecord {
	t.Helper()
	var got []models.EnrichmentRecord
	require.Eventually(t, func() bool {
		got = append(got, c.Poll()...)
		return len(got) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestCoordinator_Fulfilled(t *testing.T) {
	enricher := funcEnricher(func(ctx context.Context, req Request) (models.VehicleAttributes, error) {
		return models.VehicleAttributes{Color: "red", Manufacturer: "Toyota"}, nil
	})
	c := NewCoordinator(enricher, Config{MaxOutstanding: 4, Timeout: time.Second}, quietLogger())
	defer c.Close()

	assert.Equal(t, models.EnrichmentPending, c.Dispatch(Request{TrackID: 1}))

	records := pollUntil(t, c, 1)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].TrackID)
	assert.Equal(t, models.EnrichmentFulfilled, records[0].State)
	assert.Equal(t, "red", records[0].Attributes.Color)
	assert.Equal(t, "Toyota", records[0].Attributes.Manufacturer)
	assert.Equal(t, 0, c.Outstanding())
	assert.Empty(t, c.Poll(), "poll drains the queue")
}

func TestCoordinator_EmptyAttributesBecomeUnknown(t *testing.T) {
	enricher := funcEnricher(func(ctx context.Context, req Request) (models.VehicleAttributes, error) {
		return models.VehicleAttributes{Color: "blue"}, nil
	})
	c := NewCoordinator(enricher, Config{}, quietLogger())
	defer c.Close()

	c.Dispatch(Request{TrackID: 2})
	records := pollUntil(t, c, 1)
	assert.Equal(t, "blue", records[0].Attributes.Color)
	assert.Equal(t, models.UnknownAttribute, records[0].Attributes.Manufacturer)
}

func TestCoordinator_TimeoutMarksFailed(t *testing.T) {
	enricher := newBlockingEnricher()
	defer close(enricher.release)

	c := NewCoordinator(enricher, Config{MaxOutstanding: 2, Timeout: 20 * time.Millisecond}, quietLogger())
	defer c.Close()

	c.Dispatch(Request{TrackID: 1})

	records := pollUntil(t, c, 1)
	require.Len(t, records, 1)
	assert.Equal(t, models.EnrichmentFailed, records[0].State)
	assert.Equal(t, ReasonTimeout, records[0].Reason)
	assert.Equal(t, models.UnknownAttribute, records[0].Attributes.Color)
	assert.Equal(t, models.UnknownAttribute, records[0].Attributes.Manufacturer)
	assert.Equal(t, 1, c.Outstanding(), "slot is held until Describe returns")
}

func TestCoordinator_TimedOutCallsKeepSlots(t *testing.T) {
	enricher := newBlockingEnricher()
	c := NewCoordinator(enricher, Config{MaxOutstanding: 2, Timeout: 5 * time.Millisecond}, quietLogger())
	defer c.Close()

	for id := int64(1); id <= 20; id++ {
		c.Dispatch(Request{TrackID: id})
		time.Sleep(10 * time.Millisecond)
	}

	enricher.mu.Lock()
	assert.Equal(t, 2, enricher.calls, "live Describe calls never exceed the limit")
	enricher.mu.Unlock()
	assert.Equal(t, 2, c.Outstanding())
	assert.Equal(t, uint64(18), c.Stats().Dropped)

	for _, id := range []int64{1, 2} {
		record, ok := c.lookup(id)
		require.True(t, ok)
		assert.Equal(t, models.EnrichmentFailed, record.State)
		assert.Equal(t, ReasonTimeout, record.Reason)
	}

	close(enricher.release)
	require.Eventually(t, func() bool { return c.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EnrichmentPending, c.Dispatch(Request{TrackID: 21}))
}

func TestCoordinator_ErrorMarksFailedWithoutRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	enricher := funcEnricher(func(ctx context.Context, req Request) (models.VehicleAttributes, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return models.VehicleAttributes{}, errors.New("service unavailable")
	})
	c := NewCoordinator(enricher, Config{}, quietLogger())
	defer c.Close()

	c.Dispatch(Request{TrackID: 5})
	records := pollUntil(t, c, 1)
	assert.Equal(t, models.EnrichmentFailed, records[0].State)
	assert.Equal(t, ReasonError, records[0].Reason)

	// Повторная отправка для того же трека не запускает новый запрос
	assert.Equal(t, models.EnrichmentFailed, c.Dispatch(Request{TrackID: 5}))
	c.wait()
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestCoordinator_CapacityExceeded(t *testing.T) {
	enricher := newBlockingEnricher()
	c := NewCoordinator(enricher, Config{MaxOutstanding: 10, Timeout: time.Minute}, quietLogger())

	pending, failed := 0, 0
	for id := int64(1); id <= 50; id++ {
		switch c.Dispatch(Request{TrackID: id}) {
		case models.EnrichmentPending:
			pending++
		case models.EnrichmentFailed:
			failed++
		}
	}

	assert.Equal(t, 10, pending)
	assert.Equal(t, 40, failed)
	assert.Equal(t, 10, c.Outstanding())

	dropped := c.Poll()
	require.Len(t, dropped, 40, "excess dispatches are immediately failed")
	for _, r := range dropped {
		assert.Equal(t, models.EnrichmentFailed, r.State)
		assert.Equal(t, ReasonCapacity, r.Reason)
	}
	assert.Equal(t, uint64(40), c.Stats().Dropped)

	close(enricher.release)
	fulfilled := pollUntil(t, c, 10)
	assert.Len(t, fulfilled, 10)
	assert.Equal(t, 0, c.Outstanding())
	c.Close()
}

func TestCoordinator_ResultsAfterCloseAreDiscarded(t *testing.T) {
	enricher := newBlockingEnricher()
	c := NewCoordinator(enricher, Config{MaxOutstanding: 4, Timeout: time.Minute}, quietLogger())

	c.Dispatch(Request{TrackID: 1})
	c.Close()
	close(enricher.release)
	c.wait()

	assert.Empty(t, c.Poll())
	record, ok := c.lookup(1)
	require.True(t, ok)
	assert.Equal(t, models.EnrichmentPending, record.State, "late result must not mutate state")
	assert.Equal(t, uint64(1), c.Stats().Discarded)

	assert.Equal(t, models.EnrichmentFailed, c.Dispatch(Request{TrackID: 2}), "closed coordinator rejects dispatch")
	_, ok = c.lookup(2)
	assert.False(t, ok)
}

func TestCoordinator_NilEnricher(t *testing.T) {
	c := NewCoordinator(nil, Config{}, quietLogger())
	defer c.Close()

	assert.Equal(t, models.EnrichmentFailed, c.Dispatch(Request{TrackID: 1}))
	records := c.Poll()
	require.Len(t, records, 1)
	assert.Equal(t, ReasonDisabled, records[0].Reason)
}

func TestCoordinator_CompletionOrderIndependentOfDispatch(t *testing.T) {
	enricher := funcEnricher(func(ctx context.Context, req Request) (models.VehicleAttributes, error) {
		// Первый отправленный трек отвечает последним
		time.Sleep(time.Duration(5-req.TrackID) * 10 * time.Millisecond)
		return models.VehicleAttributes{Color: "grey", Manufacturer: "Kia"}, nil
	})
	c := NewCoordinator(enricher, Config{MaxOutstanding: 5, Timeout: time.Second}, quietLogger())
	defer c.Close()

	for id := int64(1); id <= 4; id++ {
		c.Dispatch(Request{TrackID: id})
	}

	records := pollUntil(t, c, 4)
	seen := make(map[int64]bool)
	for _, r := range records {
		assert.Equal(t, models.EnrichmentFulfilled, r.State)
		seen[r.TrackID] = true
	}
	assert.Len(t, seen, 4)
}
