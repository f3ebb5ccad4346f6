package tracking

import (
	"sort"

	"vehicle-counter-go/pkg/models"
)

// DefaultHistoryLength длина траектории по умолчанию
const DefaultHistoryLength = 30

// Track трек объекта, полученный от внешнего детектора
type Track struct {
	ID             int64
	ClassLabel     string
	History        []models.Point // Последние центры прямоугольников, от старых к новым
	FirstSeenFrame int64
	LastSeenFrame  int64
	Misses         int // Подряд идущие кадры без детекции

	// Сторона линии и последняя позиция вне линии, обновляются в CrossingDetector.Evaluate.
	// Не зависят от длины History: трек, долго стоящий на линии, помнит исходную сторону.
	Side      int
	SidePoint models.Point
}

// Latest возвращает последнюю известную позицию
func (t *Track) Latest() (models.Point, bool) {
	if len(t.History) == 0 {
		return models.Point{}, false
	}
	return t.History[len(t.History)-1], true
}

// Store хранит активные треки сессии.
// Не потокобезопасен: владелец (сессия) обрабатывает кадры последовательно.
type Store struct {
	tracks        map[int64]*Track
	historyLength int
	graceFrames   int
}

// NewStore создает хранилище треков.
// graceFrames задает, сколько кадров подряд трек может отсутствовать до удаления.
func NewStore(historyLength, graceFrames int) *Store {
	if historyLength < 2 {
		historyLength = DefaultHistoryLength
	}
	if graceFrames < 0 {
		graceFrames = 0
	}
	return &Store{
		tracks:        make(map[int64]*Track),
		historyLength: historyLength,
		graceFrames:   graceFrames,
	}
}

// Update добавляет позицию в траекторию трека, создавая трек при первой детекции
func (s *Store) Update(id int64, position models.Point, classLabel string, frame int64) *Track {
	track, ok := s.tracks[id]
	if !ok {
		track = &Track{
			ID:             id,
			FirstSeenFrame: frame,
			History:        make([]models.Point, 0, s.historyLength),
		}
		s.tracks[id] = track
	}

	track.ClassLabel = classLabel
	track.LastSeenFrame = frame
	track.Misses = 0
	track.History = append(track.History, position)
	if len(track.History) > s.historyLength {
		track.History = track.History[len(track.History)-s.historyLength:]
	}
	return track
}

// Prune увеличивает счетчик пропусков для треков, отсутствующих в кадре,
// и удаляет те, что отсутствуют дольше периода ожидания.
// Возвращает отсортированные ID удаленных треков.
func (s *Store) Prune(active map[int64]struct{}) []int64 {
	var evicted []int64
	for id, track := range s.tracks {
		if _, ok := active[id]; ok {
			continue
		}
		track.Misses++
		if track.Misses > s.graceFrames {
			delete(s.tracks, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Get возвращает копию трека по ID
func (s *Store) Get(id int64) (Track, bool) {
	track, ok := s.tracks[id]
	if !ok {
		return Track{}, false
	}
	copied := *track
	copied.History = make([]models.Point, len(track.History))
	copy(copied.History, track.History)
	return copied, true
}

// Len возвращает количество активных треков
func (s *Store) Len() int {
	return len(s.tracks)
}
