package tracking

import (
	"vehicle-counter-go/internal/geo"
	"vehicle-counter-go/pkg/models"
)

// CrossingDetector определяет пересечение линии подсчета по траектории трека.
//
// Переход с отрицательной стороны на положительную считается въездом (IN),
// обратный переход выездом (OUT). Для горизонтальной линии, заданной слева
// направо, движение вниз по кадру дает IN. Для многоугольника вход внутрь дает IN.
type CrossingDetector struct {
	line *geo.CountingLine
}

// NewCrossingDetector создает детектор пересечений для линии
func NewCrossingDetector(line *geo.CountingLine) *CrossingDetector {
	return &CrossingDetector{line: line}
}

// Evaluate сравнивает сторону последней позиции трека с сохраненной стороной трека
// и запоминает новую. Вызывается один раз после каждого Store.Update.
// Позиция, лежащая ровно на линии, относится к предыдущей стороне и состояние не меняет.
func (d *CrossingDetector) Evaluate(track *Track) (models.Direction, bool) {
	n := len(track.History)
	if n == 0 {
		return 0, false
	}

	latest := track.History[n-1]
	current := d.line.Side(latest)
	if current == 0 {
		return 0, false
	}

	previous, from := track.Side, track.SidePoint
	if previous == 0 {
		previous, from = d.lastSide(track.History[:n-1])
	}
	track.Side, track.SidePoint = current, latest

	if previous == 0 || previous == current {
		return 0, false
	}

	// Смена стороны бесконечной прямой вне отрезка не считается
	if !d.line.Crosses(from, latest) {
		return 0, false
	}

	if previous < 0 {
		return models.DirectionIn, true
	}
	return models.DirectionOut, true
}

// lastSide ищет последнюю позицию вне линии для трека без сохраненной стороны
func (d *CrossingDetector) lastSide(history []models.Point) (int, models.Point) {
	for i := len(history) - 1; i >= 0; i-- {
		if side := d.line.Side(history[i]); side != 0 {
			return side, history[i]
		}
	}
	return 0, models.Point{}
}
