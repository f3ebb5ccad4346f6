package geo

import (
	"errors"
	"fmt"
	"math"

	"vehicle-counter-go/pkg/models"
)

// epsilon допуск для сравнения с нулем в пиксельных координатах
const epsilon = 1e-9

// ErrDegenerateLine линия подсчета не задает границу
var ErrDegenerateLine = errors.New("degenerate counting line")

// CountingLine граница подсчета: отрезок из двух точек или замкнутый многоугольник
type CountingLine struct {
	points  []models.Point
	polygon bool
}

// NewCountingLine создает линию подсчета из упорядоченных точек.
// Две точки задают отрезок, три и более задают многоугольник.
func NewCountingLine(points []models.Point) (*CountingLine, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrDegenerateLine, len(points))
	}

	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("%w: point %d is not finite", ErrDegenerateLine, i)
		}
	}

	cp := make([]models.Point, len(points))
	copy(cp, points)

	if len(cp) == 2 {
		if Distance(cp[0], cp[1]) < epsilon {
			return nil, fmt.Errorf("%w: zero-length line", ErrDegenerateLine)
		}
		return &CountingLine{points: cp}, nil
	}

	if math.Abs(PolygonArea(cp)) < epsilon {
		return nil, fmt.Errorf("%w: polygon has zero area", ErrDegenerateLine)
	}
	return &CountingLine{points: cp, polygon: true}, nil
}

// IsPolygon сообщает, задана ли граница многоугольником
func (l *CountingLine) IsPolygon() bool {
	return l.polygon
}

// Side определяет сторону точки относительно границы.
// Для отрезка A→B это знак cross(B−A, P−A): в координатах кадра (y вниз)
// точки выше горизонтальной линии, идущей слева направо, дают -1, ниже +1.
// Для многоугольника снаружи -1, внутри +1. Точка на границе дает 0.
func (l *CountingLine) Side(p models.Point) int {
	if !l.polygon {
		return sign(Cross(l.points[0], l.points[1], p))
	}

	for i := range l.points {
		a, b := l.edge(i)
		if onSegment(a, b, p) {
			return 0
		}
	}
	if l.contains(p) {
		return 1
	}
	return -1
}

// Crosses проверяет, пересекает ли отрезок движения from→to границу
func (l *CountingLine) Crosses(from, to models.Point) bool {
	if !l.polygon {
		return SegmentsIntersect(from, to, l.points[0], l.points[1])
	}
	for i := range l.points {
		a, b := l.edge(i)
		if SegmentsIntersect(from, to, a, b) {
			return true
		}
	}
	return false
}

// edge возвращает i-е ребро многоугольника
func (l *CountingLine) edge(i int) (models.Point, models.Point) {
	return l.points[i], l.points[(i+1)%len(l.points)]
}

// contains проверяет попадание точки внутрь многоугольника (ray casting)
func (l *CountingLine) contains(p models.Point) bool {
	inside := false
	n := len(l.points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := l.points[i], l.points[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			x := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Cross вычисляет векторное произведение (b−a)×(p−a)
func Cross(a, b, p models.Point) float64 {
	return (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
}

// Distance вычисляет евклидово расстояние между точками
func Distance(a, b models.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// PolygonArea вычисляет ориентированную площадь многоугольника (формула шнурков)
func PolygonArea(points []models.Point) float64 {
	var area float64
	for i := range points {
		j := (i + 1) % len(points)
		area += points[i].X*points[j].Y - points[j].X*points[i].Y
	}
	return area / 2
}

// SegmentsIntersect проверяет пересечение отрезков p1p2 и q1q2, включая касание
func SegmentsIntersect(p1, p2, q1, q2 models.Point) bool {
	d1 := sign(Cross(q1, q2, p1))
	d2 := sign(Cross(q1, q2, p2))
	d3 := sign(Cross(p1, p2, q1))
	d4 := sign(Cross(p1, p2, q2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}

	// Коллинеарные и касающиеся случаи
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// onSegment проверяет, лежит ли p на отрезке ab
func onSegment(a, b, p models.Point) bool {
	if sign(Cross(a, b, p)) != 0 {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

func sign(v float64) int {
	switch {
	case v > epsilon:
		return 1
	case v < -epsilon:
		return -1
	default:
		return 0
	}
}
