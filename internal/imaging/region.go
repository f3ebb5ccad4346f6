package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/nfnt/resize"

	"vehicle-counter-go/pkg/models"
)

// Параметры кодирования фрагментов
const (
	DefaultMaxSide = 320
	ContentType    = "image/jpeg"
	jpegQuality    = 85
)

// ErrEmptyRegion прямоугольник не пересекается с кадром
var ErrEmptyRegion = errors.New("empty image region")

// DecodeFrame декодирует кадр из JPEG или PNG
func DecodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Crop вырезает прямоугольник детекции из кадра
func Crop(img image.Image, box models.BoundingBox) (image.Image, error) {
	rect := image.Rect(
		int(math.Floor(box.X1)), int(math.Floor(box.Y1)),
		int(math.Ceil(box.X2)), int(math.Ceil(box.Y2)),
	).Canon().Intersect(img.Bounds())
	if rect.Empty() {
		return nil, ErrEmptyRegion
	}

	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect), nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

// Region вырезает фрагмент с автомобилем, уменьшает его до maxSide по большей стороне
// и кодирует в JPEG для отправки в сервис обогащения
func Region(img image.Image, box models.BoundingBox, maxSide uint) ([]byte, error) {
	if maxSide == 0 {
		maxSide = DefaultMaxSide
	}

	cropped, err := Crop(img, box)
	if err != nil {
		return nil, err
	}

	bounds := cropped.Bounds()
	if uint(bounds.Dx()) > maxSide || uint(bounds.Dy()) > maxSide {
		cropped = resize.Thumbnail(maxSide, maxSide, cropped, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	return buf.Bytes(), nil
}
