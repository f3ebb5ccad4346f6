package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/pkg/models"
)

// HealthResponse ответ сервиса распознавания на проверку состояния
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version"`
}

// VisionAPIClient клиент HTTP сервиса, определяющего цвет и марку автомобиля по фрагменту кадра
type VisionAPIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewVisionAPIClient создает новый клиент сервиса распознавания
func NewVisionAPIClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *VisionAPIClient {
	return &VisionAPIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Describe отправляет фрагмент кадра и возвращает атрибуты автомобиля
func (c *VisionAPIClient) Describe(ctx context.Context, request enrichment.Request) (models.VehicleAttributes, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if len(request.Image) > 0 {
		imageWriter, err := writer.CreateFormFile("image", fmt.Sprintf("track_%d.jpg", request.TrackID))
		if err != nil {
			return models.VehicleAttributes{}, fmt.Errorf("ошибка создания form field для изображения: %w", err)
		}
		if _, err := imageWriter.Write(request.Image); err != nil {
			return models.VehicleAttributes{}, fmt.Errorf("ошибка записи данных изображения: %w", err)
		}
	}

	if err := writer.WriteField("track_id", fmt.Sprintf("%d", request.TrackID)); err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка записи track_id: %w", err)
	}
	if err := writer.WriteField("class", request.ClassLabel); err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка записи class: %w", err)
	}
	if err := writer.Close(); err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка закрытия multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/describe", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Debugf("Отправка POST запроса на %s для трека %d", url, request.TrackID)
	respBody, err := c.do(req)
	if err != nil {
		return models.VehicleAttributes{}, err
	}

	attrs, err := ParseAttributes(respBody)
	if err != nil {
		return models.VehicleAttributes{}, err
	}
	return attrs, nil
}

// CheckHealth проверяет состояние сервиса распознавания
func (c *VisionAPIClient) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	c.logger.Debug("Проверка здоровья сервиса распознавания")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	result := gjson.ParseBytes(respBody)
	return &HealthResponse{
		Status:      result.Get("status").String(),
		ModelLoaded: result.Get("model_loaded").Bool(),
		Version:     result.Get("version").String(),
	}, nil
}

func (c *VisionAPIClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки HTTP запроса: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("сервис распознавания вернул статус %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// ParseAttributes извлекает цвет и марку из ответа сервиса. Поддерживаются плоский
// ответ {"color", "manufacturer"|"company"} и ответ генеративной модели,
// где JSON лежит текстом в candidates.0.content.parts.0.text.
func ParseAttributes(data []byte) (models.VehicleAttributes, error) {
	if !gjson.ValidBytes(data) {
		return models.VehicleAttributes{}, fmt.Errorf("некорректный JSON в ответе")
	}

	result := gjson.ParseBytes(data)
	if text := result.Get("candidates.0.content.parts.0.text"); text.Exists() {
		embedded := extractJSON(text.String())
		if embedded == "" {
			return models.VehicleAttributes{}, fmt.Errorf("в ответе модели нет JSON объекта")
		}
		result = gjson.Parse(embedded)
	}

	manufacturer := result.Get("manufacturer")
	if !manufacturer.Exists() {
		manufacturer = result.Get("company")
	}

	attrs := models.VehicleAttributes{
		Color:        strings.TrimSpace(result.Get("color").String()),
		Manufacturer: strings.TrimSpace(manufacturer.String()),
	}
	return attrs.Normalized(), nil
}

// extractJSON вырезает первый JSON объект из текста, в том числе из блока ```json
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return ""
	}
	return candidate
}
