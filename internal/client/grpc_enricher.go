package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"vehicle-counter-go/internal/enrichment"
	"vehicle-counter-go/pkg/models"
)

// DescribeMethod полное имя метода сервиса распознавания
const DescribeMethod = "/vehicle.v1.Enrichment/Describe"

// GRPCEnricher клиент gRPC сервиса распознавания. Сообщения передаются
// как google.protobuf.Struct, поэтому сгенерированный код не нужен.
type GRPCEnricher struct {
	conn   *grpc.ClientConn
	logger *logrus.Logger
}

// NewGRPCEnricher создает клиент для target. Соединение устанавливается лениво при первом вызове.
func NewGRPCEnricher(target string, logger *logrus.Logger, opts ...grpc.DialOption) (*GRPCEnricher, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания gRPC клиента для %s: %w", target, err)
	}

	return &GRPCEnricher{conn: conn, logger: logger}, nil
}

// Describe вызывает Describe и разбирает атрибуты из ответа
func (e *GRPCEnricher) Describe(ctx context.Context, request enrichment.Request) (models.VehicleAttributes, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"track_id":     request.TrackID,
		"class":        request.ClassLabel,
		"image":        base64.StdEncoding.EncodeToString(request.Image),
		"content_type": request.ContentType,
	})
	if err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка формирования запроса: %w", err)
	}

	out := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, DescribeMethod, in, out); err != nil {
		return models.VehicleAttributes{}, fmt.Errorf("ошибка вызова Describe: %w", err)
	}

	fields := out.GetFields()
	manufacturer := fields["manufacturer"].GetStringValue()
	if manufacturer == "" {
		manufacturer = fields["company"].GetStringValue()
	}

	attrs := models.VehicleAttributes{
		Color:        strings.TrimSpace(fields["color"].GetStringValue()),
		Manufacturer: strings.TrimSpace(manufacturer),
	}
	e.logger.Debugf("Получены атрибуты трека %d по gRPC", request.TrackID)
	return attrs.Normalized(), nil
}

// CheckHealth опрашивает стандартный сервис grpc.health.v1
func (e *GRPCEnricher) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	resp, err := healthpb.NewHealthClient(e.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки здоровья: %w", err)
	}

	status := "unhealthy"
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		status = "healthy"
	}
	return &HealthResponse{Status: status, ModelLoaded: status == "healthy"}, nil
}

// Close закрывает соединение
func (e *GRPCEnricher) Close() error {
	return e.conn.Close()
}
