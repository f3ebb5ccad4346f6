package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"vehicle-counter-go/pkg/models"
)

// Типы событий, они же последний сегмент топика
const (
	EventCrossing      = "crossing"
	EventVehicle       = "vehicle"
	EventSessionClosed = "session_closed"
)

// Publisher публикует события подсчета во внешнюю систему
type Publisher interface {
	PublishCrossing(sessionID string, event models.CrossingEvent) error
	PublishVehicle(sessionID string, vehicle models.VehicleRecord) error
	PublishSessionClosed(sessionID string, snapshot models.Snapshot) error
	Close() error
}

// NopPublisher ничего не публикует, используется когда брокер не настроен
type NopPublisher struct{}

func (NopPublisher) PublishCrossing(string, models.CrossingEvent) error { return nil }
func (NopPublisher) PublishVehicle(string, models.VehicleRecord) error  { return nil }
func (NopPublisher) PublishSessionClosed(string, models.Snapshot) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// Config параметры подключения к брокеру
type Config struct {
	Broker   string // host:port
	Topic    string // базовый топик
	ClientID string
	QoS      byte
}

// Stats статистика публикаций
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTEmitter публикует события в MQTT брокер
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	logger *logrus.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter создает эмиттер, подключение выполняет Connect
func NewMQTTEmitter(cfg Config, logger *logrus.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect подключается к брокеру с автоматическим переподключением
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.WithField("broker", e.cfg.Broker).Info("Подключение к MQTT брокеру установлено")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.WithField("broker", e.cfg.Broker).Warnf("Соединение с MQTT брокером потеряно: %v", err)
	}

	e.client = mqtt.NewClient(opts)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.client.Disconnect(0)
		return fmt.Errorf("mqtt connection: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		e.client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// PublishCrossing публикует событие пересечения линии
func (e *MQTTEmitter) PublishCrossing(sessionID string, event models.CrossingEvent) error {
	payload, err := CrossingPayload(sessionID, event)
	if err != nil {
		return e.fail(fmt.Errorf("failed to build crossing payload: %w", err))
	}
	return e.publish(sessionID, EventCrossing, payload)
}

// PublishVehicle публикует строку автомобиля после обогащения
func (e *MQTTEmitter) PublishVehicle(sessionID string, vehicle models.VehicleRecord) error {
	payload, err := VehiclePayload(sessionID, vehicle)
	if err != nil {
		return e.fail(fmt.Errorf("failed to build vehicle payload: %w", err))
	}
	return e.publish(sessionID, EventVehicle, payload)
}

// PublishSessionClosed публикует итоговые счетчики сессии
func (e *MQTTEmitter) PublishSessionClosed(sessionID string, snapshot models.Snapshot) error {
	payload, err := SessionClosedPayload(sessionID, snapshot)
	if err != nil {
		return e.fail(fmt.Errorf("failed to build session payload: %w", err))
	}
	return e.publish(sessionID, EventSessionClosed, payload)
}

func (e *MQTTEmitter) publish(sessionID, kind string, payload []byte) error {
	if !e.isConnected() {
		return e.fail(fmt.Errorf("mqtt not connected"))
	}

	// {base}/{session_id}/{kind}
	topic := fmt.Sprintf("%s/%s/%s", e.cfg.Topic, sessionID, kind)

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return e.fail(fmt.Errorf("publish timeout"))
	}
	if err := token.Error(); err != nil {
		return e.fail(fmt.Errorf("publish failed: %w", err))
	}

	e.mu.Lock()
	e.published[kind]++
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Событие опубликовано")
	return nil
}

// Close отключается от брокера
func (e *MQTTEmitter) Close() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("Отключение от MQTT брокера")
	}
	e.setConnected(false)
	return nil
}

// Stats возвращает статистику публикаций
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) fail(err error) error {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
	return err
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// CrossingPayload строит JSON события пересечения
func CrossingPayload(sessionID string, event models.CrossingEvent) ([]byte, error) {
	return build(
		field{"type", EventCrossing},
		field{"session_id", sessionID},
		field{"track_id", event.TrackID},
		field{"class", event.ClassLabel},
		field{"direction", event.Direction.String()},
		field{"frame_index", event.FrameIndex},
		field{"timestamp", event.Timestamp.UTC().Format(time.RFC3339Nano)},
	)
}

// VehiclePayload строит JSON строки автомобиля
func VehiclePayload(sessionID string, vehicle models.VehicleRecord) ([]byte, error) {
	return build(
		field{"type", EventVehicle},
		field{"session_id", sessionID},
		field{"track_id", vehicle.TrackID},
		field{"class", vehicle.ClassLabel},
		field{"direction", vehicle.Direction.String()},
		field{"color", vehicle.Color},
		field{"manufacturer", vehicle.Manufacturer},
		field{"enrichment", vehicle.Enrichment.String()},
		field{"time", vehicle.CountedAt.UTC().Format(time.RFC3339Nano)},
	)
}

// SessionClosedPayload строит JSON итогов сессии
func SessionClosedPayload(sessionID string, snapshot models.Snapshot) ([]byte, error) {
	fields := []field{
		{"type", EventSessionClosed},
		{"session_id", sessionID},
		{"in_count", snapshot.InCount},
		{"out_count", snapshot.OutCount},
		{"total", snapshot.Total},
		{"frames_processed", snapshot.FramesProcessed},
	}
	for class, counts := range snapshot.PerClass {
		// Точки в имени класса экранируются, иначе sjson примет их за вложенность
		key := "per_class_counts." + escapePath(class)
		fields = append(fields, field{key + ".IN", counts.In}, field{key + ".OUT", counts.Out})
	}
	return build(fields...)
}

type field struct {
	path  string
	value interface{}
}

func build(fields ...field) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	for _, f := range fields {
		if payload, err = sjson.SetBytes(payload, f.path, f.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", f.path, err)
		}
	}
	return payload, nil
}

func escapePath(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
