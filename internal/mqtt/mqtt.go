// Package mqtt bridges station telemetry published on an MQTT broker into
// storage, alongside the UDP receivers.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"stationlink/internal/config"
	"stationlink/internal/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Store is the part of storage the bridge writes to.
type Store interface {
	Write(stationID int64, temperature, precipitation float64) error
}

// Telemetry is the JSON payload published by stations:
// {"station_id": 3, "temperature": 12.5, "precipitation": 0.0}.
// station_id may be omitted when the topic carries it
// (stations/<id>/telemetry).
type Telemetry struct {
	StationID     *int64   `json:"station_id"`
	Temperature   *float64 `json:"temperature"`
	Precipitation *float64 `json:"precipitation"`
}

type Subscriber struct {
	client  mqtt.Client
	cfg     config.Config
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, store Store, logger *slog.Logger, m *metrics.Metrics) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "mqtt"),
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing from the connect handler restores the subscription
	// after every automatic reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := s.subscribe(c); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", cfg.MQTTTopic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect waits for the first connection to the broker. The client keeps
// retrying in the background if ctx ends first.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errors.New("subscriber stopped")
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	const qos = byte(1)
	token := c.Subscribe(s.cfg.MQTTTopic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.cfg.MQTTTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.MQTTTopic, err)
	}
	s.logger.Info("subscribed to mqtt topic", "topic", s.cfg.MQTTTopic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	var t Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		s.metrics.TelemetryMalformed(metrics.SourceMQTT)
		s.logger.Warn("failed to parse telemetry message", "topic", topic, "error", err)
		return
	}

	stationID, err := validate(topic, t)
	if err != nil {
		s.metrics.TelemetryMalformed(metrics.SourceMQTT)
		s.logger.Warn("invalid telemetry message", "topic", topic, "error", err)
		return
	}

	if err := s.store.Write(stationID, *t.Temperature, *t.Precipitation); err != nil {
		s.metrics.TelemetryStoreError(metrics.SourceMQTT)
		s.logger.Error("store telemetry failed", "topic", topic, "station_id", stationID, "error", err)
		return
	}
	s.metrics.TelemetryReceived(metrics.SourceMQTT)
	s.logger.Debug("telemetry stored", "station_id", stationID)
}

// validate resolves the station id and checks the readings are present
// and finite. A station_id in the payload must agree with the topic.
func validate(topic string, t Telemetry) (int64, error) {
	topicID, hasTopicID := stationFromTopic(topic)

	var id int64
	switch {
	case t.StationID != nil && hasTopicID && *t.StationID != topicID:
		return 0, fmt.Errorf("station_id %d does not match topic station %d", *t.StationID, topicID)
	case t.StationID != nil:
		id = *t.StationID
	case hasTopicID:
		id = topicID
	default:
		return 0, errors.New("station_id is required")
	}

	if t.Temperature == nil {
		return 0, errors.New("temperature is required")
	}
	if t.Precipitation == nil {
		return 0, errors.New("precipitation is required")
	}
	if math.IsNaN(*t.Temperature) || math.IsInf(*t.Temperature, 0) {
		return 0, fmt.Errorf("temperature must be finite")
	}
	if *t.Precipitation < 0 {
		return 0, fmt.Errorf("precipitation must not be negative: %f", *t.Precipitation)
	}
	return id, nil
}

// stationFromTopic reads the id segment of stations/<id>/telemetry.
func stationFromTopic(topic string) (int64, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "stations" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection. Safe to
// call more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		s.client.Unsubscribe(s.cfg.MQTTTopic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)
	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
