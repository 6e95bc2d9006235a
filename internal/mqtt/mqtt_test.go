package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stationlink/internal/config"
	"stationlink/internal/metrics"
)

type write struct {
	station int64
	t, p    float64
}

type fakeStore struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (f *fakeStore) Write(stationID int64, temperature, precipitation float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, write{stationID, temperature, precipitation})
	return nil
}

func newTestSubscriber(store Store) *Subscriber {
	cfg := config.Config{
		MQTTBroker:   "127.0.0.1",
		MQTTPort:     1883,
		MQTTClientID: "test",
		MQTTTopic:    "stations/+/telemetry",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSubscriber(cfg, store, logger, metrics.New(prometheus.NewRegistry()))
}

func TestHandleMessage_Stores(t *testing.T) {
	store := &fakeStore{}
	s := newTestSubscriber(store)

	s.handleMessage("stations/3/telemetry", []byte(`{"station_id":3,"temperature":12.5,"precipitation":0.4}`))
	s.handleMessage("stations/4/telemetry", []byte(`{"temperature":-1,"precipitation":0}`))

	require.Len(t, store.writes, 2)
	assert.Equal(t, write{3, 12.5, 0.4}, store.writes[0])
	assert.Equal(t, write{4, -1, 0}, store.writes[1], "station id taken from topic")
}

func TestHandleMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{name: "not json", topic: "stations/1/telemetry", payload: `temperature=3`},
		{name: "id mismatch", topic: "stations/1/telemetry", payload: `{"station_id":2,"temperature":1,"precipitation":0}`},
		{name: "no id anywhere", topic: "weather/raw", payload: `{"temperature":1,"precipitation":0}`},
		{name: "missing temperature", topic: "stations/1/telemetry", payload: `{"precipitation":0}`},
		{name: "missing precipitation", topic: "stations/1/telemetry", payload: `{"temperature":1}`},
		{name: "negative precipitation", topic: "stations/1/telemetry", payload: `{"temperature":1,"precipitation":-0.5}`},
		{name: "string id", topic: "weather/raw", payload: `{"station_id":"one","temperature":1,"precipitation":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			newTestSubscriber(store).handleMessage(tt.topic, []byte(tt.payload))
			assert.Empty(t, store.writes)
		})
	}
}

func TestHandleMessage_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("locked")}
	s := newTestSubscriber(store)
	assert.NotPanics(t, func() {
		s.handleMessage("stations/1/telemetry", []byte(`{"temperature":1,"precipitation":0}`))
	})
}

func TestStationFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		id    int64
		ok    bool
	}{
		{topic: "stations/12/telemetry", id: 12, ok: true},
		{topic: "stations/x/telemetry", ok: false},
		{topic: "stations/12", ok: false},
		{topic: "other/12/telemetry", ok: false},
	}
	for _, tt := range tests {
		id, ok := stationFromTopic(tt.topic)
		assert.Equal(t, tt.ok, ok, tt.topic)
		assert.Equal(t, tt.id, id, tt.topic)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	s := newTestSubscriber(&fakeStore{})
	assert.False(t, s.IsConnected())
	s.Disconnect()
	s.Disconnect()
	assert.Error(t, s.Connect(t.Context()))
}
