package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"stationlink/internal/metrics"
	"stationlink/internal/migrate"
	"stationlink/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

func setupStore(t *testing.T) *storage.Storage {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := migrate.Run(db, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := storage.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixedEndpoints struct{ r, s int }

func (f fixedEndpoints) Receivers() int { return f.r }
func (f fixedEndpoints) Senders() int   { return f.s }

func serve(t *testing.T, d Deps, target string) *httptest.ResponseRecorder {
	t.Helper()
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := httptest.NewRecorder()
	NewServer(":0", d).Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHealthz(t *testing.T) {
	store := setupStore(t)

	w := serve(t, Deps{Store: store}, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}

	_ = store.Close()
	w = serve(t, Deps{Store: store}, "/healthz")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status after close = %d, want 500", w.Code)
	}
}

func TestStatus(t *testing.T) {
	store := setupStore(t)
	for _, id := range []int64{1, 2, 1} {
		if err := store.Write(id, 1, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	w := serve(t, Deps{Store: store, Endpoints: fixedEndpoints{r: 2, s: 1}}, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DataPoints != 3 || got.Stations != 2 {
		t.Errorf("counts = %d/%d, want 3/2", got.DataPoints, got.Stations)
	}
	if got.Text != "Database contains 3 data points from 2 unique stations." {
		t.Errorf("text = %q", got.Text)
	}
	if got.Receivers == nil || *got.Receivers != 2 || got.Senders == nil || *got.Senders != 1 {
		t.Errorf("endpoints = %v/%v, want 2/1", got.Receivers, got.Senders)
	}
}

func TestReadings(t *testing.T) {
	store := setupStore(t)
	writes := []struct {
		id   int64
		t, p float64
	}{{1, 10.0, 0.2}, {2, 11.5, 0.0}, {1, 9.0, 1.0}}
	for _, wr := range writes {
		if err := store.Write(wr.id, wr.t, wr.p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	tests := []struct {
		name     string
		target   string
		stations []int64
		points   int
	}{
		{name: "all", target: "/api/readings", stations: []int64{1, 2}, points: 3},
		{name: "from", target: "/api/readings?from=2", stations: []int64{2, 1}, points: 2},
		{name: "range", target: "/api/readings?from=1&to=1", stations: []int64{1}, points: 1},
		{name: "empty", target: "/api/readings?from=10", stations: []int64{}, points: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, Deps{Store: store}, tt.target)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var got []stationReadings
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.stations) {
				t.Fatalf("got %d stations, want %d", len(got), len(tt.stations))
			}
			points := 0
			for i, s := range got {
				if s.StationID != tt.stations[i] {
					t.Errorf("station[%d] = %d, want %d", i, s.StationID, tt.stations[i])
				}
				if len(s.Temperature) != len(s.Precipitation) || len(s.Index) != len(s.Temperature) {
					t.Errorf("station %d arrays differ in length", s.StationID)
				}
				points += len(s.Temperature)
			}
			if points != tt.points {
				t.Errorf("points = %d, want %d", points, tt.points)
			}
		})
	}
}

func TestReadings_BadQuery(t *testing.T) {
	store := setupStore(t)
	for _, target := range []string{"/api/readings?from=abc", "/api/readings?to=-1", "/api/readings?from=1.5"} {
		w := serve(t, Deps{Store: store}, target)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

type failingStore struct{}

func (failingStore) Ping() error                                  { return errors.New("down") }
func (failingStore) Read(int64, *int64) ([]storage.Series, error) { return nil, errors.New("down") }
func (failingStore) Count() (int64, error)                        { return 0, errors.New("down") }
func (failingStore) StationCount() (int64, error)                 { return 0, errors.New("down") }

func TestStorageFailures(t *testing.T) {
	for _, target := range []string{"/healthz", "/api/status", "/api/readings"} {
		w := serve(t, Deps{Store: failingStore{}}, target)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s: status = %d, want 500", target, w.Code)
		}
		if strings.Contains(w.Body.String(), "down") {
			t.Errorf("%s: internal error leaked: %s", target, w.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Request("status")

	w := serve(t, Deps{Store: setupStore(t), Gatherer: reg}, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `stationlink_requests_total{command="status"} 1`) {
		t.Errorf("metrics output missing requests counter:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	w := serve(t, Deps{Store: setupStore(t)}, "/metrics")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := requestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "http request" || rec["path"] != "/api/status" || rec["status"] != float64(http.StatusTeapot) {
		t.Errorf("unexpected log record: %v", rec)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid input")

	if got := w.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Bad Request" || body["message"] != "invalid input" {
		t.Errorf("body = %v", body)
	}
}
