// Package httpapi is the read-only HTTP side of the broker: health,
// counts, readings for dashboards, and Prometheus metrics.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stationlink/internal/storage"
)

// Store is the part of storage the HTTP API reads.
type Store interface {
	Ping() error
	Read(from int64, to *int64) ([]storage.Series, error)
	Count() (int64, error)
	StationCount() (int64, error)
}

// Endpoints reports live broker endpoints.
type Endpoints interface {
	Receivers() int
	Senders() int
}

type Deps struct {
	Store     Store
	Endpoints Endpoints // optional
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	h := &handlers{store: d.Store, endpoints: d.Endpoints, logger: d.Logger}
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/readings", h.readings)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func NewServer(addr string, d Deps) *http.Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(d.Logger, NewMux(d)),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
