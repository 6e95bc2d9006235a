package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"stationlink/internal/protocol"
)

type handlers struct {
	store     Store
	endpoints Endpoints
	logger    *slog.Logger
}

func (h *handlers) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := h.store.Ping(); err != nil {
		h.log().Error("failed to check database connectivity", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	DataPoints int64  `json:"data_points"`
	Stations   int64  `json:"stations"`
	Text       string `json:"text"`
	Receivers  *int   `json:"receivers,omitempty"`
	Senders    *int   `json:"senders,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	n, err := h.store.Count()
	if err != nil {
		h.log().Error("count readings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count readings")
		return
	}
	m, err := h.store.StationCount()
	if err != nil {
		h.log().Error("count stations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count stations")
		return
	}

	resp := statusResponse{DataPoints: n, Stations: m, Text: protocol.StatusText(n, m)}
	if h.endpoints != nil {
		r, s := h.endpoints.Receivers(), h.endpoints.Senders()
		resp.Receivers, resp.Senders = &r, &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// stationReadings is one chart series: parallel arrays in index order.
type stationReadings struct {
	StationID     int64     `json:"station_id"`
	Index         []int64   `json:"index"`
	Temperature   []float64 `json:"temperature"`
	Precipitation []float64 `json:"precipitation"`
}

func (h *handlers) readings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from int64
	if s := q.Get("from"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = v
	}
	var to *int64
	if s := q.Get("to"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "to must be a non-negative integer")
			return
		}
		to = &v
	}

	series, err := h.store.Read(from, to)
	if err != nil {
		h.log().Error("read readings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read readings")
		return
	}

	out := make([]stationReadings, 0, len(series))
	for _, s := range series {
		sr := stationReadings{
			StationID:     s.StationID,
			Index:         make([]int64, 0, len(s.Readings)),
			Temperature:   make([]float64, 0, len(s.Readings)),
			Precipitation: make([]float64, 0, len(s.Readings)),
		}
		for _, rd := range s.Readings {
			sr.Index = append(sr.Index, rd.Index)
			sr.Temperature = append(sr.Temperature, rd.Temperature)
			sr.Precipitation = append(sr.Precipitation, rd.Precipitation)
		}
		out = append(out, sr)
	}
	writeJSON(w, http.StatusOK, out)
}
