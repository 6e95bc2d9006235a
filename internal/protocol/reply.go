package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrorReply is the whole payload of a failed request.
var ErrorReply = []byte("error")

// Point is one reading on the wire: [temperature, precipitation].
type Point struct {
	_msgpack struct{} `msgpack:",as_array"`

	Temperature   float64
	Precipitation float64
}

// StationSeries is one station's points on the wire: [station_id, points].
type StationSeries struct {
	_msgpack struct{} `msgpack:",as_array"`

	StationID int64
	Points    []Point
}

// EncodeSeries renders a get-data reply. Order is preserved, so stations
// keep their first-appearance order.
func EncodeSeries(series []StationSeries) ([]byte, error) {
	if series == nil {
		series = []StationSeries{}
	}
	for i := range series {
		if series[i].Points == nil {
			series[i].Points = []Point{}
		}
	}
	return msgpack.Marshal(series)
}

func DecodeSeries(b []byte) ([]StationSeries, error) {
	var out []StationSeries
	if err := msgpack.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return out, nil
}

// StatusText is the status reply.
func StatusText(points, stations int64) string {
	return fmt.Sprintf("Database contains %d data points from %d unique stations.", points, stations)
}
