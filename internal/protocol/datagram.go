package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MaxDatagramSize is the receive buffer for telemetry datagrams.
const MaxDatagramSize = 4096

var ErrMalformedDatagram = errors.New("protocol: malformed telemetry datagram")

// ExitDatagram asks a receiver to stop. It cannot be mistaken for
// telemetry, which always starts with a msgpack array header.
var ExitDatagram = []byte("exit")

// Telemetry is one station sample as carried in a datagram:
// [station_id, temperature, precipitation].
type Telemetry struct {
	StationID     int64
	Temperature   float64
	Precipitation float64
}

func IsExit(b []byte) bool {
	return bytes.Equal(b, ExitDatagram)
}

func EncodeTelemetry(t Telemetry) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt64(t.StationID); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(t.Temperature); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(t.Precipitation); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTelemetry accepts exactly a three element array with nothing
// after it. Integer temperature or precipitation values are widened; nil
// elements and ids beyond int64 are rejected.
func DecodeTelemetry(b []byte) (Telemetry, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Telemetry{}, fmt.Errorf("%w: %v", ErrMalformedDatagram, err)
	}
	if n != 3 {
		return Telemetry{}, fmt.Errorf("%w: %d elements, want 3", ErrMalformedDatagram, n)
	}

	var t Telemetry
	if t.StationID, err = decodeStationID(dec); err != nil {
		return Telemetry{}, fmt.Errorf("%w: station id: %v", ErrMalformedDatagram, err)
	}
	if t.Temperature, err = decodeFloat(dec); err != nil {
		return Telemetry{}, fmt.Errorf("%w: temperature: %v", ErrMalformedDatagram, err)
	}
	if t.Precipitation, err = decodeFloat(dec); err != nil {
		return Telemetry{}, fmt.Errorf("%w: precipitation: %v", ErrMalformedDatagram, err)
	}
	if r.Len() != 0 {
		return Telemetry{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDatagram, r.Len())
	}
	return t, nil
}

var errNil = errors.New("nil value")

// DecodeInt64 and DecodeFloat64 read nil as zero and wrap large uint64
// values, so the code is checked first.
func decodeStationID(dec *msgpack.Decoder) (int64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, err
	}
	switch c {
	case msgpcode.Nil:
		return 0, errNil
	case msgpcode.Uint64:
		u, err := dec.DecodeUint64()
		if err != nil {
			return 0, err
		}
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	}
	return dec.DecodeInt64()
}

func decodeFloat(dec *msgpack.Decoder) (float64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, err
	}
	if c == msgpcode.Nil {
		return 0, errNil
	}
	return dec.DecodeFloat64()
}
