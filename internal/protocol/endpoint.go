package protocol

import (
	"fmt"
	"net"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// Endpoint is a receiver address, sent back on a take handshake as
// [host, port].
type Endpoint struct {
	_msgpack struct{} `msgpack:",as_array"`

	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func EncodeEndpoint(e Endpoint) ([]byte, error) {
	return msgpack.Marshal(e)
}

func DecodeEndpoint(b []byte) (Endpoint, error) {
	var e Endpoint
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint: %w", err)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Endpoint{}, fmt.Errorf("decode endpoint: port %d out of range", e.Port)
	}
	return e, nil
}
