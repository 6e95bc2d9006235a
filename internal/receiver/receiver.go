// Package receiver ingests station telemetry from one UDP socket.
package receiver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"stationlink/internal/metrics"
	"stationlink/internal/protocol"
)

// Store is the part of storage a receiver writes to.
type Store interface {
	Write(stationID int64, temperature, precipitation float64) error
}

type Receiver struct {
	conn    *net.UDPConn
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New binds host on an OS-assigned port.
func New(host string, store Store, logger *slog.Logger, m *metrics.Metrics) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("resolve receiver address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind receiver: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		conn:    conn,
		store:   store,
		logger:  logger.With("addr", conn.LocalAddr().String()),
		metrics: m,
		done:    make(chan struct{}),
	}, nil
}

func (r *Receiver) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Endpoint is the address handed back to the station on take.
func (r *Receiver) Endpoint() protocol.Endpoint {
	a := r.Addr()
	return protocol.Endpoint{Host: a.IP.String(), Port: a.Port}
}

// Serve reads datagrams until the exit datagram arrives, the socket is
// closed by Stop, or a read fails. It always releases the socket.
func (r *Receiver) Serve() {
	r.started.Store(true)
	defer close(r.done)
	defer func() { _ = r.conn.Close() }()

	r.logger.Info("receiver listening")
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.logger.Debug("receiver socket closed")
			} else {
				r.logger.Warn("receiver read failed", "error", err)
			}
			return
		}
		datagram := buf[:n]

		if protocol.IsExit(datagram) {
			r.logger.Info("receiver exit requested", "from", from.String())
			return
		}
		r.handle(datagram, from)
	}
}

func (r *Receiver) handle(datagram []byte, from *net.UDPAddr) {
	t, err := protocol.DecodeTelemetry(datagram)
	if err != nil {
		r.metrics.TelemetryMalformed(metrics.SourceUDP)
		r.logger.Warn("dropping malformed datagram",
			"from", from.String(),
			"size", len(datagram),
			"error", err,
		)
		return
	}

	if err := r.store.Write(t.StationID, t.Temperature, t.Precipitation); err != nil {
		r.metrics.TelemetryStoreError(metrics.SourceUDP)
		r.logger.Error("store telemetry failed",
			"station_id", t.StationID,
			"error", err,
		)
		return
	}
	r.metrics.TelemetryReceived(metrics.SourceUDP)
	r.logger.Debug("telemetry stored",
		"station_id", t.StationID,
		"temperature", t.Temperature,
		"precipitation", t.Precipitation,
	)
}

// Start runs Serve in its own goroutine.
func (r *Receiver) Start() {
	r.started.Store(true)
	go r.Serve()
}

// Stop closes the socket and, if Serve is running, waits for it to return.
// Safe to call more than once.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() { _ = r.conn.Close() })
	if r.started.Load() {
		<-r.done
	}
}

// Done is closed once Serve has returned.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}
