// Package sender serves one client query session over an accepted TCP
// connection.
package sender

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"stationlink/internal/metrics"
	"stationlink/internal/protocol"
	"stationlink/internal/storage"
)

// Store is the part of storage a query session reads and clears.
type Store interface {
	Read(from int64, to *int64) ([]storage.Series, error)
	Count() (int64, error)
	StationCount() (int64, error)
	Clear() error
}

type Sender struct {
	conn    net.Conn
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func New(conn net.Conn, store Store, logger *slog.Logger, m *metrics.Metrics) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		conn:    conn,
		store:   store,
		logger:  logger.With("remote", conn.RemoteAddr().String()),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Addr is the local address of the session connection.
func (s *Sender) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve answers request frames until the client sends exit, the
// connection drops, or Stop closes it.
func (s *Sender) Serve() {
	s.started.Store(true)
	defer close(s.done)
	defer func() { _ = s.conn.Close() }()

	s.logger.Info("session started")
	for {
		frame, err := protocol.ReadFrame(s.conn, protocol.MaxRequestSize)
		if err != nil {
			s.readFailed(err)
			return
		}

		req, err := protocol.ParseRequest(string(frame))
		if err != nil {
			s.metrics.RequestError()
			s.logger.Info("rejected request", "error", err)
			if !s.reply(protocol.ErrorReply) {
				return
			}
			continue
		}

		payload, ok := s.handle(req)
		if !ok {
			s.logger.Info("session ended by client")
			return
		}
		if !s.reply(payload) {
			return
		}
	}
}

// handle runs one request against storage. ok is false when the session
// must end without a reply.
func (s *Sender) handle(req protocol.Request) (payload []byte, ok bool) {
	switch r := req.(type) {
	case protocol.GetData:
		s.metrics.Request("get-data")
		var from int64
		if r.From != nil {
			from = *r.From
		}
		series, err := s.store.Read(from, r.To)
		if err != nil {
			return s.failed("read", err), true
		}
		b, err := protocol.EncodeSeries(toWire(series))
		if err != nil {
			return s.failed("encode series", err), true
		}
		return b, true

	case protocol.Status:
		s.metrics.Request("status")
		n, err := s.store.Count()
		if err != nil {
			return s.failed("count", err), true
		}
		m, err := s.store.StationCount()
		if err != nil {
			return s.failed("station count", err), true
		}
		return []byte(protocol.StatusText(n, m)), true

	case protocol.Clear:
		s.metrics.Request("clear")
		if err := s.store.Clear(); err != nil {
			return s.failed("clear", err), true
		}
		s.logger.Info("storage cleared")
		return []byte{}, true

	case protocol.Exit:
		s.metrics.Request("exit")
		return nil, false

	default:
		return s.failed("dispatch", fmt.Errorf("unhandled request %T", req)), true
	}
}

func (s *Sender) failed(op string, err error) []byte {
	s.metrics.RequestError()
	s.logger.Error("request failed", "op", op, "error", err)
	return protocol.ErrorReply
}

func (s *Sender) reply(payload []byte) bool {
	if err := protocol.WriteFrame(s.conn, payload); err != nil {
		s.logger.Debug("reply not delivered", "error", err)
		return false
	}
	return true
}

func (s *Sender) readFailed(err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.RequestError()
		s.logger.Warn("request too large, ending session", "error", err)
		s.reply(protocol.ErrorReply)
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET):
		s.logger.Debug("session closed", "error", err)
	default:
		s.logger.Warn("session read failed", "error", err)
	}
}

func toWire(in []storage.Series) []protocol.StationSeries {
	out := make([]protocol.StationSeries, len(in))
	for i, series := range in {
		points := make([]protocol.Point, len(series.Readings))
		for j, r := range series.Readings {
			points[j] = protocol.Point{Temperature: r.Temperature, Precipitation: r.Precipitation}
		}
		out[i] = protocol.StationSeries{StationID: series.StationID, Points: points}
	}
	return out
}

// Start runs Serve in its own goroutine.
func (s *Sender) Start() {
	s.started.Store(true)
	go s.Serve()
}

// Stop closes the connection and, if Serve is running, waits for it to
// return. Safe to call more than once.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() { _ = s.conn.Close() })
	if s.started.Load() {
		<-s.done
	}
}

// Done is closed once Serve has returned.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}
