// Package client speaks the broker protocol from the station and console
// side: take a receiver, open a query session, or shut the broker down.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"stationlink/internal/protocol"
)

// ErrServer is returned when a query session replies with error.
var ErrServer = errors.New("client: server replied error")

func dial(ctx context.Context, addr string, ctl protocol.Control) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}
	if err := protocol.WriteFrame(conn, []byte(ctl)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send %s: %w", ctl, err)
	}
	return conn, nil
}

// bind interrupts I/O on conn once ctx is done, until the returned func
// is called. The session is unusable after an interrupted request.
func bind(ctx context.Context, conn net.Conn) func() {
	_ = conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

// Take asks the broker for a telemetry receiver and returns its address.
func Take(ctx context.Context, addr string) (protocol.Endpoint, error) {
	conn, err := dial(ctx, addr, protocol.ControlTake)
	if err != nil {
		return protocol.Endpoint{}, err
	}
	defer func() { _ = conn.Close() }()
	defer bind(ctx, conn)()

	payload, err := protocol.ReadFrame(conn, protocol.MaxRequestSize)
	if err != nil {
		return protocol.Endpoint{}, fmt.Errorf("read take reply: %w", ctxErr(ctx, err))
	}
	return protocol.DecodeEndpoint(payload)
}

// Shutdown asks the broker to stop accepting control connections.
func Shutdown(ctx context.Context, addr string) error {
	conn, err := dial(ctx, addr, protocol.ControlExit)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Session is one query session. Requests on a session are serialized.
type Session struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial opens a query session.
func Dial(ctx context.Context, addr string) (*Session, error) {
	conn, err := dial(ctx, addr, protocol.ControlGib)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Do sends one request and returns the raw reply payload. An error reply
// is returned as ErrServer.
func (s *Session) Do(ctx context.Context, req protocol.Request) ([]byte, error) {
	if _, ok := req.(protocol.Exit); ok {
		return nil, s.Exit(ctx)
	}

	return s.doLine(ctx, req.Line())
}

func (s *Session) doLine(ctx context.Context, line string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer bind(ctx, s.conn)()

	if err := protocol.WriteFrame(s.conn, []byte(line)); err != nil {
		return nil, ctxErr(ctx, err)
	}
	payload, err := protocol.ReadFrame(s.conn, protocol.MaxReplySize)
	if err != nil {
		return nil, fmt.Errorf("read reply to %q: %w", line, ctxErr(ctx, err))
	}
	if bytes.Equal(payload, protocol.ErrorReply) {
		return nil, fmt.Errorf("%w: %s", ErrServer, line)
	}
	return payload, nil
}

// GetData reads readings with from <= index <= to. Nil bounds are open.
func (s *Session) GetData(ctx context.Context, from, to *int64) ([]protocol.StationSeries, error) {
	payload, err := s.Do(ctx, protocol.GetData{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return protocol.DecodeSeries(payload)
}

func (s *Session) Status(ctx context.Context) (string, error) {
	payload, err := s.Do(ctx, protocol.Status{})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (s *Session) Clear(ctx context.Context) error {
	_, err := s.Do(ctx, protocol.Clear{})
	return err
}

// Exit ends the session and waits for the server to close the connection.
func (s *Session) Exit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { _ = s.conn.Close() }()
	defer bind(ctx, s.conn)()

	if err := protocol.WriteFrame(s.conn, []byte(protocol.Exit{}.Line())); err != nil {
		return ctxErr(ctx, err)
	}
	_, err := protocol.ReadFrame(s.conn, protocol.MaxReplySize)
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return errors.New("client: unexpected reply to exit")
	default:
		return ctxErr(ctx, err)
	}
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// Release sends the exit datagram from a one-shot socket, freeing a
// receiver that no Uplink was opened for.
func Release(ep protocol.Endpoint) error {
	conn, err := net.Dial("udp", ep.String())
	if err != nil {
		return fmt.Errorf("release receiver %s: %w", ep, err)
	}
	_, err = conn.Write(protocol.ExitDatagram)
	return errors.Join(err, conn.Close())
}

// Uplink sends telemetry datagrams to one receiver.
type Uplink struct {
	conn *net.UDPConn
}

func DialUplink(ep protocol.Endpoint) (*Uplink, error) {
	addr, err := net.ResolveUDPAddr("udp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("resolve receiver %s: %w", ep, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial receiver %s: %w", ep, err)
	}
	return &Uplink{conn: conn}, nil
}

func (u *Uplink) Send(t protocol.Telemetry) error {
	b, err := protocol.EncodeTelemetry(t)
	if err != nil {
		return err
	}
	_, err = u.conn.Write(b)
	return err
}

// Stop asks the receiver to shut down, then closes the socket.
func (u *Uplink) Stop() error {
	_, err := u.conn.Write(protocol.ExitDatagram)
	return errors.Join(err, u.conn.Close())
}

func (u *Uplink) Close() error {
	return u.conn.Close()
}
