// Package broker runs the control listener that provisions telemetry
// receivers and query sessions.
package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stationlink/internal/metrics"
	"stationlink/internal/protocol"
	"stationlink/internal/receiver"
	"stationlink/internal/sender"
)

// Store is everything the provisioned endpoints need from storage.
type Store interface {
	receiver.Store
	sender.Store
}

type Options struct {
	// Addr is the well-known control address.
	Addr string
	// ReceiverHost is bound with an OS-assigned port for every take.
	ReceiverHost string
	// HandshakeTimeout bounds reading the first frame and writing the
	// take reply.
	HandshakeTimeout time.Duration
}

type Broker struct {
	opts    Options
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	ln        net.Listener
	pending   net.Conn
	stopping  bool
	receivers map[string]*receiver.Receiver
	senders   map[string]*sender.Sender

	serving   atomic.Bool
	serveDone chan struct{}
	reapers   sync.WaitGroup
	stopOnce  sync.Once
	stopErr   error
}

func New(opts Options, store Store, logger *slog.Logger, m *metrics.Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	return &Broker{
		opts:      opts,
		store:     store,
		logger:    logger.With("component", "broker"),
		metrics:   m,
		receivers: make(map[string]*receiver.Receiver),
		senders:   make(map[string]*sender.Sender),
		serveDone: make(chan struct{}),
	}
}

// Listen binds the control address.
func (b *Broker) Listen() error {
	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("broker listen %s: %w", b.opts.Addr, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		_ = ln.Close()
		return errors.New("broker: stopped")
	}
	b.ln = ln
	return nil
}

// Addr is the bound control address, nil before Listen.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Broker) ListenAndServe() error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve()
}

// Serve accepts control connections until an exit control message arrives
// (nil), Stop is called (nil), or Accept fails (the error). It runs at most
// once per Broker.
func (b *Broker) Serve() error {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return errors.New("broker: Serve called before Listen")
	}

	if !b.serving.CompareAndSwap(false, true) {
		return errors.New("broker: Serve called twice")
	}
	defer close(b.serveDone)

	b.logger.Info("broker listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isStopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("broker accept: %w", err)
		}

		if exit := b.handshake(conn); exit {
			b.logger.Info("broker exit requested", "remote", conn.RemoteAddr().String())
			_ = ln.Close()
			return nil
		}
	}
}

// handshake reads the first control frame and provisions accordingly. It
// reports whether the broker was asked to exit.
func (b *Broker) handshake(conn net.Conn) bool {
	remote := conn.RemoteAddr().String()

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		_ = conn.Close()
		return false
	}
	b.pending = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(b.opts.HandshakeTimeout))
	frame, err := protocol.ReadFrame(conn, protocol.MaxRequestSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.logger.Debug("control connection closed before handshake", "remote", remote)
		} else {
			b.logger.Warn("control handshake failed", "remote", remote, "error", err)
		}
		_ = conn.Close()
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctl, err := protocol.ParseControl(frame)
	if err != nil {
		b.logger.Warn("unknown control message", "remote", remote, "error", err)
		_ = conn.Close()
		return false
	}

	switch ctl {
	case protocol.ControlExit:
		_ = conn.Close()
		return true
	case protocol.ControlGib:
		b.provisionSender(conn)
	case protocol.ControlTake:
		b.provisionReceiver(conn)
	}
	return false
}

func (b *Broker) provisionSender(conn net.Conn) {
	id := uuid.NewString()
	s := sender.New(conn, b.store, b.logger.With("sender_id", id), b.metrics)

	if !b.register(func() { b.senders[id] = s }) {
		_ = conn.Close()
		return
	}
	s.Start()
	b.track(metrics.KindSender, s.Done(), func() { delete(b.senders, id) })
	b.logger.Info("sender provisioned", "sender_id", id, "remote", conn.RemoteAddr().String())
}

func (b *Broker) provisionReceiver(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	id := uuid.NewString()
	r, err := receiver.New(b.opts.ReceiverHost, b.store, b.logger.With("receiver_id", id), b.metrics)
	if err != nil {
		b.logger.Error("provision receiver failed", "error", err)
		return
	}

	ep := advertised(r.Endpoint(), conn)
	payload, err := protocol.EncodeEndpoint(ep)
	if err != nil {
		r.Stop()
		b.logger.Error("encode endpoint failed", "error", err)
		return
	}

	if !b.register(func() { b.receivers[id] = r }) {
		r.Stop()
		return
	}
	r.Start()
	b.track(metrics.KindReceiver, r.Done(), func() { delete(b.receivers, id) })

	_ = conn.SetWriteDeadline(time.Now().Add(b.opts.HandshakeTimeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		b.logger.Warn("take reply not delivered, stopping receiver", "receiver_id", id, "error", err)
		r.Stop()
		return
	}
	b.logger.Info("receiver provisioned",
		"receiver_id", id,
		"endpoint", ep.String(),
		"remote", conn.RemoteAddr().String(),
	)
}

// advertised swaps a wildcard receiver host for the local address the
// control connection arrived on, which the station can dial.
func advertised(ep protocol.Endpoint, conn net.Conn) protocol.Endpoint {
	ip := net.ParseIP(ep.Host)
	if ip == nil || !ip.IsUnspecified() {
		return ep
	}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok && !la.IP.IsUnspecified() {
		ep.Host = la.IP.String()
	}
	return ep
}

// register runs add under the registry lock unless the broker is stopping.
func (b *Broker) register(add func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	add()
	return true
}

// track removes an endpoint from its registry once its loop has exited.
func (b *Broker) track(kind string, done <-chan struct{}, remove func()) {
	b.metrics.EndpointUp(kind)
	b.reapers.Add(1)
	go func() {
		defer b.reapers.Done()
		<-done
		b.mu.Lock()
		remove()
		b.mu.Unlock()
		b.metrics.EndpointDown(kind)
	}()
}

func (b *Broker) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

// Receivers is the number of live receivers.
func (b *Broker) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

// Senders is the number of live query sessions.
func (b *Broker) Senders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.senders)
}

// Stop closes the control listener, waits for Serve to return, then stops
// every receiver and sender, each returning once its loop has exited.
// Safe to call more than once.
func (b *Broker) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		ln, pending := b.ln, b.pending
		b.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				b.stopErr = fmt.Errorf("close broker listener: %w", err)
			}
		}
		if pending != nil {
			_ = pending.Close()
		}
		if b.serving.Load() {
			<-b.serveDone
		}

		b.mu.Lock()
		receivers := make([]*receiver.Receiver, 0, len(b.receivers))
		for _, r := range b.receivers {
			receivers = append(receivers, r)
		}
		senders := make([]*sender.Sender, 0, len(b.senders))
		for _, s := range b.senders {
			senders = append(senders, s)
		}
		b.mu.Unlock()

		for _, r := range receivers {
			r.Stop()
		}
		for _, s := range senders {
			s.Stop()
		}
		b.reapers.Wait()
		b.logger.Info("broker stopped", "receivers", len(receivers), "senders", len(senders))
	})
	return b.stopErr
}
