// Package station simulates one weather station: it takes a receiver from
// the broker and reports a reading on a fixed schedule.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"stationlink/internal/client"
	"stationlink/internal/protocol"
)

type Config struct {
	BrokerAddr string
	StationID  int64
	Interval   time.Duration
	// ReleaseReceiver sends the exit datagram on Stop so the broker
	// frees the receiver.
	ReleaseReceiver bool
}

type Station struct {
	cfg    Config
	gen    Generator
	logger *slog.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	uplink    *client.Uplink
	endpoint  protocol.Endpoint
	sent      int
}

func New(cfg Config, gen Generator, logger *slog.Logger) *Station {
	if logger == nil {
		logger = slog.Default()
	}
	return &Station{
		cfg:    cfg,
		gen:    gen,
		logger: logger.With("station_id", cfg.StationID),
	}
}

// Start performs the take handshake and schedules reporting. The first
// reading goes out one interval after Start.
func (s *Station) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("station interval must be positive, got %v", s.cfg.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return errors.New("station already started")
	}

	ep, err := client.Take(ctx, s.cfg.BrokerAddr)
	if err != nil {
		return fmt.Errorf("take receiver: %w", err)
	}
	uplink, err := client.DialUplink(ep)
	if err != nil {
		s.release(ep)
		return err
	}

	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()
	if _, err := sched.Every(s.cfg.Interval).WaitForSchedule().Do(s.report); err != nil {
		if stopErr := uplink.Stop(); stopErr != nil {
			s.logger.Warn("receiver not released", "receiver", ep.String(), "error", stopErr)
		}
		return fmt.Errorf("schedule reports: %w", err)
	}

	s.uplink = uplink
	s.endpoint = ep
	s.scheduler = sched
	sched.StartAsync()

	s.logger.Info("station started", "receiver", ep.String(), "interval", s.cfg.Interval)
	return nil
}

// release frees a receiver taken by a failed Start. If that fails too the
// receiver stays registered until the broker stops.
func (s *Station) release(ep protocol.Endpoint) {
	if err := client.Release(ep); err != nil {
		s.logger.Warn("receiver not released", "receiver", ep.String(), "error", err)
	}
}

func (s *Station) report() {
	temperature, precipitation := s.gen.NextReading()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uplink == nil {
		return
	}
	err := s.uplink.Send(protocol.Telemetry{
		StationID:     s.cfg.StationID,
		Temperature:   temperature,
		Precipitation: precipitation,
	})
	if err != nil {
		s.logger.Warn("send reading failed", "error", err)
		return
	}
	s.sent++
	s.logger.Debug("reading sent", "temperature", temperature, "precipitation", precipitation)
}

// Endpoint is the receiver address obtained on Start.
func (s *Station) Endpoint() protocol.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Sent is the number of readings handed to the socket so far.
func (s *Station) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Stop cancels the schedule and closes the uplink. Safe to call more than
// once.
func (s *Station) Stop() error {
	s.mu.Lock()
	sched, uplink := s.scheduler, s.uplink
	s.uplink = nil
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if uplink == nil {
		return nil
	}
	s.logger.Info("station stopped", "sent", s.Sent())
	if s.cfg.ReleaseReceiver {
		return uplink.Stop()
	}
	return uplink.Close()
}
