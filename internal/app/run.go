package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stationlink/internal/broker"
	"stationlink/internal/config"
	"stationlink/internal/db"
	"stationlink/internal/httpapi"
	"stationlink/internal/metrics"
	"stationlink/internal/migrate"
	"stationlink/internal/mqtt"
	"stationlink/internal/storage"
)

// App is a wired server: storage, the control broker and the optional
// HTTP API and MQTT bridge.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store  *storage.Storage
	broker *broker.Broker
	mqtt   *mqtt.Subscriber
	http   *http.Server
	httpLn net.Listener
}

// New opens and migrates the database and binds every listener, so the
// addresses are known before Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"brokerAddr", cfg.BrokerAddr,
		"receiverHost", cfg.ReceiverHost,
		"handshakeTimeout", cfg.HandshakeTimeout,
		"httpAddr", cfg.HTTPAddr,
		"sqliteDriver", cfg.SQLiteDriver,
		"sqlitePath", cfg.SQLitePath,
		"sqliteMaxOpenConns", cfg.SQLiteMaxOpenConns,
		"mqttBroker", cfg.MQTTBroker,
		"mqttTopic", cfg.MQTTTopic,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Run(dbConn, logger); err != nil {
		_ = db.Close(dbConn)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := storage.New(dbConn)
	logger.Info("database ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a := &App{cfg: cfg, logger: logger, store: store}

	a.broker = broker.New(broker.Options{
		Addr:             cfg.BrokerAddr,
		ReceiverHost:     cfg.ReceiverHost,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, store, logger, m)
	if err := a.broker.Listen(); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = a.broker.Stop()
			_ = store.Close()
			return nil, fmt.Errorf("http listen %s: %w", cfg.HTTPAddr, err)
		}
		a.httpLn = ln
		a.http = httpapi.NewServer(cfg.HTTPAddr, httpapi.Deps{
			Store:     store,
			Endpoints: a.broker,
			Gatherer:  reg,
			Logger:    logger,
		})
	}

	if cfg.MQTTBroker != "" {
		a.mqtt = mqtt.NewSubscriber(cfg, store, logger, m)
		// The client keeps retrying in the background after this attempt.
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.mqtt.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing without mqtt for now)", "error", err)
		}
	}

	return a, nil
}

// BrokerAddr is the bound control address.
func (a *App) BrokerAddr() net.Addr { return a.broker.Addr() }

// HTTPAddr is the bound HTTP address, nil when the HTTP API is off.
func (a *App) HTTPAddr() net.Addr {
	if a.httpLn == nil {
		return nil
	}
	return a.httpLn.Addr()
}

// Run serves until ctx is done or a client sends the exit control message,
// then shuts everything down: MQTT, HTTP, the broker with all its
// endpoints, and finally storage. It returns ctx.Err() when cancelled and
// nil on a remote exit.
func (a *App) Run(ctx context.Context) error {
	brokerErr := make(chan error, 1)
	go func() { brokerErr <- a.broker.Serve() }()

	httpErr := make(chan error, 1)
	if a.http != nil {
		go func() {
			a.logger.Info("http listening", "addr", a.httpLn.Addr().String())
			httpErr <- a.http.Serve(a.httpLn)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-brokerErr:
		if err != nil {
			runErr = err
		} else {
			a.logger.Info("broker exited on request")
		}
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http: %w", err)
		}
	}

	return errors.Join(runErr, a.shutdown())
}

func (a *App) shutdown() error {
	var errs []error

	if a.mqtt != nil {
		a.logger.Info("mqtt disconnecting")
		a.mqtt.Disconnect()
	}

	if a.http != nil {
		a.logger.Info("http shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}

	a.logger.Info("broker stopping")
	if err := a.broker.Stop(); err != nil {
		errs = append(errs, err)
	}

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

// Run builds the App from cfg and runs it.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
