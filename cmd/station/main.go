package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"stationlink/internal/config"
	"stationlink/internal/logging"
	"stationlink/internal/station"
)

const appName = "stationlink-station"

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	var (
		brokerAddr = flag.StringP("broker", "b", cfg.BrokerAddr, "broker control address host:port")
		stationID  = flag.Int64P("id", "i", 0, "station id reported with every reading")
		interval   = flag.DurationP("interval", "n", time.Second, "time between readings")
		startHour  = flag.Int("start-hour", 0, "simulated hour of day to start at")
		step       = flag.Duration("step", 10*time.Minute, "simulated time that passes per reading")
		seed       = flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed for the weather model")
		release    = flag.Bool("release", true, "free the receiver on the broker when stopping")
	)
	flag.Parse()

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	st := station.New(station.Config{
		BrokerAddr:      *brokerAddr,
		StationID:       *stationID,
		Interval:        *interval,
		ReleaseReceiver: *release,
	}, station.NewDiurnalGenerator(*startHour, *step, *seed), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = st.Start(startCtx)
	cancel()
	if err != nil {
		logger.Error("station start failed", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err := st.Stop(); err != nil {
		logger.Warn("station stop", "err", err)
	}
}
