package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"stationlink/internal/config"
	"stationlink/internal/db"
	"stationlink/internal/logging"
	"stationlink/internal/migrate"
)

const usage = `usage: %s <command>
  up      apply pending schema migrations
  status  list migrations and whether they are applied
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg, "dev", "stationlink-migrate")
	slog.SetDefault(logger)

	conn, err := db.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "err", closeErr)
		}
	}()

	switch os.Args[1] {
	case "up", "migrate":
		n, err := migrate.Run(conn, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d migration(s) applied to %s\n", n, cfg.SQLitePath)
	case "status":
		all, err := migrate.Status(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		for _, m := range all {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%04d_%s\t%s\n", m.Version, m.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}
