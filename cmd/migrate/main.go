package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/noah-isme/payment-orchestrator/internal/migrations"
	"github.com/noah-isme/payment-orchestrator/internal/obs"
)

const usage = `usage: migrate [up|down [n]|version|force <version>]`

func main() {
	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info")

	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	m, err := migrations.New(dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrations")
	}
	defer func() { _, _ = m.Close() }()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}
	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if raw := flag.Arg(1); raw != "" {
			if steps, err = strconv.Atoi(raw); err != nil || steps <= 0 {
				logger.Fatal().Str("steps", raw).Msg("down expects a positive step count")
			}
		}
		err = m.Steps(-steps)
	case "force":
		v, convErr := strconv.Atoi(flag.Arg(1))
		if convErr != nil {
			logger.Fatal().Msg(usage)
		}
		err = m.Force(v)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			logger.Info().Msg("no migrations applied")
			return
		}
		if verr != nil {
			logger.Fatal().Err(verr).Msg("read version")
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
		return
	default:
		logger.Fatal().Msg(usage)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}
	logger.Info().Str("command", cmd).Msg("migration complete")
}
