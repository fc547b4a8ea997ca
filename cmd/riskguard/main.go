// riskguard - Real-time risk enforcement for futures trading accounts
//
// Watches the broker event stream, evaluates every order/position/trade
// against the configured rule set, and intervenes automatically: closing
// positions, cancelling orders, locking accounts and placing protective
// brackets before a limit can be blown through.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"riskguard/internal/app"
	"riskguard/internal/config"
)

const version = "1.0.0"

// Exit codes: 0 success, 1 fatal error, 2 config error, 3 gateway
// unavailable.
const (
	exitOK      = 0
	exitFatal   = 1
	exitConfig  = 2
	exitGateway = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "config", "directory holding the YAML config files")
	account := flag.String("account", "", "override the monitored account id")
	dryRun := flag.Bool("dry-run", false, "run against the in-memory simulator instead of the live gateway")
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Credentials and ${VAR} placeholders resolve from the environment;
	// .env is the development convenience.
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using process environment")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		return exitConfig
	}
	applyLogConfig(cfg, *debug)

	log.Info().
		Str("version", version).
		Bool("dry_run", *dryRun).
		Msg("🛡️ riskguard starting")

	sup, err := app.New(cfg, app.Options{DryRun: *dryRun, AccountID: *account})
	if err != nil {
		if errors.Is(err, app.ErrGatewayUnavailable) {
			log.Error().Err(err).Msg("Gateway unavailable")
			return exitGateway
		}
		log.Error().Err(err).Msg("Startup failed")
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		sup.Stop()
		if errors.Is(err, app.ErrGatewayUnavailable) {
			log.Error().Err(err).Msg("Gateway unavailable")
			return exitGateway
		}
		log.Error().Err(err).Msg("Startup failed")
		return exitFatal
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	sup.Stop()
	return exitOK
}

func applyLogConfig(cfg *config.Config, debug bool) {
	switch cfg.Risk.General.Logging.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Risk.General.Logging.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
