// Command geoauth encrypts wallet secrets and authorizes contract calls
// with either a wallet key or a passkey.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/config"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: geoauth [-config path] [-dev-mode] [-log-level level] <command> [flags]

commands:
  enroll   encrypt a wallet secret under a passphrase and store it
  execute  sign an intent with a stored wallet secret and submit it
  demo     register a software passkey and run the credential lane end to end
`

func main() {
	configPath := flag.String("config", "geoauth.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Console logging and local dispatcher")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	setupLogging(cfg)

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	log.Debug().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", cfg.DevMode).
		Str("storage", cfg.Storage.Driver).
		Msg("geoauth starting")

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "enroll":
		err = runEnroll(ctx, cfg, args, os.Stdout)
	case "execute":
		err = runExecute(ctx, cfg, args, os.Stdout)
	case "demo":
		err = runDemo(ctx, cfg, args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
