package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Tyrowin/sportrts/internal/config"
	"github.com/Tyrowin/sportrts/internal/logging"
	"github.com/Tyrowin/sportrts/internal/server"
	"github.com/Tyrowin/sportrts/internal/store"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=trace debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
}

var cmdArgs cliArgs

func main() {
	app := &cli.App{
		Name:        "sportrts",
		Usage:       "live sports event fan-out server",
		Description: "Pushes match and commentary events to WebSocket subscribers behind an abuse-defense layer",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [trace debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				Destination: &cmdArgs.LogLevel,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use defaults if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log := logging.New(logging.Config{JSON: cmdArgs.JSONLog})
		log.Fatal().Err(err).Msg("Program shutdown")
	}
}

func run(c *cli.Context) error {
	if err := validator.New().Struct(&cmdArgs); err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: cmdArgs.LogLevel, JSON: cmdArgs.JSONLog})

	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		log.Error().Err(err).Str("file", cmdArgs.ConfigFile).Msg("Unable to load config")
		return err
	}
	logConfig(log, cfg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Store.Path).Msg("Unable to open store")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing store")
		}
	}()

	srv := server.New(cfg, st, log)
	log.Info().
		Str("addr", cfg.Server.Addr()).
		Msg("Starting SportRTS; WebSocket endpoint is /ws")

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

func logConfig(log zerolog.Logger, cfg *config.Config) {
	if log.GetLevel() > zerolog.DebugLevel {
		return
	}
	tmp, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return
	}
	log.Debug().Msgf("Effective config\n%s", tmp)
}
