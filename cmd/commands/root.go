package commands

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/istota/istota/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "istota",
		Usage: "Personal assistant task orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewDaemonCommand(),
			NewOnceCommand(),
			NewTasksCommand(),
			NewScheduleCommand(),
		},
	}
}

// loadConfig reads the config named by the root flag, falling back to
// defaults when the file does not exist, and configures logging.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	level := parseLevel(cfg.Daemon.LogLevel)
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
