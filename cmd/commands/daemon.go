package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/istota/istota/internal/daemon"
)

// NewDaemonCommand returns the run-daemon subcommand.
func NewDaemonCommand() *cli.Command {
	return &cli.Command{
		Name:   "run-daemon",
		Usage:  "Run the scheduler loop until interrupted",
		Action: runDaemon,
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Run(ctx)
}
