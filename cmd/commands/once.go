package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/istota/istota/internal/daemon"
)

// NewOnceCommand returns the run-once subcommand.
func NewOnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "run-once",
		Usage: "Perform a single poll-and-execute pass, then exit",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-tasks",
				Usage: "Stop after running this many tasks (0 = unlimited)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "List claimable tasks without executing anything",
			},
		},
		Action: runOnce,
	}
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer d.Close()

	return d.RunOnce(ctx, cmd.Int("max-tasks"), cmd.Bool("dry-run"))
}
