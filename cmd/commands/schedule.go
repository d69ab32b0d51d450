package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/istota/istota/internal/clock"
	"github.com/istota/istota/internal/store"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage cron-scheduled jobs",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List scheduled jobs",
				Action: runScheduleList,
			},
			{
				Name:      "add",
				Usage:     "Add a scheduled job",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "Owning user id", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Job name, unique per user", Required: true},
					&cli.StringFlag{Name: "cron", Usage: "5-field cron expression", Required: true},
					&cli.StringFlag{Name: "output", Usage: "Delivery target"},
					&cli.BoolFlag{Name: "silent", Usage: "Suppress NO_ACTION results"},
					&cli.BoolFlag{Name: "once", Usage: "Remove the job after its first success"},
				},
				Action: runScheduleAdd,
			},
			{
				Name:      "rm",
				Usage:     "Remove a scheduled job",
				ArgsUsage: "<job_id>",
				Action:    runScheduleRemove,
			},
			{
				Name:      "enable",
				Usage:     "Re-enable a disabled job",
				ArgsUsage: "<job_id>",
				Action:    runScheduleEnable,
			},
		},
		DefaultCommand: "list",
	}
}

func jobIDArg(cmd *cli.Command) (int64, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return 0, fmt.Errorf("usage: istota schedule %s <job_id>", cmd.Name)
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad job id %q", arg)
	}
	return id, nil
}

func runScheduleList(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListScheduledJobs(ctx, false)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNAME\tCRON\tENABLED\tFAILURES\tLAST RUN")
	for _, j := range jobs {
		lastRun := "-"
		if j.LastRunAt != nil {
			lastRun = j.LastRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
			j.ID, j.UserID, j.Name, j.CronExpression, j.Enabled,
			j.ConsecutiveFailures, lastRun)
	}
	return w.Flush()
}

func runScheduleAdd(ctx context.Context, cmd *cli.Command) error {
	promptText := cmd.Args().First()
	if promptText == "" {
		return fmt.Errorf("usage: istota schedule add --user <user> --name <name> --cron <expr> <prompt>")
	}

	// Reject bad expressions here rather than at first poll.
	if _, err := clock.ParseSchedule(cmd.String("cron"), time.UTC); err != nil {
		return err
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.CreateScheduledJob(ctx, &store.ScheduledJob{
		UserID:             cmd.String("user"),
		Name:               cmd.String("name"),
		CronExpression:     cmd.String("cron"),
		Prompt:             promptText,
		OutputTarget:       cmd.String("output"),
		Enabled:            true,
		SilentUnlessAction: cmd.Bool("silent"),
		Once:               cmd.Bool("once"),
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	fmt.Printf("Scheduled job %d created.\n", id)
	return nil
}

func runScheduleRemove(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteScheduledJob(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	fmt.Printf("Scheduled job %d removed.\n", id)
	return nil
}

func runScheduleEnable(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetJobEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("enable job: %w", err)
	}
	fmt.Printf("Scheduled job %d enabled.\n", id)
	return nil
}
