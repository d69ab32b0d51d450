package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/istota/istota/internal/store"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage queued tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status"},
					&cli.StringFlag{Name: "user", Usage: "Filter by user"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum rows", Value: 50},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "add",
				Usage:     "Enqueue a task",
				ArgsUsage: "<prompt>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "Owning user id", Required: true},
					&cli.StringFlag{Name: "queue", Usage: "foreground or background", Value: store.QueueForeground},
					&cli.IntFlag{Name: "priority", Usage: "Priority 1-10", Value: store.DefaultPriority},
					&cli.StringFlag{Name: "output", Usage: "Delivery target (chat, email, push, combinations, all)"},
				},
				Action: runTasksAdd,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
		},
		DefaultCommand: "list",
	}
}

// openStore opens the configured database for an admin command.
func openStore(cmd *cli.Command) (*store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		return nil, err
	}
	st.SetDefaultMaxAttempts(cfg.Executor.MaxAttempts)
	return st, nil
}

func taskIDArg(cmd *cli.Command) (int64, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return 0, fmt.Errorf("usage: istota tasks %s <task_id>", cmd.Name)
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad task id %q", arg)
	}
	return id, nil
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListTasks(ctx, store.ListFilter{
		Status: store.TaskStatus(cmd.String("status")),
		UserID: cmd.String("user"),
		Limit:  cmd.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tQUEUE\tUSER\tSOURCE\tATTEMPTS\tPROMPT")
	for _, t := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.Status, t.Queue, t.UserID, t.SourceType,
			t.AttemptCount, t.MaxAttempts, truncate(firstNonEmpty(t.Prompt, t.Command), 60))
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := st.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %d\n", t.ID)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Queue:       %s\n", t.Queue)
	fmt.Printf("User:        %s\n", t.UserID)
	fmt.Printf("Source:      %s\n", t.SourceType)
	fmt.Printf("Priority:    %d\n", t.Priority)
	fmt.Printf("Attempts:    %d/%d\n", t.AttemptCount, t.MaxAttempts)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if t.ScheduledFor != nil {
		fmt.Printf("Scheduled:   %s\n", t.ScheduledFor.Format("2006-01-02 15:04:05"))
	}

	if t.Prompt != "" {
		fmt.Printf("\nPrompt:\n%s\n", t.Prompt)
	}
	if t.Command != "" {
		fmt.Printf("\nCommand:\n%s\n", t.Command)
	}
	if len(t.ActionsTaken) > 0 {
		fmt.Println("\nActions:")
		for _, a := range t.ActionsTaken {
			fmt.Printf("  - %s: %s\n", a.Tool, a.Summary)
		}
	}
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}
	return nil
}

func runTasksAdd(ctx context.Context, cmd *cli.Command) error {
	promptText := cmd.Args().First()
	if promptText == "" {
		return fmt.Errorf("usage: istota tasks add --user <user> <prompt>")
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := st.CreateTask(ctx, &store.Task{
		SourceType:   store.SourceCLI,
		Queue:        cmd.String("queue"),
		Priority:     cmd.Int("priority"),
		UserID:       cmd.String("user"),
		Prompt:       promptText,
		OutputTarget: cmd.String("output"),
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Printf("Task %d enqueued.\n", id)
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CancelTask(ctx, id); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Printf("Task %d cancelled.\n", id)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
