// Package executor launches the agent subprocess for a task, streams its
// output and classifies the outcome.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/istota/istota/internal/config"
	"github.com/istota/istota/internal/store"
)

// Outcome is the classified result of one execution attempt.
type Outcome struct {
	Result             string
	Actions            []store.Action
	Cancelled          bool
	ConfirmationPrompt string // non-empty: park the task for user confirmation
}

// Options control a single execution.
type Options struct {
	Prompt      string             // assembled agent input (tasks with a command instead leave this empty)
	OnProgress  func(store.Action) // invoked per tool-use event in streaming mode
	CancelCheck func() bool        // polled between stream events
	Streaming   bool
}

// Runner is the execution surface the worker pool depends on.
type Runner interface {
	Execute(ctx context.Context, task *store.Task, opts Options) (*Outcome, error)
}

// RetryDelays is the task-level backoff curve: first, second and third retry.
var RetryDelays = [3]time.Duration{1 * time.Minute, 4 * time.Minute, 16 * time.Minute}

// termGrace is how long a signalled subprocess gets before SIGKILL.
const termGrace = 5 * time.Second

// Agent runs tasks as external agent subprocesses.
type Agent struct {
	cfg    config.ExecutorConfig
	dbPath string

	sleep func(time.Duration) // test hook for API retry delays
}

// New creates an Agent executor.
func New(cfg config.ExecutorConfig, dbPath string) *Agent {
	return &Agent{cfg: cfg, dbPath: dbPath, sleep: time.Sleep}
}

// DeferredDir returns the per-user scratch directory a task's subprocess may
// write side-effect files into.
func (a *Agent) DeferredDir(userID string) string {
	return filepath.Join(a.cfg.ScratchRoot, userID)
}

// Execute runs the agent subprocess for a task, retrying transient API
// errors in place. Those retries never consume the task's attempt budget.
func (a *Agent) Execute(ctx context.Context, task *store.Task, opts Options) (*Outcome, error) {
	for attempt := 0; ; attempt++ {
		out, err := a.runOnce(ctx, task, opts)
		if err == nil || ctx.Err() != nil {
			return out, err
		}
		// APIRetryMax counts retries, not attempts: the first run plus up
		// to APIRetryMax re-runs.
		if !IsTransientAPIError(err.Error()) || attempt >= a.cfg.APIRetryMax {
			return out, err
		}
		slog.Warn("transient api error, retrying",
			"task_id", task.ID, "attempt", attempt+1, "error", err)
		a.sleep(a.cfg.APIRetryDelay.Duration())
	}
}

func (a *Agent) runOnce(ctx context.Context, task *store.Task, opts Options) (*Outcome, error) {
	timeout := time.Duration(a.cfg.TaskTimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deferredDir := a.DeferredDir(task.UserID)
	workDir := filepath.Join(deferredDir, fmt.Sprintf("task_%d", task.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	args := append([]string(nil), a.cfg.AgentArgs...)
	if a.cfg.SecurityMode == "restricted" && len(a.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.cfg.AllowedTools, ","))
	}
	if opts.Streaming {
		args = append(args, "--output-format", "stream-json")
	}
	if task.Command != "" {
		args = append(args, "--command", task.Command)
	} else {
		args = append(args, opts.Prompt)
	}

	cmd := exec.CommandContext(ctx, a.cfg.AgentCommand, args...)
	cmd.Dir = workDir
	cmd.Env = a.buildEnv(task, deferredDir)
	cmd.WaitDelay = termGrace
	cmd.Cancel = func() error {
		// Cooperative first: termination signal, then WaitDelay enforces kill.
		return cmd.Process.Signal(os.Interrupt)
	}

	var out *Outcome
	var runErr error
	if opts.Streaming {
		out, runErr = a.runStreaming(cmd, task, opts)
	} else {
		out, runErr = a.runSimple(cmd, task)
	}
	if out != nil && out.Cancelled {
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("task timed out after %s", timeout)
	}
	return out, runErr
}

func (a *Agent) runSimple(cmd *exec.Cmd, task *store.Task) (*Outcome, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := a.resolveResult("", task, stderr.String())
	if err != nil {
		if result != "" {
			return nil, fmt.Errorf("agent exited: %w: %s", err, result)
		}
		return nil, fmt.Errorf("agent exited: %w", err)
	}
	if result == "" {
		result = strings.TrimSpace(stdout.String())
	}
	return &Outcome{Result: result}, nil
}

// buildEnv constructs the subprocess environment per the security mode.
// Restricted strips the inherited environment down to a minimal set;
// permissive inherits everything except credential-named variables.
func (a *Agent) buildEnv(task *store.Task, deferredDir string) []string {
	var env []string
	if a.cfg.SecurityMode == "restricted" {
		for _, key := range []string{"PATH", "HOME", "LANG", "TZ", "TMPDIR"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
	} else {
		for _, kv := range os.Environ() {
			name, _, _ := strings.Cut(kv, "=")
			if isCredentialName(name) {
				continue
			}
			env = append(env, kv)
		}
	}

	env = append(env,
		"ISTOTA_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"ISTOTA_USER_ID="+task.UserID,
		"ISTOTA_DB_PATH="+a.dbPath,
		"ISTOTA_CONVERSATION_TOKEN="+task.ConversationToken,
		"ISTOTA_DEFERRED_DIR="+deferredDir,
	)
	return env
}

var credentialMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

func isCredentialName(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range credentialMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// resolveResult applies the result priority: an explicit stream result wins,
// then a result file written by the subprocess, then stderr.
func (a *Agent) resolveResult(streamResult string, task *store.Task, stderr string) string {
	if streamResult != "" {
		return streamResult
	}
	resultFile := filepath.Join(a.DeferredDir(task.UserID), fmt.Sprintf("task_%d_result.txt", task.ID))
	if data, err := os.ReadFile(resultFile); err == nil {
		os.Remove(resultFile)
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return strings.TrimSpace(stderr)
}
