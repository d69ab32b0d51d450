package executor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/istota/istota/internal/store"
)

// StreamEvent is one line of the agent's line-delimited JSON output.
type StreamEvent struct {
	Type string `json:"type"` // "result" | "tool_use" | "text"

	// result
	Result             string `json:"result,omitempty"`
	IsError            bool   `json:"is_error,omitempty"`
	ConfirmationPrompt string `json:"confirmation_prompt,omitempty"`

	// tool_use
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Summary string `json:"summary,omitempty"`

	// text
	Text string `json:"text,omitempty"`
}

// maxStreamLine bounds a single stream event; tool outputs can be large.
const maxStreamLine = 4 * 1024 * 1024

// runStreaming consumes the subprocess's event stream, accumulating tool-use
// actions and polling for cooperative cancellation between events.
func (a *Agent) runStreaming(cmd *exec.Cmd, task *store.Task, opts Options) (*Outcome, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	out := &Outcome{}
	var finalResult string
	var resultSeen bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		// Safe point: honour a cancellation request before processing further.
		if opts.CancelCheck != nil && opts.CancelCheck() {
			a.terminate(cmd)
			out.Cancelled = true
			return out, nil
		}

		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("unparseable stream line", "task_id", task.ID, "line", string(line))
			continue
		}

		switch ev.Type {
		case "result":
			resultSeen = true
			finalResult = ev.Result
			if ev.ConfirmationPrompt != "" {
				out.ConfirmationPrompt = ev.ConfirmationPrompt
			}
			if ev.IsError {
				a.terminate(cmd)
				return out, fmt.Errorf("agent error: %s", ev.Result)
			}
		case "tool_use":
			action := store.Action{Tool: ev.Tool, Input: ev.Input, Summary: ev.Summary}
			out.Actions = append(out.Actions, action)
			if opts.OnProgress != nil {
				opts.OnProgress(action)
			}
		case "text":
			// Partial text progress; the final result event supersedes it.
			if !resultSeen {
				finalResult = ev.Text
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	if opts.CancelCheck != nil && opts.CancelCheck() {
		out.Cancelled = true
		return out, nil
	}
	if scanErr != nil {
		return out, fmt.Errorf("read agent stream: %w", scanErr)
	}

	if resultSeen {
		out.Result = finalResult
	} else {
		out.Result = a.resolveResult("", task, stderr.String())
	}

	if waitErr != nil && !resultSeen {
		if out.Result != "" {
			return out, fmt.Errorf("agent exited: %w: %s", waitErr, out.Result)
		}
		return out, fmt.Errorf("agent exited: %w", waitErr)
	}
	if out.Result == "" && out.ConfirmationPrompt == "" {
		return out, fmt.Errorf("agent produced no result")
	}
	return out, nil
}

// terminate signals the subprocess and relies on cmd.WaitDelay for the kill.
func (a *Agent) terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}
	_ = cmd.Wait()
}


