package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

const maxStderr = 4096

// Exec runs an external command per task, writing the payload as JSON to its
// stdin and taking stdout as the result. Dir, when set, is the command's
// working directory.
type Exec struct {
	Command        string
	Args           []string
	RetryableCodes []int
	Dir            string
}

func NewExec(command string, args []string, retryable []int) *Exec {
	return &Exec{Command: command, Args: args, RetryableCodes: retryable}
}

func (e *Exec) Process(ctx context.Context, p Payload) (Result, error) {
	in, err := json.Marshal(p)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("encode payload: %w", err))
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, Transient(fmt.Errorf("%s: %w", e.Command, ctxErr))
		}
		msg := strings.TrimSpace(tail(stderr.String(), maxStderr))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			wrapped := fmt.Errorf("%s exited with code %d: %s", e.Command, code, msg)
			if slices.Contains(e.RetryableCodes, code) {
				return Result{}, Transient(wrapped)
			}
			return Result{}, Permanent(wrapped)
		}
		// Could not start the command at all.
		return Result{}, Transient(fmt.Errorf("run %s: %w", e.Command, err))
	}
	return Result{Output: asJSON(stdout.Bytes())}, nil
}

// asJSON keeps valid JSON as is and quotes anything else.
func asJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
