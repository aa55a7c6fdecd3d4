package operator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Bash runs a templated command with `bash -c`. Stdout and stderr go to the
// task log; the last non-empty stdout line is the task output.
type Bash struct {
	cfg types.BashConfig
}

func newBash(spec *types.TaskSpec) (Operator, error) {
	if spec.Bash == nil || spec.Bash.Command == "" {
		return nil, fmt.Errorf("%w: bash.command", ErrMissingConfig)
	}
	return &Bash{cfg: *spec.Bash}, nil
}

func (b *Bash) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	command, err := render(ctx, tc, "command", b.cfg.Command)
	if err != nil {
		return nil, err
	}
	job := tc.Job

	env := os.Environ()
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"DAG_ID="+job.DAGID,
		"RUN_ID="+job.RunID,
		"TASK_ID="+job.TaskID,
		"LOGICAL_DATE="+job.LogicalDate.UTC().Format(time.RFC3339),
		"TRY_NUMBER="+strconv.Itoa(job.Attempt),
	)

	stdout := &lineWriter{out: tc.Log}
	stderr := &lineWriter{out: tc.Log}

	c := exec.CommandContext(ctx, "bash", "-c", command)
	c.Env = env
	c.Dir = b.cfg.Cwd
	c.Stdout = stdout
	c.Stderr = stderr
	// Background children may keep the pipes open after bash exits
	c.WaitDelay = 5 * time.Second

	tc.Logger.Debug("running bash command", slog.String("command", command))
	err = c.Run()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return nil, fmt.Errorf("run command: %w", err)
	}

	if b.cfg.SkipXComPush {
		return nil, nil
	}
	if last := stdout.LastLine(); last != "" {
		return last, nil
	}
	return nil, nil
}

// lineWriter forwards complete lines to out and remembers the last
// non-empty one.
type lineWriter struct {
	mu      sync.Mutex
	out     io.Writer
	partial []byte
	last    string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) > 0 {
		w.last = string(line)
	}
	if w.out != nil {
		w.out.Write(append(append([]byte(nil), line...), '\n'))
	}
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
