// Package runner executes external commands under a deadline and captures
// their output.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/wallet-provisioner/internal/errors"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/types"
)

// Command describes one process to run
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
}

// Result is the terminal outcome of a run. ExitCode is nil unless the process
// exited on its own.
type Result struct {
	RunID             string                  `json:"runId"`
	Command           string                  `json:"command"`
	Args              []string                `json:"args"`
	StartedAt         time.Time               `json:"startedAt"`
	FinishedAt        time.Time               `json:"finishedAt"`
	DurationMs        int64                   `json:"durationMs"`
	TimeoutMs         int64                   `json:"timeoutMs"`
	ExitCode          *int                    `json:"exitCode"`
	Stdout            string                  `json:"stdout"`
	Stderr            string                  `json:"stderr"`
	Truncated         bool                    `json:"truncated,omitempty"`
	TerminationReason types.TerminationReason `json:"terminationReason"`
	Parsed            json.RawMessage         `json:"parsed,omitempty"`
	Error             string                  `json:"error,omitempty"`

	spawnErr error
}

// Success reports whether the process exited with code 0
func (r *Result) Success() bool {
	return r.TerminationReason == types.TerminationExited && r.ExitCode != nil && *r.ExitCode == 0
}

// Err returns the categorized error for runs that did not exit on their own
func (r *Result) Err() error {
	switch r.TerminationReason {
	case types.TerminationTimedOut:
		return apperrors.NewTimeoutError(r.Command, time.Duration(r.TimeoutMs)*time.Millisecond)
	case types.TerminationSpawnError:
		return apperrors.NewSpawnError(r.Command, r.spawnErr)
	default:
		return nil
	}
}

// Options configures a Runner
type Options struct {
	// KillGrace is how long a process gets between SIGTERM and SIGKILL once
	// its deadline passes.
	KillGrace time.Duration
	// MaxOutputBytes caps each captured stream. 0 keeps everything.
	MaxOutputBytes int
}

// Runner runs commands. It is safe for concurrent use.
type Runner struct {
	killGrace time.Duration
	maxOutput int
}

// New creates a Runner
func New(opts Options) *Runner {
	grace := opts.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Runner{killGrace: grace, maxOutput: opts.MaxOutputBytes}
}

// Run starts the command and blocks until it exits, its timeout fires or ctx
// is done, whichever happens first. Exactly one of those outcomes is recorded.
// Cancellation of ctx is reported as TIMED_OUT.
func (r *Runner) Run(ctx context.Context, cmd Command) *Result {
	result := &Result{
		RunID:     uuid.New().String(),
		Command:   cmd.Name,
		Args:      append([]string{}, cmd.Args...),
		StartedAt: time.Now().UTC(),
		TimeoutMs: cmd.Timeout.Milliseconds(),
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"runId":   result.RunID,
		"command": cmd.Name,
	})

	stdout := newOutputBuffer(r.maxOutput, logger.WithField("stream", "stdout"))
	stderr := newOutputBuffer(r.maxOutput, logger.WithField("stream", "stderr"))

	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = stdout
	c.Stderr = stderr
	// Bounds how long Wait blocks on pipes still held open by grandchildren.
	c.WaitDelay = r.killGrace
	configureProcessGroup(c)

	var once sync.Once
	finish := func(reason types.TerminationReason, exitCode *int) {
		once.Do(func() {
			result.FinishedAt = time.Now().UTC()
			result.DurationMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
			result.TerminationReason = reason
			result.ExitCode = exitCode
			result.Stdout = stdout.String()
			result.Stderr = stderr.String()
			result.Truncated = stdout.Truncated() || stderr.Truncated()
			result.Parsed = ExtractJSON(result.Stdout)
		})
	}

	logger.WithField("args", cmd.Args).Info("Starting process")
	if err := c.Start(); err != nil {
		result.spawnErr = err
		result.Error = err.Error()
		finish(types.TerminationSpawnError, nil)
		logger.WithError(err).Error("Failed to start process")
		return result
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var deadline <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		finish(types.TerminationExited, exitCodeOf(c, err))
		if err != nil && result.ExitCode == nil {
			result.Error = err.Error()
		}
		logger.WithFields(map[string]interface{}{
			"exitCode":   result.ExitCode,
			"durationMs": result.DurationMs,
		}).Info("Process exited")

	case <-deadline:
		r.stop(c, done)
		finish(types.TerminationTimedOut, nil)
		result.Error = "process killed after timeout"
		logger.WithField("timeoutMs", result.TimeoutMs).Warn("Process timed out")

	case <-ctx.Done():
		r.stop(c, done)
		finish(types.TerminationTimedOut, nil)
		result.Error = "process killed: " + ctx.Err().Error()
		logger.WithError(ctx.Err()).Warn("Process cancelled")
	}

	return result
}

// stop terminates the process group and waits for Wait to return so the
// captured output is complete.
func (r *Runner) stop(c *exec.Cmd, done <-chan error) {
	terminateProcessGroup(c)

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}

	killProcessGroup(c)
	<-done
}

func exitCodeOf(c *exec.Cmd, err error) *int {
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		// -1 means killed by a signal from outside this runner
		if code := exitErr.ExitCode(); code >= 0 {
			return &code
		}
		return nil
	}
	if c.ProcessState == nil {
		return nil
	}
	code := c.ProcessState.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

// ExtractJSON returns the JSON object embedded in output, or nil. It first
// tries the span from the first '{' to the last '}', then the last line that
// is a complete object on its own.
func ExtractJSON(output string) json.RawMessage {
	first := strings.Index(output, "{")
	last := strings.LastIndex(output, "}")
	if first >= 0 && last > first {
		candidate := []byte(output[first : last+1])
		if json.Valid(candidate) {
			return json.RawMessage(candidate)
		}
	}

	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") && json.Valid([]byte(line)) {
			return json.RawMessage(line)
		}
	}
	return nil
}

// outputBuffer collects one stream and mirrors it line by line to the log
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	pending   []byte
	logger    *logging.Logger
}

func newOutputBuffer(limit int, logger *logging.Logger) *outputBuffer {
	return &outputBuffer{limit: limit, logger: logger}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chunk := p
	if b.limit > 0 {
		remaining := b.limit - b.buf.Len()
		if remaining < len(chunk) {
			b.truncated = true
			if remaining < 0 {
				remaining = 0
			}
			chunk = chunk[:remaining]
		}
	}
	b.buf.Write(chunk)
	b.logLines(p)

	// Reporting a short write would make exec abort the copy.
	return len(p), nil
}

func (b *outputBuffer) logLines(p []byte) {
	b.pending = append(b.pending, p...)
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		if line := strings.TrimRight(string(b.pending[:idx]), "\r"); line != "" {
			b.logger.Debug(line)
		}
		b.pending = b.pending[idx+1:]
	}
	if len(b.pending) > 4096 {
		b.logger.Debug(string(b.pending))
		b.pending = b.pending[:0]
	}
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
