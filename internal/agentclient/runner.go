package agentclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

const (
	defaultMaxOutput = 1 << 20
	maxChunkSize     = 16 << 10
	killGracePeriod  = 5 * time.Second
	exitCodeAborted  = -1
)

// Runner executes scripts through the host shell. Each job runs in its own
// process; Cancel kills it.
type Runner struct {
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	canceled  map[string]bool
	maxOutput int
}

func NewRunner() *Runner {
	return &Runner{
		running:   make(map[string]context.CancelFunc),
		canceled:  make(map[string]bool),
		maxOutput: defaultMaxOutput,
	}
}

// Capabilities lists the script languages this host can run.
func Capabilities() []string {
	var caps []string
	if _, err := exec.LookPath("bash"); err == nil {
		caps = append(caps, protocol.LanguageBash)
	}
	if _, err := powerShellPath(); err == nil {
		caps = append(caps, protocol.LanguagePowerShell)
	}
	return caps
}

// Run executes job and blocks until it exits, is canceled or times out.
// Output lines are reported through progress as they are produced.
func (r *Runner) Run(ctx context.Context, job protocol.JobRunScript, progress func(protocol.JobProgress)) protocol.JobResult {
	startedAt := time.Now().UTC()

	var cancel context.CancelFunc
	if job.TimeoutSec > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSec)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.track(job.JobID, cancel)
	defer r.untrack(job.JobID)

	stdout := newStreamWriter(job.JobID, "stdout", r.maxOutput, progress)
	stderr := newStreamWriter(job.JobID, "stderr", r.maxOutput, progress)

	exitCode := 0
	cmd, err := command(ctx, job)
	if err == nil {
		cmd.Env = append(os.Environ(), envList(job.Env)...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = killGracePeriod
		err = cmd.Run()
	}
	stdout.Flush()
	stderr.Flush()

	var exitErr *exec.ExitError
	switch {
	case r.wasCanceled(job.JobID):
		exitCode = exitCodeAborted
		stderr.note("job canceled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exitCode = exitCodeAborted
		stderr.note(fmt.Sprintf("job timed out after %ds", job.TimeoutSec))
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil:
		exitCode = exitCodeAborted
		stderr.note(err.Error())
	}

	return protocol.JobResult{
		JobID:      job.JobID,
		ExitCode:   &exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  startedAt.Format(time.RFC3339Nano),
		FinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Cancel kills a running job. It reports whether the job was running.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.running[jobID]
	if !ok {
		return false
	}
	r.canceled[jobID] = true
	cancel()
	return true
}

func (r *Runner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for jobID, cancel := range r.running {
		r.canceled[jobID] = true
		cancel()
	}
}

// Running returns the number of jobs in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) track(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[jobID] = cancel
}

func (r *Runner) untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
	delete(r.canceled, jobID)
}

func (r *Runner) wasCanceled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled[jobID]
}

func command(ctx context.Context, job protocol.JobRunScript) (*exec.Cmd, error) {
	switch job.Language {
	case "", protocol.LanguageBash:
		args := append([]string{"-c", job.ScriptText, "bash"}, job.Args...)
		return exec.CommandContext(ctx, "bash", args...), nil
	case protocol.LanguagePowerShell:
		shell, err := powerShellPath()
		if err != nil {
			return nil, err
		}
		args := append([]string{"-NoProfile", "-NonInteractive", "-Command", job.ScriptText}, job.Args...)
		return exec.CommandContext(ctx, shell, args...), nil
	default:
		return nil, fmt.Errorf("unsupported language %q", job.Language)
	}
}

func powerShellPath() (string, error) {
	for _, name := range []string{"pwsh", "powershell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("powershell is not installed")
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

// streamWriter collects one output stream of a job and reports every
// complete line as a progress chunk.
type streamWriter struct {
	jobID    string
	stream   string
	max      int
	progress func(protocol.JobProgress)

	mu        sync.Mutex
	buf       bytes.Buffer
	pending   []byte
	truncated bool
}

func newStreamWriter(jobID, stream string, max int, progress func(protocol.JobProgress)) *streamWriter {
	return &streamWriter{jobID: jobID, stream: stream, max: max, progress: progress}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keep(p)

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.pending[:i+1]))
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) >= maxChunkSize {
		w.emit(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

// Flush reports a trailing line without a newline.
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *streamWriter) note(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 && !bytes.HasSuffix(w.buf.Bytes(), []byte("\n")) {
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(msg)
}

func (w *streamWriter) keep(p []byte) {
	room := w.max - w.buf.Len()
	if room <= 0 {
		if !w.truncated {
			slog.Warn("Job output truncated", "job_id", w.jobID, "stream", w.stream, "max_bytes", w.max)
			w.truncated = true
		}
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	w.buf.Write(p)
}

func (w *streamWriter) emit(chunk string) {
	if w.progress == nil {
		return
	}
	w.progress(protocol.JobProgress{JobID: w.jobID, Chunk: chunk, Stream: w.stream})
}
