package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
)

const (
	defaultTimeout    = 5 * time.Minute
	defaultMaxTimeout = time.Hour
	defaultRetention  = time.Hour
	recorderTimeout   = 5 * time.Second
	maxProgress       = 100
)

// Orchestrator owns every job. Lock order: a job's mu may be held while
// taking o.mu, never the reverse.
type Orchestrator struct {
	jobs map[string]*job
	mu   sync.RWMutex

	cfg         Config
	dispatcher  Dispatcher
	broadcaster Broadcaster
	recorder    Recorder
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOrchestrator creates the orchestrator and starts the retention janitor.
// recorder may be nil.
func NewOrchestrator(cfg Config, dispatcher Dispatcher, broadcaster Broadcaster, recorder Recorder) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = defaultMaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	o := &Orchestrator{
		jobs:        make(map[string]*job),
		cfg:         cfg,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		recorder:    recorder,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	go o.janitor()
	return o
}

// Start dispatches a script to the device's agent. It fails fast with
// ErrNoAgent when the device is not online; nothing is queued for later.
func (o *Orchestrator) Start(req StartRequest) (string, error) {
	language, err := normalizeLanguage(req.Language)
	if err != nil {
		return "", err
	}
	if req.DeviceID == "" {
		return "", fmt.Errorf("%w: deviceId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Script) == "" {
		return "", fmt.Errorf("%w: script is required", ErrInvalidRequest)
	}
	if req.TimeoutSec < 0 {
		return "", fmt.Errorf("%w: timeoutSec must not be negative", ErrInvalidRequest)
	}

	if !o.dispatcher.IsOnline(req.DeviceID) {
		return "", ErrNoAgent
	}

	timeout := o.timeoutFor(req.TimeoutSec)
	j := &job{
		id:          uuid.New().String(),
		deviceID:    req.DeviceID,
		status:      StatusQueued,
		script:      req.Script,
		language:    language,
		timeoutSec:  int(timeout / time.Second),
		args:        append([]string(nil), req.Args...),
		env:         copyEnv(req.Env),
		requestedBy: req.RequestedBy,
		createdAt:   o.now(),
	}

	// Held across dispatch so frames for this job wait until it is running.
	j.mu.Lock()
	defer j.mu.Unlock()

	o.mu.Lock()
	o.jobs[j.id] = j
	o.mu.Unlock()

	sessionID, err := o.dispatcher.SendJob(req.DeviceID, protocol.JobRunScript{
		T:          protocol.TypeJobRunScript,
		JobID:      j.id,
		Language:   language,
		ScriptText: req.Script,
		Args:       j.args,
		Env:        j.env,
		TimeoutSec: j.timeoutSec,
	})
	if err != nil {
		o.mu.Lock()
		delete(o.jobs, j.id)
		o.mu.Unlock()

		slog.Warn("Job dispatch failed", "device_id", req.DeviceID, "error", err)
		return "", ErrNoAgent
	}

	j.sessionID = sessionID
	j.status = StatusRunning
	j.startedAt = o.now()
	j.progress = 0
	jobID := j.id
	j.timer = time.AfterFunc(timeout, func() { o.expire(jobID) })

	slog.Info("Job started",
		"job_id", j.id,
		"device_id", j.deviceID,
		"language", language,
		"timeout", timeout,
		"requested_by", req.RequestedBy)

	o.publish(j, j.event())
	return j.id, nil
}

// HandleJobProgress appends a log chunk and/or progress update from the agent.
func (o *Orchestrator) HandleJobProgress(agentID string, progress protocol.JobProgress) {
	j := o.lookup(progress.JobID)
	if j == nil {
		slog.Debug("Progress for unknown job", "agent_id", agentID, "job_id", progress.JobID)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !o.acceptFrom(j, agentID) {
		return
	}

	ev := j.event()
	if progress.Progress != nil {
		j.progress = clampProgress(*progress.Progress)
		p := j.progress
		ev.Progress = &p
	}
	if progress.Chunk != "" {
		chunk := LogChunk{
			Seq:    len(j.log) + 1,
			Stream: progress.Stream,
			Data:   progress.Chunk,
			At:     o.now(),
		}
		j.log = append(j.log, chunk)

		data := chunk.Data
		ev.Chunk = &data
		ev.Stream = chunk.Stream
		ev.Seq = chunk.Seq
	}

	o.publish(j, ev)
}

// HandleJobResult finalizes the job from the agent's result. Results for
// jobs already in a terminal state are ignored.
func (o *Orchestrator) HandleJobResult(agentID string, result protocol.JobResult) {
	j := o.lookup(result.JobID)
	if j == nil {
		slog.Debug("Result for unknown job", "agent_id", agentID, "job_id", result.JobID)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !o.acceptFrom(j, agentID) {
		return
	}

	exitCode := 0
	if result.ExitCode != nil {
		exitCode = *result.ExitCode
	}
	j.exitCode = &exitCode
	j.stdout = result.Stdout
	j.stderr = result.Stderr

	status := StatusFailed
	if exitCode == 0 {
		status = StatusSucceeded
		j.progress = maxProgress
	}
	o.finish(j, status, "")
}

// HandleSessionClosed fails every outstanding job dispatched over the closed
// session.
func (o *Orchestrator) HandleSessionClosed(agentID, sessionID string) {
	for _, j := range o.jobsForDevice(agentID) {
		j.mu.Lock()
		if !j.status.Terminal() && j.sessionID == sessionID {
			slog.Warn("Failing job, agent disconnected", "job_id", j.id, "device_id", agentID)
			o.finish(j, StatusFailed, ReasonAgentDisconnected)
		}
		j.mu.Unlock()
	}
}

// Cancel marks the job canceled immediately and sends a best-effort cancel
// to the agent. A result that arrives afterwards is ignored.
func (o *Orchestrator) Cancel(jobID string) (Snapshot, error) {
	j := o.lookup(jobID)
	if j == nil {
		return Snapshot{}, ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return j.snapshot(), ErrJobTerminal
	}

	o.finish(j, StatusCanceled, ReasonCanceled)

	if err := o.dispatcher.SendCancel(j.deviceID, j.id); err != nil {
		slog.Debug("Cancel signal not delivered", "job_id", j.id, "device_id", j.deviceID, "error", err)
	}

	slog.Info("Job canceled", "job_id", j.id, "device_id", j.deviceID)
	return j.snapshot(), nil
}

func (o *Orchestrator) expire(jobID string) {
	j := o.lookup(jobID)
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusRunning {
		return
	}

	slog.Warn("Job timed out", "job_id", j.id, "device_id", j.deviceID, "timeout_sec", j.timeoutSec)
	o.finish(j, StatusFailed, ReasonTimeout)

	if err := o.dispatcher.SendCancel(j.deviceID, j.id); err != nil {
		slog.Debug("Cancel signal not delivered", "job_id", j.id, "error", err)
	}
}

// finish performs the single terminal transition. Caller holds j.mu.
func (o *Orchestrator) finish(j *job, status Status, reason string) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.status = status
	j.reason = reason
	j.finishedAt = o.now()

	slog.Info("Job finished",
		"job_id", j.id,
		"device_id", j.deviceID,
		"status", status,
		"reason", reason)

	o.publish(j, j.event())

	if o.recorder != nil {
		snapshot := j.snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
			defer cancel()
			if err := o.recorder.RecordJob(ctx, snapshot); err != nil {
				slog.Error("Failed to archive job", "job_id", snapshot.ID, "error", err)
			}
		}()
	}
}

// acceptFrom checks that a frame may mutate j. Caller holds j.mu.
func (o *Orchestrator) acceptFrom(j *job, agentID string) bool {
	if j.deviceID != agentID {
		slog.Warn("Ignoring job frame from foreign agent", "job_id", j.id, "device_id", j.deviceID, "agent_id", agentID)
		return false
	}
	if j.status.Terminal() {
		slog.Debug("Ignoring frame for finished job", "job_id", j.id, "status", j.status)
		return false
	}
	return true
}

func (o *Orchestrator) publish(j *job, ev protocol.JobRunUpdated) {
	if o.broadcaster == nil {
		return
	}
	sent := o.broadcaster.BroadcastToDevice(j.deviceID, ev)
	slog.Debug("Job update broadcast", "job_id", j.id, "status", ev.Status, "sent", sent)
}

// Get returns a snapshot of the job, including its log so far.
func (o *Orchestrator) Get(jobID string) (Snapshot, error) {
	j := o.lookup(jobID)
	if j == nil {
		return Snapshot{}, ErrJobNotFound
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), nil
}

// ListByDevice returns snapshots of the device's retained jobs, newest first.
func (o *Orchestrator) ListByDevice(deviceID string) []Snapshot {
	jobs := o.jobsForDevice(deviceID)
	result := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		result = append(result, j.snapshot())
		j.mu.Unlock()
	}

	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.After(result[k].CreatedAt) })
	return result
}

// JobEvents returns the current state of each retained job of the device as
// dashboard events, oldest first.
func (o *Orchestrator) JobEvents(deviceID string) []protocol.JobRunUpdated {
	jobs := o.jobsForDevice(deviceID)
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].createdAt.Before(jobs[k].createdAt) })

	events := make([]protocol.JobRunUpdated, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		events = append(events, j.event())
		j.mu.Unlock()
	}
	return events
}

// Count returns the number of retained jobs.
func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.jobs)
}

func (o *Orchestrator) lookup(jobID string) *job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.jobs[jobID]
}

func (o *Orchestrator) jobsForDevice(deviceID string) []*job {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var result []*job
	for _, j := range o.jobs {
		if j.deviceID == deviceID {
			result = append(result, j)
		}
	}
	return result
}

func (o *Orchestrator) timeoutFor(timeoutSec int) time.Duration {
	if timeoutSec <= 0 {
		return o.cfg.DefaultTimeout
	}
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout > o.cfg.MaxTimeout {
		return o.cfg.MaxTimeout
	}
	return timeout
}

func (o *Orchestrator) janitor() {
	interval := o.cfg.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.evictExpired()
		case <-o.stopCh:
			return
		}
	}
}

// evictExpired drops terminal jobs older than the retention period.
func (o *Orchestrator) evictExpired() int {
	cutoff := o.now().Add(-o.cfg.Retention)

	o.mu.RLock()
	candidates := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		candidates = append(candidates, j)
	}
	o.mu.RUnlock()

	evicted := 0
	for _, j := range candidates {
		j.mu.Lock()
		if j.status.Terminal() && j.finishedAt.Before(cutoff) {
			o.mu.Lock()
			delete(o.jobs, j.id)
			o.mu.Unlock()
			evicted++
		}
		j.mu.Unlock()
	}

	if evicted > 0 {
		slog.Debug("Evicted finished jobs", "count", evicted)
	}
	return evicted
}

// Stop halts the janitor and fails every outstanding job.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)

		o.mu.RLock()
		jobs := make([]*job, 0, len(o.jobs))
		for _, j := range o.jobs {
			jobs = append(jobs, j)
		}
		o.mu.RUnlock()

		for _, j := range jobs {
			j.mu.Lock()
			if !j.status.Terminal() {
				o.finish(j, StatusFailed, ReasonShutdown)
			}
			j.mu.Unlock()
		}
	})
}

func normalizeLanguage(language string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", protocol.LanguageBash, "sh":
		return protocol.LanguageBash, nil
	case protocol.LanguagePowerShell, "pwsh":
		return protocol.LanguagePowerShell, nil
	default:
		return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidRequest, language)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxProgress {
		return maxProgress
	}
	return p
}

func copyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
