package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

var (
	// ErrNoAgent is returned by Start when the target device has no live agent.
	ErrNoAgent        = errors.New("no agent connected for device")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobTerminal    = errors.New("job already finished")
	ErrInvalidRequest = errors.New("invalid job request")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Failure reasons attached to synthetic results.
const (
	ReasonAgentDisconnected = "agent disconnected"
	ReasonTimeout           = "timeout"
	ReasonCanceled          = "canceled by operator"
	ReasonShutdown          = "server shutdown"
)

// Dispatcher is the subset of the agent session manager the orchestrator uses.
type Dispatcher interface {
	IsOnline(deviceID string) bool
	SendJob(deviceID string, frame protocol.JobRunScript) (sessionID string, err error)
	SendCancel(deviceID, jobID string) error
}

// Broadcaster fans job events out to dashboards. It must not block.
type Broadcaster interface {
	BroadcastToDevice(deviceID string, payload any) int
}

// Recorder archives finished jobs. Optional.
type Recorder interface {
	RecordJob(ctx context.Context, job Snapshot) error
}

type Config struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	// Retention is how long terminal jobs stay queryable in memory.
	Retention time.Duration `mapstructure:"retention"`
}

type StartRequest struct {
	DeviceID    string
	Script      string
	Language    string
	TimeoutSec  int
	Args        []string
	Env         map[string]string
	RequestedBy string
}

type LogChunk struct {
	Seq    int       `json:"seq"`
	Stream string    `json:"stream,omitempty"`
	Data   string    `json:"data"`
	At     time.Time `json:"at"`
}

// Snapshot is a consistent copy of a job taken under its lock.
type Snapshot struct {
	ID          string     `json:"jobId"`
	DeviceID    string     `json:"deviceId"`
	Status      Status     `json:"status"`
	Script      string     `json:"script"`
	Language    string     `json:"language"`
	TimeoutSec  int        `json:"timeoutSec"`
	Log         []LogChunk `json:"log"`
	Progress    int        `json:"progress"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// job is guarded by mu. Every mutation and every broadcast about the job
// happens under mu, which gives subscribers per-job ordering.
type job struct {
	mu sync.Mutex

	id          string
	deviceID    string
	sessionID   string
	status      Status
	script      string
	language    string
	timeoutSec  int
	args        []string
	env         map[string]string
	log         []LogChunk
	progress    int
	exitCode    *int
	stdout      string
	stderr      string
	reason      string
	requestedBy string
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time
	timer       *time.Timer
}

func (j *job) snapshot() Snapshot {
	s := Snapshot{
		ID:          j.id,
		DeviceID:    j.deviceID,
		Status:      j.status,
		Script:      j.script,
		Language:    j.language,
		TimeoutSec:  j.timeoutSec,
		Log:         append([]LogChunk(nil), j.log...),
		Progress:    j.progress,
		Stdout:      j.stdout,
		Stderr:      j.stderr,
		Reason:      j.reason,
		RequestedBy: j.requestedBy,
		CreatedAt:   j.createdAt,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		s.ExitCode = &code
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// event builds the dashboard update describing the job's current state.
func (j *job) event() protocol.JobRunUpdated {
	progress := j.progress
	ev := protocol.JobRunUpdated{
		T:        protocol.EventJobRunUpdated,
		JobID:    j.id,
		DeviceID: j.deviceID,
		Status:   string(j.status),
		Progress: &progress,
		Reason:   j.reason,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		ev.ExitCode = &code
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		ev.FinishedAt = &t
	}
	return ev
}
