package protocol

import (
	"encoding/json"
	"time"
)

// Agent -> server discriminators.
const (
	TypeHello       = "hello"
	TypeHeartbeat   = "hb"
	TypeJobProgress = "job_progress"
	TypeJobResult   = "job_result"
)

// Server -> agent discriminators.
const (
	TypeAck          = "ack"
	TypeJobRunScript = "job_run_script"
	TypeJobCancel    = "job_cancel"
)

const (
	LanguageBash       = "bash"
	LanguagePowerShell = "powershell"
)

// AgentInbound is one of Hello, Heartbeat, JobProgress, JobResult.
type AgentInbound interface {
	agentInbound()
}

type Hello struct {
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
}

type Metrics struct {
	CPU *float64 `json:"cpu,omitempty"`
	Mem *float64 `json:"mem,omitempty"`
}

type Heartbeat struct {
	At      string   `json:"at"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Timestamp parses At. Unparseable or missing values return the zero time.
func (h Heartbeat) Timestamp() time.Time {
	if h.At == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, h.At)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// JobProgress carries a partial update for a running job.
type JobProgress struct {
	JobID    string `json:"jobId"`
	Progress *int   `json:"progress,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	Stream   string `json:"stream,omitempty"`
}

type JobResult struct {
	JobID      string `json:"jobId"`
	ExitCode   *int   `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

func (Hello) agentInbound()       {}
func (Heartbeat) agentInbound()   {}
func (JobProgress) agentInbound() {}
func (JobResult) agentInbound()   {}

// DecodeAgentFrame parses a frame sent by an agent.
func DecodeAgentFrame(data []byte) (AgentInbound, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeHello:
		var f Hello
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.AgentID == "" {
			return nil, missing(t, "agentId")
		}
		return f, nil

	case TypeHeartbeat:
		var f Heartbeat
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeJobProgress:
		var f JobProgress
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.JobID == "" {
			return nil, missing(t, "jobId")
		}
		return f, nil

	case TypeJobResult:
		var f JobResult
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.JobID == "" {
			return nil, missing(t, "jobId")
		}
		if f.ExitCode == nil {
			return nil, missing(t, "exitCode")
		}
		return f, nil

	default:
		return nil, unknown(t)
	}
}

// AgentOutbound is one of Ack, JobRunScript, JobCancel.
type AgentOutbound interface {
	agentOutbound()
}

type Ack struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

type JobRunScript struct {
	T          string            `json:"t"`
	JobID      string            `json:"jobId"`
	Language   string            `json:"language"`
	ScriptText string            `json:"scriptText"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

type JobCancel struct {
	T     string `json:"t"`
	JobID string `json:"jobId"`
}

func (Ack) agentOutbound()          {}
func (JobRunScript) agentOutbound() {}
func (JobCancel) agentOutbound()    {}

func NewAck(id string) Ack {
	return Ack{T: TypeAck, ID: id}
}

func NewJobCancel(jobID string) JobCancel {
	return JobCancel{T: TypeJobCancel, JobID: jobID}
}

// DecodeServerFrame parses a frame sent by the server to an agent.
func DecodeServerFrame(data []byte) (AgentOutbound, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeAck:
		var f Ack
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeJobRunScript:
		var f JobRunScript
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.JobID == "" {
			return nil, missing(t, "jobId")
		}
		return f, nil

	case TypeJobCancel:
		var f JobCancel
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.JobID == "" {
			return nil, missing(t, "jobId")
		}
		return f, nil

	default:
		return nil, unknown(t)
	}
}

// EncodeAgentFrame marshals an agent -> server frame with its discriminator.
func EncodeAgentFrame(f AgentInbound) ([]byte, error) {
	var t string
	switch f.(type) {
	case Hello:
		t = TypeHello
	case Heartbeat:
		t = TypeHeartbeat
	case JobProgress:
		t = TypeJobProgress
	case JobResult:
		t = TypeJobResult
	}

	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["t"], _ = json.Marshal(t)
	return json.Marshal(fields)
}
