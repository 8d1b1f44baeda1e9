package protocol

import "time"

// Dashboard -> server discriminators.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server -> dashboard discriminators.
const (
	EventJobRunUpdated  = "job.run.updated"
	EventDevicePresence = "device.presence"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventPong           = "pong"
	EventError          = "error"
)

// UiInbound is one of Subscribe, Unsubscribe, Ping.
type UiInbound interface {
	uiInbound()
}

type Subscribe struct {
	DeviceID string `json:"deviceId"`
}

type Unsubscribe struct {
	DeviceID string `json:"deviceId"`
}

type Ping struct{}

func (Subscribe) uiInbound()   {}
func (Unsubscribe) uiInbound() {}
func (Ping) uiInbound()        {}

// DecodeUiFrame parses a frame sent by a dashboard.
func DecodeUiFrame(data []byte) (UiInbound, error) {
	t, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeSubscribe:
		var f Subscribe
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.DeviceID == "" {
			return nil, missing(t, "deviceId")
		}
		return f, nil

	case TypeUnsubscribe:
		var f Unsubscribe
		if err := decodeInto(data, &f); err != nil {
			return nil, err
		}
		if f.DeviceID == "" {
			return nil, missing(t, "deviceId")
		}
		return f, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, unknown(t)
	}
}

// UiEvent is any frame pushed to a dashboard socket.
type UiEvent interface {
	uiEvent()
}

// JobRunUpdated is broadcast on every job state change and log chunk.
type JobRunUpdated struct {
	T          string     `json:"t"`
	JobID      string     `json:"jobId"`
	DeviceID   string     `json:"deviceId"`
	Status     string     `json:"status"`
	Progress   *int       `json:"progress,omitempty"`
	Chunk      *string    `json:"chunk,omitempty"`
	Stream     string     `json:"stream,omitempty"`
	Seq        int        `json:"seq,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type DevicePresence struct {
	T               string     `json:"t"`
	DeviceID        string     `json:"deviceId"`
	Online          bool       `json:"online"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}

type Subscribed struct {
	T        string `json:"t"`
	DeviceID string `json:"deviceId"`
}

type Unsubscribed struct {
	T        string `json:"t"`
	DeviceID string `json:"deviceId"`
}

type Pong struct {
	T string `json:"t"`
}

type Error struct {
	T       string `json:"t"`
	Message string `json:"message"`
}

func (JobRunUpdated) uiEvent()  {}
func (DevicePresence) uiEvent() {}
func (Subscribed) uiEvent()     {}
func (Unsubscribed) uiEvent()   {}
func (Pong) uiEvent()           {}
func (Error) uiEvent()          {}

func NewDevicePresence(deviceID string, online bool, lastHeartbeatAt time.Time) DevicePresence {
	ev := DevicePresence{T: EventDevicePresence, DeviceID: deviceID, Online: online}
	if !lastHeartbeatAt.IsZero() {
		ts := lastHeartbeatAt
		ev.LastHeartbeatAt = &ts
	}
	return ev
}

func NewError(message string) Error {
	return Error{T: EventError, Message: message}
}
