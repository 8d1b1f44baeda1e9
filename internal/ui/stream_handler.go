package ui

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

// FrameConn is a dashboard connection as seen by the stream handler.
type FrameConn interface {
	Socket
	Send(v any) error
	ReadMessage() ([]byte, error)
}

// PresenceSource provides the current presence of a device.
type PresenceSource interface {
	Presence(deviceID string) protocol.DevicePresence
}

// JobEventSource provides the retained job states of a device.
type JobEventSource interface {
	JobEvents(deviceID string) []protocol.JobRunUpdated
}

type StreamHandler struct {
	registry *Registry
	presence PresenceSource
	jobs     JobEventSource
}

// NewStreamHandler creates a handler. presence and jobs may be nil, which
// disables replay on subscribe.
func NewStreamHandler(registry *Registry, presence PresenceSource, jobs JobEventSource) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		presence: presence,
		jobs:     jobs,
	}
}

// HandleConn registers conn for userID and serves its frames until it closes.
func (sh *StreamHandler) HandleConn(userID string, conn FrameConn) {
	sh.registry.Add(userID, conn)
	slog.Info("UI connection established", "user_id", userID, "socket_id", conn.ID())

	defer func() {
		sh.registry.Remove(conn)
		_ = conn.Close()
		slog.Info("UI disconnected", "user_id", userID, "socket_id", conn.ID())
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.DecodeUiFrame(data)
		if err != nil {
			slog.Warn("Invalid UI frame", "socket_id", conn.ID(), "error", err)
			if sendErr := conn.Send(protocol.NewError(err.Error())); sendErr != nil {
				return
			}
			continue
		}

		if err := sh.processFrame(conn, frame); err != nil {
			if errors.Is(err, ErrSocketNotFound) {
				// revoked while connected
				return
			}
			slog.Warn("Failed to process UI frame", "socket_id", conn.ID(), "error", err)
			return
		}
	}
}

func (sh *StreamHandler) processFrame(conn FrameConn, frame protocol.UiInbound) error {
	switch f := frame.(type) {
	case protocol.Subscribe:
		if err := sh.registry.Subscribe(conn, f.DeviceID); err != nil {
			return err
		}
		slog.Debug("UI subscribed", "socket_id", conn.ID(), "device_id", f.DeviceID)

		if err := conn.Send(protocol.Subscribed{T: protocol.EventSubscribed, DeviceID: f.DeviceID}); err != nil {
			return err
		}
		return sh.replay(conn, f.DeviceID)

	case protocol.Unsubscribe:
		if err := sh.registry.Unsubscribe(conn, f.DeviceID); err != nil {
			return err
		}
		return conn.Send(protocol.Unsubscribed{T: protocol.EventUnsubscribed, DeviceID: f.DeviceID})

	case protocol.Ping:
		return conn.Send(protocol.Pong{T: protocol.EventPong})

	default:
		return fmt.Errorf("unhandled frame %T", frame)
	}
}

// replay brings a new subscriber up to date. Events broadcast between the
// subscribe and the replay may arrive twice; every event carries the full
// job status so dashboards can apply them idempotently.
func (sh *StreamHandler) replay(conn FrameConn, deviceID string) error {
	if sh.presence != nil {
		if err := conn.Send(sh.presence.Presence(deviceID)); err != nil {
			return err
		}
	}
	if sh.jobs != nil {
		for _, ev := range sh.jobs.JobEvents(deviceID) {
			if err := conn.Send(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
