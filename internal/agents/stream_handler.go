package agents

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/protocol"
)

// maxConsecutiveMalformed is how many bad frames in a row are tolerated
// before the connection is treated as a protocol violation.
const maxConsecutiveMalformed = 16

var ErrHandshake = errors.New("first frame must be hello")

// FrameConn is an agent connection as seen by the stream handler.
type FrameConn interface {
	Transport
	ReadMessage() ([]byte, error)
	RemoteAddr() string
}

type StreamHandler struct {
	connManager *ConnectionManager
}

func NewStreamHandler(connManager *ConnectionManager) *StreamHandler {
	return &StreamHandler{
		connManager: connManager,
	}
}

// HandleConn runs the agent protocol on conn until it closes. It blocks for
// the lifetime of the connection.
func (sh *StreamHandler) HandleConn(conn FrameConn) error {
	data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive first message: %w", err)
	}

	frame, err := protocol.DecodeAgentFrame(data)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	hello, ok := frame.(protocol.Hello)
	if !ok {
		_ = conn.Close()
		return ErrHandshake
	}

	slog.Info("Agent connection established", "agent_id", hello.AgentID, "remote_addr", conn.RemoteAddr())

	sessionID := sh.connManager.Register(hello, conn, conn.RemoteAddr())
	if err := conn.Send(protocol.NewAck(hello.AgentID)); err != nil {
		sh.connManager.Deregister(hello.AgentID, sessionID, ReasonDisconnected)
		return fmt.Errorf("failed to acknowledge hello: %w", err)
	}

	reason := ReasonDisconnected
	defer func() {
		if sh.connManager.Deregister(hello.AgentID, sessionID, reason) {
			slog.Info("Agent disconnected", "agent_id", hello.AgentID, "session_id", sessionID, "reason", reason)
		}
	}()

	malformed := 0
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		frame, err := protocol.DecodeAgentFrame(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownFrame):
			slog.Warn("Unknown message type", "agent_id", hello.AgentID, "error", err)
			malformed = 0
			continue
		case err != nil:
			malformed++
			slog.Warn("Dropping malformed frame", "agent_id", hello.AgentID, "error", err, "consecutive", malformed)
			if malformed >= maxConsecutiveMalformed {
				reason = ReasonProtocolViolation
				return fmt.Errorf("agent %s: too many malformed frames", hello.AgentID)
			}
			continue
		}
		malformed = 0

		if err := sh.processFrame(hello.AgentID, sessionID, conn, frame); err != nil {
			if errors.Is(err, ErrStaleSession) {
				slog.Info("Session replaced, closing reader", "agent_id", hello.AgentID, "session_id", sessionID)
				return nil
			}
			slog.Error("Failed to process message", "agent_id", hello.AgentID, "error", err)
		}
	}
}

func (sh *StreamHandler) processFrame(agentID, sessionID string, conn Transport, frame protocol.AgentInbound) error {
	switch f := frame.(type) {
	case protocol.Hello:
		if f.AgentID != agentID {
			slog.Warn("Ignoring hello with different agent id", "agent_id", agentID, "hello_agent_id", f.AgentID)
			return nil
		}
		return sh.connManager.UpdateIdentity(sessionID, f)

	case protocol.Heartbeat:
		return sh.connManager.Heartbeat(agentID, sessionID, f)

	case protocol.JobProgress:
		return sh.connManager.ForwardJobProgress(agentID, sessionID, f)

	case protocol.JobResult:
		if err := sh.connManager.ForwardJobResult(agentID, sessionID, f); err != nil {
			return err
		}
		if err := conn.Send(protocol.NewAck(f.JobID)); err != nil {
			return fmt.Errorf("failed to acknowledge job result: %w", err)
		}
		return nil

	default:
		slog.Warn("Unhandled frame", "agent_id", agentID, "type", fmt.Sprintf("%T", frame))
		return nil
	}
}
