package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/ws"
	"github.com/google/uuid"
)

const (
	sendQueueSize    = 64
	defaultHeartbeat = 10 * time.Second
	helloAckTimeout  = 10 * time.Second
	initialDelay     = 1 * time.Second
	maxDelay         = 30 * time.Second
	backoffFactor    = 2
	agentTokenHeader = "X-Agent-Token"
)

var errNotConnected = errors.New("not connected")

type Config struct {
	ServerURL         string
	AgentID           string
	Token             string
	HeartbeatInterval time.Duration
	Version           string
	// ConfigPath receives a generated agent id so it survives restarts.
	ConfigPath string
}

// Client keeps one websocket session to the fleet server open, reconnecting
// with exponential backoff, and runs the scripts it is sent.
type Client struct {
	cfg     Config
	runner  *Runner
	metrics MetricsSource

	agentID string
	conn    *ws.Conn

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewClient creates a client. metrics may be nil, in which case heartbeats
// carry no host metrics.
func NewClient(cfg Config, runner *Runner, metrics MetricsSource) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		runner:            runner,
		metrics:           metrics,
		agentID:           cfg.AgentID,
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (c *Client) Start() error {
	if c.cfg.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if err := c.ensureAgentID(); err != nil {
		return err
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping agent client")
	close(c.stopCh)
	c.cancel()
	c.disconnect()
	<-c.doneCh
	c.runner.CancelAll()
	slog.Info("Agent client stopped")
	return nil
}

func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Connected reports whether the server acknowledged the current session.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) ensureAgentID() error {
	if c.AgentID() != "" {
		return nil
	}

	agentID := uuid.New().String()
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
	slog.Info("Generated agent id", "agent_id", agentID)

	if c.cfg.ConfigPath != "" {
		if err := UpdateConfigFile(c.cfg.ConfigPath, "agent", map[string]any{"id": agentID}); err != nil {
			slog.Error("Failed to persist agent id to config", "error", err)
		} else {
			slog.Info("Agent id persisted to config", "config_path", c.cfg.ConfigPath)
		}
	}
	return nil
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
			if !c.wait(c.reconnectDelay) {
				return
			}
			c.increaseReconnectDelay()
			continue
		}

		c.reconnectDelay = initialDelay

		if err := c.handleStream(conn); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Stream error", "error", err)
		}

		c.disconnect()
		c.runner.CancelAll()

		slog.Info("Reconnecting", "delay", c.reconnectDelay)
		if !c.wait(c.reconnectDelay) {
			return
		}
		c.increaseReconnectDelay()
	}
}

func (c *Client) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client) connect() (*ws.Conn, error) {
	slog.Info("Connecting to server", "url", c.cfg.ServerURL)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set(agentTokenHeader, c.cfg.Token)
	}

	conn, err := ws.Dial(c.ctx, c.cfg.ServerURL, header, sendQueueSize)
	if err != nil {
		return nil, err
	}

	agentID := c.AgentID()
	hello, err := protocol.EncodeAgentFrame(c.hello(agentID))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to encode hello: %w", err)
	}
	if err := conn.SendRaw(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	if err := awaitHelloAck(conn, agentID); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("Connected to server", "url", c.cfg.ServerURL, "agent_id", agentID)
	return conn, nil
}

func awaitHelloAck(conn *ws.Conn, agentID string) error {
	timer := time.AfterFunc(helloAckTimeout, func() { conn.Close() })
	defer timer.Stop()

	data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to receive hello ack: %w", err)
	}

	frame, err := protocol.DecodeServerFrame(data)
	if err != nil {
		return fmt.Errorf("invalid hello ack: %w", err)
	}
	ack, ok := frame.(protocol.Ack)
	if !ok || ack.ID != agentID {
		return fmt.Errorf("unexpected first frame from server: %T", frame)
	}
	return nil
}

func (c *Client) hello(agentID string) protocol.Hello {
	hostname, _ := os.Hostname()
	return protocol.Hello{
		AgentID:      agentID,
		Capabilities: Capabilities(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		Hostname:     hostname,
		Version:      c.cfg.Version,
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream(conn *ws.Conn) error {
	done := make(chan struct{})
	errChan := make(chan error, 2)

	go c.receiveLoop(conn, errChan)
	go c.heartbeatLoop(done, errChan)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
		err = context.Canceled
	}
	close(done)
	conn.Close()
	return err
}

func (c *Client) receiveLoop(conn *ws.Conn, errChan chan error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}

		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			slog.Warn("Dropping server frame", "error", err)
			continue
		}
		c.processFrame(frame)
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{At: time.Now().UTC().Format(time.RFC3339Nano)}
			if c.metrics != nil {
				hb.Metrics = c.metrics.Sample()
			}
			if err := c.send(hb); err != nil {
				errChan <- fmt.Errorf("failed to send heartbeat: %w", err)
				return
			}
		}
	}
}

func (c *Client) processFrame(frame protocol.AgentOutbound) {
	switch f := frame.(type) {
	case protocol.Ack:
		slog.Debug("Ack received", "id", f.ID)

	case protocol.JobRunScript:
		slog.Info("Job received", "job_id", f.JobID, "language", f.Language, "timeout_sec", f.TimeoutSec)
		go c.runJob(f)

	case protocol.JobCancel:
		if c.runner.Cancel(f.JobID) {
			slog.Info("Job cancel requested", "job_id", f.JobID)
		}
	}
}

func (c *Client) runJob(job protocol.JobRunScript) {
	result := c.runner.Run(c.ctx, job, func(p protocol.JobProgress) {
		if err := c.send(p); err != nil {
			slog.Debug("Dropping job progress", "job_id", job.JobID, "error", err)
		}
	})

	if err := c.send(result); err != nil {
		slog.Error("Failed to send job result", "job_id", job.JobID, "error", err)
		return
	}
	slog.Info("Job finished", "job_id", job.JobID, "exit_code", *result.ExitCode)
}

func (c *Client) send(frame protocol.AgentInbound) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errNotConnected
	}

	data, err := protocol.EncodeAgentFrame(frame)
	if err != nil {
		return err
	}
	return conn.SendRaw(data)
}
