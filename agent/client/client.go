// Package client drives the agent's side of the session protocol: dial,
// register, heartbeat, answer commands, and reconnect with backoff on
// any transport error. State machine and backoff shape are grounded on
// the teacher's fluxforge/agent/main.go registration-retry loop and on
// original_source/server/node/src/websocket.rs's WebSocketClient,
// translated from tokio-tungstenite onto gorilla/websocket's Dialer.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleetcore/agent/config"
	"fleetcore/agent/executor"
	"fleetcore/agent/sampler"
	"fleetcore/core/codec"
)

// State names the agent session driver's position in its state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRegistering
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// outboundDepth bounds the per-connection outbound queue, the same
// depth the Core side's session.Registry uses for its own outbound
// channels.
const outboundDepth = 64

// Client owns one agent session lifecycle: connect, register, heartbeat,
// execute, reconnect. It is not safe for concurrent Run calls.
type Client struct {
	cfg      *config.Config
	sampler  *sampler.Sampler
	executor *executor.Executor

	conn     *websocket.Conn
	state    State
	outbound chan []byte
	done     chan struct{}
}

// New returns a Client ready to Run.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:      cfg,
		sampler:  sampler.New("/"),
		executor: executor.New(),
	}
}

// Run blocks until ctx is cancelled, cycling through connect/register/
// heartbeat/backoff until told to stop. A transport failure drives the
// backoff loop rather than being returned; Run returns an error on
// cancellation, or once MaxRetries (when non-zero) consecutive attempts
// have failed.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.state = StateConnecting
		if err := c.runOnce(ctx); err != nil {
			log.Printf("agent: session ended: %v", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.state = StateBackoff
		attempt++
		if c.cfg.MaxRetries > 0 && attempt > c.cfg.MaxRetries {
			return fmt.Errorf("agent: exceeded max_retries (%d)", c.cfg.MaxRetries)
		}
		wait := backoffDelay(c.cfg.ReconnectInterval, c.cfg.MaxBackoff, attempt)
		log.Printf("agent: reconnecting in %s (attempt %d)", wait, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one full connect→register→run cycle. Any error
// returned means the transport is gone and the caller should back off
// and retry; a clean ctx cancellation returns nil.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	// gorilla/websocket forbids concurrent writers on one connection,
	// but the heartbeat ticker, the reader goroutine's ping replies,
	// and each in-flight command's result all write independently.
	// Route every write through one outbound queue drained by a single
	// writer goroutine, the same shape core/ws_transport.go's
	// runWriterPump uses server-side.
	outbound := make(chan []byte, outboundDepth)
	done := make(chan struct{})
	c.outbound = outbound
	c.done = done
	defer close(done)
	go runWriterLoop(conn, outbound, done)

	c.state = StateAuthenticating // the dial itself carries the token; Core answers with welcome or closes
	c.state = StateRegistering
	if err := c.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	c.state = StateRunning
	return c.serve(ctx)
}

// runWriterLoop drains outbound onto conn until done is closed or a
// write fails; the reader loop discovers a dead connection on its own
// next read and the session is torn down from there.
func runWriterLoop(conn *websocket.Conn, outbound <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// dial opens the WebSocket to Core, presenting the shared secret both
// as a query parameter and a bearer header so it works regardless of
// which one the deployment's Core build checks first.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	base := strings.TrimRight(c.cfg.CoreURL, "/") + "/api/v1/ws"
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	header := map[string][]string{
		"Authorization": {"Bearer " + c.cfg.Token},
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	return conn, err
}

// register sends node_register and waits for a successful
// register_response.
func (c *Client) register() error {
	payload := codec.NodeRegisterPayload{NodeID: c.cfg.NodeID}
	if c.cfg.ReportSystemInfo {
		payload.Hostname = c.cfg.Hostname
		payload.OSInfo = c.cfg.OSInfo
	}
	env, err := codec.NewEnvelope(codec.TypeNodeRegister, payload)
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	resp, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	if resp.Type != codec.TypeRegisterResponse {
		return fmt.Errorf("expected register_response, got %s", resp.Type)
	}
	var respPayload codec.RegisterResponsePayload
	if err := resp.DecodeData(&respPayload); err != nil {
		return err
	}
	if !respPayload.Success {
		return fmt.Errorf("registration rejected: %s", respPayload.Message)
	}
	log.Printf("agent: registered as %s (%s)", c.cfg.NodeID, respPayload.Action)
	return nil
}

// serve runs the heartbeat ticker and the inbound read loop until the
// transport fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context) error {
	c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if err := c.handleFrame(raw); err != nil {
				log.Printf("agent: handle frame: %v", err)
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendHeartbeat() error {
	metrics := c.sampler.Sample(c.cfg.DetailedMetrics)
	env, err := codec.NewEnvelope(codec.TypeHeartbeat, codec.HeartbeatPayload{
		NodeID:  c.cfg.NodeID,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Client) handleFrame(raw []byte) error {
	env, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	switch env.Type {
	case codec.TypeHeartbeatAck:
		return nil
	case codec.TypeExecuteCommand:
		return c.handleExecuteCommand(env)
	case codec.TypeCommandReceived:
		return nil
	case codec.TypePing:
		pong, err := codec.NewEnvelope(codec.TypePong, struct{}{})
		if err != nil {
			return err
		}
		return c.writeEnvelope(pong)
	case codec.TypeError:
		var payload codec.ErrorPayload
		env.DecodeData(&payload)
		log.Printf("agent: core reported error %s: %s", payload.ErrorCode, payload.Message)
		return nil
	default:
		return fmt.Errorf("unhandled frame type %s", env.Type)
	}
}

// handleExecuteCommand acknowledges receipt immediately, then runs the
// command in the background so the read loop (and heartbeats) are never
// blocked by a long-running shell command.
func (c *Client) handleExecuteCommand(env codec.Envelope) error {
	var payload codec.ExecuteCommandPayload
	if err := env.DecodeData(&payload); err != nil {
		return err
	}

	started, err := codec.NewEnvelope(codec.TypeCommandStarted, codec.CommandStartedPayload{CommandID: payload.CommandID})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(started); err != nil {
		return err
	}

	go c.runCommand(payload)
	return nil
}

func (c *Client) runCommand(payload codec.ExecuteCommandPayload) {
	timeout := time.Duration(payload.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	result := c.executor.Run(context.Background(), payload.CommandText, timeout)

	env, err := codec.NewEnvelope(codec.TypeCommandResult, codec.CommandResultPayload{
		CommandID:       payload.CommandID,
		ExitCode:        result.ExitCode,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExecutionTimeMs: result.ExecutionTimeMs,
	})
	if err != nil {
		log.Printf("agent: encode command_result for %s: %v", payload.CommandID, err)
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		log.Printf("agent: send command_result for %s: %v", payload.CommandID, err)
	}
}

// writeEnvelope enqueues env onto the current connection's outbound
// queue for runWriterLoop to send; it never calls WriteMessage
// directly, so callers on different goroutines (heartbeat ticker,
// reader loop, per-command goroutines) never race on the connection.
func (c *Client) writeEnvelope(env codec.Envelope) error {
	frame, err := codec.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("agent: session closed")
	}
}

// backoffDelay computes a full-jitter exponential backoff: a uniform
// random draw in [0, min(cap, base*2^attempt)).
func backoffDelay(base, capDur time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < capDur; i++ {
		d *= 2
	}
	if d > capDur {
		d = capDur
	}
	if d <= 0 {
		return base
	}
	return time.Duration(randInt63n(int64(d)))
}

// randInt63n returns a random int64 in [0, n) using crypto/rand so the
// agent doesn't need to seed a math/rand source.
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return n / 2
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) & (1<<63 - 1))
	return v % n
}
