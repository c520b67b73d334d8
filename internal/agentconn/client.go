// Package agentconn manages the agent's persistent websocket connection to
// a coordinator: the HELLO handshake, heartbeat loop, inbound dispatch to
// an agentplayer.Driver, and reconnect-with-backoff on disconnect.
//
// Grounded on _examples/LanternOps-breeze/agent/internal/websocket/client.go
// (reconnectLoop's jittered exponential backoff, the read/write pump
// split) and original_source/client/connection.py for the handshake and
// dispatch shape. The jittered, capped exponential backoff carries over,
// except that the delay is not reset after a successful connection: it
// keeps growing (up to maxBackoff) across disconnects. The liveness
// mechanism does not: the breeze client rides bare websocket ping/pong
// control frames, but CueMesh's wire contract is "one frame, one
// envelope" (spec §6.1), so liveness here is the application-level
// HEARTBEAT envelope instead.
package agentconn

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"cuemesh/internal/agentplayer"
	"cuemesh/internal/logging"
	"cuemesh/internal/protocol"
)

// HeartbeatInterval is how often the agent sends HEARTBEAT while connected
// (spec §4.4's heartbeat-liveness rule).
const HeartbeatInterval = 3 * time.Second

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 15 * time.Second
)

// Identity is the agent's self-description sent in every HELLO.
type Identity struct {
	AgentID      string
	Hostname     string
	Platform     string
	Capabilities map[string]bool
	Tags         map[string]string
}

// Client owns the reconnecting websocket connection to one coordinator.
type Client struct {
	URL      string
	Identity Identity
	Driver   *agentplayer.Driver
	Token    func() string
	OnToken  func(token string)
}

// New returns a Client wired to drive driver from inbound frames.
func New(url string, identity Identity, driver *agentplayer.Driver) *Client {
	return &Client{URL: url, Identity: identity, Driver: driver}
}

// Run connects and serves until ctx is canceled, reconnecting with
// exponential backoff (capped, jittered) on any disconnect.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for ctx.Err() == nil {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.L("agentconn").Warn("connection lost, reconnecting", "err", err, "backoff", backoff)
		}
		c.Driver.HandleDropout(ctx)

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("agentconn: dial %s: %w", c.URL, err)
	}
	defer conn.Close()

	token := ""
	if c.Token != nil {
		token = c.Token()
	}
	hello := protocol.HelloPayload{
		AgentID:      c.Identity.AgentID,
		Hostname:     c.Identity.Hostname,
		Platform:     c.Identity.Platform,
		Capabilities: c.Identity.Capabilities,
		Token:        token,
		Tags:         c.Identity.Tags,
	}
	frame, err := protocol.Encode(protocol.TypeHello, hello)
	if err != nil {
		return fmt.Errorf("agentconn: encode hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("agentconn: send hello: %w", err)
	}
	logging.L("agentconn").Info("connected", "url", c.URL, "agent_id", c.Identity.AgentID)

	sendCh := make(chan []byte, 64)
	c.Driver.Send = func(msgType string, payload any) error {
		frame, err := protocol.Encode(msgType, payload)
		if err != nil {
			return err
		}
		select {
		case sendCh <- frame:
			return nil
		default:
			return fmt.Errorf("agentconn: send buffer full")
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(loopCtx, sendCh)
	go c.writePump(loopCtx, conn, sendCh, cancel)

	return c.readPump(loopCtx, conn)
}

func (c *Client) heartbeatLoop(ctx context.Context, sendCh chan<- []byte) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				LocalUtcMs: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			select {
			case sendCh <- frame:
			default:
			}
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.L("agentconn").Debug("write failed", "err", err)
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("agentconn: read: %w", err)
		}
		c.dispatch(ctx, raw)
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte) {
	msgType, _, payload, err := protocol.Decode(raw)
	if err != nil {
		logging.L("agentconn").Debug("malformed frame", "err", err)
		return
	}

	switch msgType {
	case protocol.TypeHelloAck:
		logging.L("agentconn").Debug("hello acked")

	case protocol.TypeAccept:
		var p protocol.AcceptPayload
		if json.Unmarshal(payload, &p) == nil {
			logging.L("agentconn").Info("accepted by coordinator", "assigned_name", p.AssignedName)
			if c.OnToken != nil {
				c.OnToken(p.Token)
			}
		}

	case protocol.TypeReject:
		var p protocol.RejectPayload
		if json.Unmarshal(payload, &p) == nil {
			logging.L("agentconn").Warn("rejected by coordinator", "reason", p.Reason)
		}

	case protocol.TypeLoadCue:
		var p protocol.LoadCuePayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleLoadCue(ctx, p)
		}

	case protocol.TypeReadyCheck:
		c.Driver.HandleReadyCheck()

	case protocol.TypePlayAt:
		var p protocol.PlayAtPayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandlePlayAt(ctx, p)
		}

	case protocol.TypePause:
		c.Driver.HandlePause(ctx)

	case protocol.TypeStop:
		c.Driver.HandleStop(ctx)

	case protocol.TypeSeekTo:
		var p protocol.SeekToPayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleSeekTo(ctx, p)
		}

	case protocol.TypeSetRate:
		var p protocol.SetRatePayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleSetRate(ctx, p)
		}

	case protocol.TypeSetVolume:
		var p protocol.SetVolumePayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleSetVolume(ctx, p)
		}

	case protocol.TypeBlackout:
		var p protocol.BlackoutPayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleBlackout(ctx, p)
		}

	case protocol.TypeShowTestscreen:
		var p protocol.ShowTestscreenPayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleShowTestscreen(p)
		}

	case protocol.TypeRequestStatus:
		c.Driver.HandleRequestStatus(ctx)

	case protocol.TypeSync:
		var p protocol.SyncPayload
		if json.Unmarshal(payload, &p) == nil {
			c.Driver.HandleSync(p)
		}

	default:
		logging.L("agentconn").Warn("unknown message type", "type", msgType)
	}
}
