// Package session implements the coordinator-side agent session registry:
// admission, trust-token issuance, fan-out dispatch, the sync-probe loop,
// and heartbeat liveness tracking.
//
// Grounded on _examples/rustyguts-bken/server/internal/core/channel_state.go
// (per-session Send channel, mutex-guarded registry) and
// _examples/rustyguts-bken/server/internal/ws/handler.go (dispatch shape).
package session

import (
	"sync"
	"time"

	"cuemesh/internal/clocksync"
	"cuemesh/internal/protocol"
)

// Status is the admission status of an AgentSession.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// SendBufferSize bounds how many outbound frames may queue for a slow
// agent's writer goroutine; once it is full, TrySend drops further frames
// rather than blocking the dispatcher.
const SendBufferSize = 64

// AgentSession is one connected agent as seen by the coordinator (spec §3).
type AgentSession struct {
	AgentID      string
	Hostname     string
	Platform     string
	Capabilities map[string]bool
	Tags         map[string]string

	// Send carries outbound envelope frames to this session's writer
	// goroutine; closed when the session is removed.
	Send chan []byte

	Clock *clocksync.Estimator

	mu            sync.RWMutex
	status        Status
	token         string
	displayName   string
	state         protocol.PlaybackState
	cueID         string
	positionMs    int64
	rate          float64
	volume        int
	driftMs       float64
	lastHeartbeat time.Time
	lastError     string
}

// NewAgentSession creates a pending session in state idle.
func NewAgentSession(agentID, hostname, platform string, capabilities map[string]bool, tags map[string]string) *AgentSession {
	return &AgentSession{
		AgentID:       agentID,
		Hostname:      hostname,
		Platform:      platform,
		Capabilities:  capabilities,
		Tags:          tags,
		Send:          make(chan []byte, SendBufferSize),
		Clock:         clocksync.New(),
		status:        StatusPending,
		state:         protocol.StateIdle,
		rate:          1.0,
		lastHeartbeat: time.Now(),
	}
}

// Status returns the current admission status.
func (s *AgentSession) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus sets the admission status.
func (s *AgentSession) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Token returns the session's trust token, if any.
func (s *AgentSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken sets the session's trust token.
func (s *AgentSession) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// DisplayName returns the operator-assigned display name, if any.
func (s *AgentSession) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// SetDisplayName sets the operator-assigned display name.
func (s *AgentSession) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
}

// Snapshot is a read-only view of an AgentSession's mutable telemetry,
// safe to hand to the HTTP command API or an operator GUI.
type Snapshot struct {
	AgentID        string
	Hostname       string
	Platform       string
	DisplayName    string
	Status         Status
	State          protocol.PlaybackState
	CueID          string
	PositionMs     int64
	Rate           float64
	Volume         int
	DriftMs        float64
	LastError      string
	HeartbeatAgeMs int64
	OffsetMs       float64
	SampleCount    int
}

// Snapshot returns a point-in-time copy of the session's telemetry.
func (s *AgentSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		AgentID:        s.AgentID,
		Hostname:       s.Hostname,
		Platform:       s.Platform,
		DisplayName:    s.displayName,
		Status:         s.status,
		State:          s.state,
		CueID:          s.cueID,
		PositionMs:     s.positionMs,
		Rate:           s.rate,
		Volume:         s.volume,
		DriftMs:        s.driftMs,
		LastError:      s.lastError,
		HeartbeatAgeMs: time.Since(s.lastHeartbeat).Milliseconds(),
		OffsetMs:       s.Clock.OffsetMs(),
		SampleCount:    s.Clock.SampleCount(),
	}
}

// ApplyStatus overwrites the session's reported playback telemetry from a
// STATUS message (spec §4.4).
func (s *AgentSession) ApplyStatus(p protocol.StatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = p.State
	s.cueID = p.CueID
	s.positionMs = p.PositionMs
	s.rate = p.Rate
	s.volume = p.Volume
}

// ApplyDrift records the latest reported drift (spec §4.4).
func (s *AgentSession) ApplyDrift(p protocol.DriftPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driftMs = p.DriftMs
}

// ApplyError records the latest reported error (supplemented ERROR message).
func (s *AgentSession) ApplyError(p protocol.ErrorPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = p.Reason
	s.state = protocol.StateError
}

// Touch refreshes the heartbeat timestamp; called on any inbound message
// per spec §4.4's heartbeat-liveness rule, not only on HEARTBEAT frames.
func (s *AgentSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// HeartbeatAge returns how long it has been since the last inbound
// message from this session.
func (s *AgentSession) HeartbeatAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastHeartbeat)
}

// TrySend enqueues a frame for delivery without blocking; it returns false
// (and drops the frame) if the session's send buffer is full or closed,
// matching spec §4.4's "a send error on one session logs and continues"
// failure semantics.
func (s *AgentSession) TrySend(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the session's send channel, unblocking its writer goroutine.
func (s *AgentSession) Close() {
	defer func() { recover() }()
	close(s.Send)
}
