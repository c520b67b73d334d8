package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cuemesh/internal/clocksync"
	"cuemesh/internal/logging"
	"cuemesh/internal/protocol"
	"cuemesh/internal/trust"
)

// SyncProbeInterval is how often the coordinator probes each accepted
// session's clock offset (spec §4.4).
const SyncProbeInterval = 5 * time.Second

// StaleHeartbeatAge is the age past which a session is flagged stale to
// the operator, without being disconnected (spec §4.4).
const StaleHeartbeatAge = 10 * time.Second

// Events is the typed set of callbacks the Manager invokes (from
// HandleHello, HandleStatus, HandleDrift and HandleLog) on state changes
// an external observer cares about. All
// fields are optional; a nil field is simply not invoked. This replaces
// free-floating mutable callback slots with a single struct set once at
// wiring time by cmd/coordinator.
type Events struct {
	OnSessionAdmitted func(agentID string, status Status)
	OnStatus          func(agentID string, p protocol.StatusPayload)
	OnDrift           func(agentID string, p protocol.DriftPayload)
	OnLog             func(agentID string, p protocol.LogPayload)
}

// Manager owns the set of live agent sessions, the trust store, and the
// periodic sync-probe loop (spec §4.4).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*AgentSession

	trust  *trust.Store
	events Events

	nextSessionID uint64
}

// NewManager returns a Manager backed by the given trust store.
func NewManager(trustStore *trust.Store, events Events) *Manager {
	return &Manager{
		sessions: make(map[string]*AgentSession),
		trust:    trustStore,
		events:   events,
	}
}

// HelloResult is what HandleHello replies with: the session plus the
// HELLO_ACK payload to send back immediately.
type HelloResult struct {
	Session *AgentSession
	Ack     protocol.HelloAckPayload
}

// HandleHello implements spec §4.4's admission rule: a HELLO presenting a
// token matching the trust store is auto-admitted; otherwise the session
// is created pending and surfaced to the operator. A second HELLO with
// the same agent_id supersedes (closes) any prior live session for that
// agent_id, per spec §3's AgentSession invariant.
func (m *Manager) HandleHello(ctx context.Context, coordinatorID string, p protocol.HelloPayload) HelloResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.sessions[p.AgentID]; ok {
		prior.Close()
	}

	sess := NewAgentSession(p.AgentID, p.Hostname, p.Platform, p.Capabilities, p.Tags)

	if p.Token != "" && m.trust != nil && m.trust.Matches(ctx, p.AgentID, p.Token) {
		sess.SetStatus(StatusAccepted)
		sess.SetToken(p.Token)
	}

	m.sessions[p.AgentID] = sess
	m.nextSessionID++
	sessionID := fmt.Sprintf("s%d", m.nextSessionID)

	logging.L("session").Info("session admitted",
		"agent_id", p.AgentID, "status", sess.Status(), "session_id", sessionID)

	if m.events.OnSessionAdmitted != nil {
		m.events.OnSessionAdmitted(p.AgentID, sess.Status())
	}

	return HelloResult{
		Session: sess,
		Ack:     protocol.HelloAckPayload{CoordinatorID: coordinatorID, SessionID: sessionID},
	}
}

// Accept admits a pending (or previously rejected) session, issuing a
// fresh trust token and sending ACCEPT (spec §4.4).
func (m *Manager) Accept(ctx context.Context, agentID, assignedName string) (protocol.AcceptPayload, error) {
	sess, ok := m.Get(agentID)
	if !ok {
		return protocol.AcceptPayload{}, fmt.Errorf("session: unknown agent %s", agentID)
	}

	token, err := m.trust.Issue(ctx, agentID, assignedName, time.Now().UnixMilli())
	if err != nil {
		return protocol.AcceptPayload{}, fmt.Errorf("session: issue token: %w", err)
	}

	sess.SetToken(token)
	sess.SetDisplayName(assignedName)
	sess.SetStatus(StatusAccepted)

	payload := protocol.AcceptPayload{Token: token, AssignedName: assignedName}
	m.sendTo(sess, protocol.TypeAccept, payload)
	logging.L("session").Info("session accepted", "agent_id", agentID)
	return payload, nil
}

// Reject marks a session rejected and sends REJECT; the session is not
// closed, so the operator may still re-evaluate it (spec §4.4).
func (m *Manager) Reject(agentID, reason string) error {
	sess, ok := m.Get(agentID)
	if !ok {
		return fmt.Errorf("session: unknown agent %s", agentID)
	}
	sess.SetStatus(StatusRejected)
	m.sendTo(sess, protocol.TypeReject, protocol.RejectPayload{Reason: reason})
	logging.L("session").Info("session rejected", "agent_id", agentID, "reason", reason)
	return nil
}

// Get returns the live session for agentID, if any.
func (m *Manager) Get(agentID string) (*AgentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[agentID]
	return sess, ok
}

// Remove deletes a session from the live map on disconnect. The trust
// entry is retained (spec §4.4).
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[agentID]; ok {
		sess.Close()
	}
	delete(m.sessions, agentID)
	logging.L("session").Info("session removed", "agent_id", agentID)
}

// Snapshots returns a point-in-time view of every live session, for the
// operator command API.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// accepted returns every session currently admitted, for fan-out.
func (m *Manager) accepted() []*AgentSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Status() == StatusAccepted {
			out = append(out, sess)
		}
	}
	return out
}

// sendTo encodes and enqueues one envelope for a single session. A send
// failure (full buffer, closed channel) is logged and otherwise ignored,
// matching spec §4.4's failure semantics for fan-out.
func (m *Manager) sendTo(sess *AgentSession, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.L("session").Error("encode failed", "agent_id", sess.AgentID, "type", msgType, "err", err)
		return
	}
	if !sess.TrySend(frame) {
		logging.L("session").Warn("send dropped: buffer full or closed", "agent_id", sess.AgentID, "type", msgType)
	}
}

// Dispatch fans a command out to every accepted session (spec §4.4's
// fan-out contract); a disconnected or non-accepted session silently
// skips, and one session's send failure never aborts the rest.
func (m *Manager) Dispatch(msgType string, payload any) {
	for _, sess := range m.accepted() {
		m.sendTo(sess, msgType, payload)
	}
}

// SendPlayAt computes a scheduled master start instant, broadcasts
// PLAY_AT, and returns the chosen instant (spec §4.4). The preceding
// LOAD_CUE is the caller's responsibility (see internal/coordinator's
// show-sequencing path).
func (m *Manager) SendPlayAt(cueID string, startLeadMs int64, cueStartTimeMs int64) int64 {
	masterStart := time.Now().UnixMilli() + startLeadMs
	m.Dispatch(protocol.TypePlayAt, protocol.PlayAtPayload{
		CueID:            cueID,
		MasterStartUtcMs: masterStart,
		CueStartTimeMs:   cueStartTimeMs,
	})
	return masterStart
}

// HandleSyncReply appends a SyncSample to the session's clock-offset
// estimator from a SYNC_REPLY (spec §4.4): t1/t2/t3 come from the
// payload, t4 is the coordinator's receive time.
func (m *Manager) HandleSyncReply(agentID string, p protocol.SyncReplyPayload, recvUnixMs int64) {
	sess, ok := m.Get(agentID)
	if !ok {
		return
	}
	sess.Clock.AddSample(clocksync.Sample{
		T1: p.T1UtcMs,
		T2: p.T2ClientRecvUtcMs,
		T3: p.T3ClientSendUtcMs,
		T4: recvUnixMs,
	})
}

// RunSyncProbe runs the periodic sync-probe loop until ctx is canceled:
// every SyncProbeInterval it sends SYNC {t1_utc_ms=now} to every accepted
// session (spec §4.4).
func (m *Manager) RunSyncProbe(ctx context.Context) {
	ticker := time.NewTicker(SyncProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Dispatch(protocol.TypeSync, protocol.SyncPayload{T1UtcMs: time.Now().UnixMilli()})
		}
	}
}

// HandleLog forwards a LOG record to the configured external sink, if any
// (spec §4.4).
func (m *Manager) HandleLog(agentID string, p protocol.LogPayload) {
	if m.events.OnLog != nil {
		m.events.OnLog(agentID, p)
	}
}

// HandleStatus applies a STATUS (or READY, normalized to a StatusPayload
// by the caller) report to the named session and notifies OnStatus, if
// set. This is the only path that updates a session's reported playback
// state, so both the proactive STATUS message and the READY acknowledgment
// that follows a LOAD_CUE route through it (spec §4.4, §4.5).
func (m *Manager) HandleStatus(agentID string, p protocol.StatusPayload) {
	sess, ok := m.Get(agentID)
	if !ok {
		return
	}
	sess.ApplyStatus(p)
	if m.events.OnStatus != nil {
		m.events.OnStatus(agentID, p)
	}
}

// HandleDrift applies a DRIFT report to the named session and notifies
// OnDrift, if set (spec §4.4).
func (m *Manager) HandleDrift(agentID string, p protocol.DriftPayload) {
	sess, ok := m.Get(agentID)
	if !ok {
		return
	}
	sess.ApplyDrift(p)
	if m.events.OnDrift != nil {
		m.events.OnDrift(agentID, p)
	}
}

// SendReadyCheck broadcasts READY_CHECK to every accepted session, asking
// each agent to report readiness for whatever cue it currently holds
// loaded without committing the coordinator to a LOAD_CUE dispatch. Used
// to re-probe agents whose proactive READY may have been dropped, or
// whose state the coordinator lost track of across a reconnect.
func (m *Manager) SendReadyCheck() {
	m.Dispatch(protocol.TypeReadyCheck, protocol.ReadyCheckPayload{})
}
