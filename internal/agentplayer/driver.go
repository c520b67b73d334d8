// Package agentplayer implements the agent-side playback state machine:
// cue loading, scheduled-play waiting (cancellable), the drift-correction
// loop, and dropout-policy handling.
//
// Grounded on original_source/client/connection.py (state machine,
// message handlers) and original_source/client/clock_client.py (scheduled
// play + drift loop).
package agentplayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cuemesh/internal/clocksync"
	"cuemesh/internal/cue"
	"cuemesh/internal/drift"
	"cuemesh/internal/logging"
	"cuemesh/internal/player"
	"cuemesh/internal/protocol"
)

// Sender delivers one outbound envelope frame to the coordinator. Errors
// are logged by the caller and otherwise swallowed, matching the fire-
// and-forget send semantics of original_source/client/connection.py's
// _send.
type Sender func(msgType string, payload any) error

// Events are the optional callbacks for driver effects that have no wire
// representation of their own (spec §4.5/§4.6's "surfaced via callback").
type Events struct {
	OnTestscreen func(on bool)
}

// Driver owns one agent's media player, clock-offset estimator, and
// playback state machine (spec §4.5).
type Driver struct {
	Player player.Player
	Clock  *clocksync.Estimator
	Send   Sender
	Events Events

	sync cue.SyncConfig

	mu            sync.Mutex
	state         protocol.PlaybackState
	cueID         string
	dropoutPolicy string

	scheduledCancel context.CancelFunc
	driftCancel     context.CancelFunc
}

// New returns a Driver in the idle state with the given sync tunables.
func New(p player.Player, send Sender, syncConfig cue.SyncConfig, events Events) *Driver {
	return &Driver{
		Player:        p,
		Clock:         clocksync.New(),
		Send:          send,
		Events:        events,
		sync:          syncConfig,
		state:         protocol.StateIdle,
		dropoutPolicy: "continue",
	}
}

// State returns the current playback state.
func (d *Driver) State() protocol.PlaybackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s protocol.PlaybackState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// SetDropoutPolicy configures the policy applied on disconnect (spec §4.5).
func (d *Driver) SetDropoutPolicy(policy string) {
	d.mu.Lock()
	d.dropoutPolicy = policy
	d.mu.Unlock()
}

func (d *Driver) send(msgType string, payload any) {
	if d.Send == nil {
		return
	}
	if err := d.Send(msgType, payload); err != nil {
		logging.L("agentplayer").Warn("send failed", "type", msgType, "err", err)
	}
}

// HandleLoadCue implements the idle/error -> loading -> ready|error
// transition (spec §4.5's state table).
func (d *Driver) HandleLoadCue(ctx context.Context, p protocol.LoadCuePayload) {
	d.setState(protocol.StateLoading)
	d.mu.Lock()
	d.cueID = p.CueID
	d.mu.Unlock()

	err := d.Player.Load(ctx, player.Cue{
		ID:          p.CueID,
		Type:        p.Type,
		AssetPath:   p.AssetRelpath,
		StartTimeMs: p.StartTimeMs,
		Volume:      p.Volume,
		Loop:        p.Loop,
		FadeInMs:    p.FadeInMs,
		FadeOutMs:   p.FadeOutMs,
	})
	if err != nil {
		d.setState(protocol.StateError)
		d.send(protocol.TypeError, protocol.ErrorPayload{
			CueID:  p.CueID,
			Reason: fmt.Sprintf("failed to load file: %v", err),
		})
		return
	}

	d.setState(protocol.StateReady)
	d.send(protocol.TypeReady, protocol.ReadyPayload{CueID: p.CueID})
}

// HandleReadyCheck answers READY_CHECK with the existing READY if a cue
// is already loaded and ready (supplemented message; see SPEC_FULL.md).
func (d *Driver) HandleReadyCheck() {
	d.mu.Lock()
	state, cueID := d.state, d.cueID
	d.mu.Unlock()
	if state == protocol.StateReady && cueID != "" {
		d.send(protocol.TypeReady, protocol.ReadyPayload{CueID: cueID})
	}
}

// HandlePlayAt implements the scheduled-play algorithm (spec §4.5):
// starting a new PLAY_AT while a previous wait is still sleeping cancels
// the prior wait deterministically. There is no separate RESUME message:
// a paused driver returns to playing on the next PLAY_AT.
func (d *Driver) HandlePlayAt(ctx context.Context, p protocol.PlayAtPayload) {
	waitCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.scheduledCancel != nil {
		d.scheduledCancel()
	}
	d.scheduledCancel = cancel
	d.mu.Unlock()

	go d.runScheduledPlay(waitCtx, p)
}

func (d *Driver) runScheduledPlay(ctx context.Context, p protocol.PlayAtPayload) {
	masterNow := d.Clock.MasterNowMs(nil)
	delayMs := p.MasterStartUtcMs - masterNow

	if delayMs > 0 {
		timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	if err := d.Player.Play(ctx); err != nil {
		logging.L("agentplayer").Error("play failed", "cue_id", p.CueID, "err", err)
		d.setState(protocol.StateError)
		d.send(protocol.TypeError, protocol.ErrorPayload{CueID: p.CueID, Reason: err.Error()})
		return
	}

	d.setState(protocol.StatePlaying)
	d.startDriftLoop(p.MasterStartUtcMs, p.CueStartTimeMs)
}

// startDriftLoop cancels any running drift loop and starts a fresh one
// tracking (masterStart, cueStartTimeMs) (spec §4.5).
func (d *Driver) startDriftLoop(masterStartMs, cueStartTimeMs int64) {
	loopCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.driftCancel != nil {
		d.driftCancel()
	}
	d.driftCancel = cancel
	d.mu.Unlock()

	go d.runDriftLoop(loopCtx, masterStartMs, cueStartTimeMs)
}

func (d *Driver) runDriftLoop(ctx context.Context, masterStartMs, cueStartTimeMs int64) {
	interval := time.Duration(d.sync.Correction.SyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.correctDrift(ctx, masterStartMs, cueStartTimeMs)
		}
	}
}

func (d *Driver) correctDrift(ctx context.Context, masterStartMs, cueStartTimeMs int64) {
	masterNow := d.Clock.MasterNowMs(nil)
	elapsed := masterNow - masterStartMs
	expectedPos := elapsed + cueStartTimeMs

	actualPos, ok := d.Player.QueryPosition(ctx)
	if !ok {
		return
	}

	driftMs := float64(actualPos - expectedPos)
	action, rate := drift.Decide(
		driftMs,
		float64(d.sync.MaxDriftMs),
		float64(d.sync.Correction.HardSeekThresholdMs),
		d.sync.Correction.RateMin,
		d.sync.Correction.RateMax,
	)

	switch action {
	case drift.ActionRateAdjust:
		_ = d.Player.SetRate(ctx, rate)
	case drift.ActionHardSeek:
		target := expectedPos
		if target < 0 {
			target = 0
		}
		_ = d.Player.Seek(ctx, target)
		_ = d.Player.SetRate(ctx, 1.0)
		rate = 1.0
	}

	d.send(protocol.TypeDrift, protocol.DriftPayload{
		OffsetMs: d.Clock.OffsetMs(),
		DriftMs:  driftMs,
		Action:   string(action),
	})
}

func (d *Driver) cancelScheduledPlay() {
	d.mu.Lock()
	if d.scheduledCancel != nil {
		d.scheduledCancel()
		d.scheduledCancel = nil
	}
	d.mu.Unlock()
}

func (d *Driver) stopDriftLoop() {
	d.mu.Lock()
	if d.driftCancel != nil {
		d.driftCancel()
		d.driftCancel = nil
	}
	d.mu.Unlock()
}

// HandlePause stops the drift loop and pauses the player (spec §4.5's
// playing -> paused transition).
func (d *Driver) HandlePause(ctx context.Context) {
	d.cancelScheduledPlay()
	d.stopDriftLoop()
	_ = d.Player.Pause(ctx)
	d.setState(protocol.StatePaused)
}

// HandleStop implements the any -> idle transition.
func (d *Driver) HandleStop(ctx context.Context) {
	d.cancelScheduledPlay()
	d.stopDriftLoop()
	_ = d.Player.Stop(ctx)
	d.setState(protocol.StateIdle)
}

// HandleSeekTo passes a seek through to the player without changing state.
func (d *Driver) HandleSeekTo(ctx context.Context, p protocol.SeekToPayload) {
	_ = d.Player.Seek(ctx, p.PositionMs)
}

// HandleSetRate passes a rate change through to the player.
func (d *Driver) HandleSetRate(ctx context.Context, p protocol.SetRatePayload) {
	_ = d.Player.SetRate(ctx, p.Rate)
}

// HandleSetVolume passes a volume change through to the player.
func (d *Driver) HandleSetVolume(ctx context.Context, p protocol.SetVolumePayload) {
	_ = d.Player.SetVolume(ctx, p.Volume)
}

// HandleBlackout implements the any -> black and black -> idle
// transitions (spec §4.5).
func (d *Driver) HandleBlackout(ctx context.Context, p protocol.BlackoutPayload) {
	if p.On {
		d.cancelScheduledPlay()
		d.stopDriftLoop()
		d.setState(protocol.StateBlack)
	} else {
		d.setState(protocol.StateIdle)
	}
}

// HandleShowTestscreen surfaces a SHOW_TESTSCREEN toggle via callback
// (spec §4.5 has no dedicated PlaybackState for this).
func (d *Driver) HandleShowTestscreen(p protocol.ShowTestscreenPayload) {
	if d.Events.OnTestscreen != nil {
		d.Events.OnTestscreen(p.On)
	}
}

// HandleRequestStatus answers REQUEST_STATUS with a STATUS payload: the
// driver's state and cue_id plus the player's current position. Rate,
// volume and fullscreen are reported as the fixed values 1.0, 100 and
// true, not read back from the player.
func (d *Driver) HandleRequestStatus(ctx context.Context) {
	d.send(protocol.TypeStatus, d.statusPayload(ctx))
}

func (d *Driver) statusPayload(ctx context.Context) protocol.StatusPayload {
	d.mu.Lock()
	state, cueID := d.state, d.cueID
	d.mu.Unlock()

	posMs, _ := d.Player.QueryPosition(ctx)
	return protocol.StatusPayload{
		State:      state,
		CueID:      cueID,
		PositionMs: posMs,
		Rate:       1.0,
		Volume:     100,
		Fullscreen: true,
	}
}

// HandleSync answers a SYNC probe with SYNC_REPLY, stamping t2/t3 from
// the local wall clock (spec §4.2/§4.4), and folds the same exchange into
// the agent's own ClockOffsetState so local_to_master (MasterNowMs) is
// usable between probes for the scheduled-play wait (spec §4.5 step 1).
//
// The agent never learns t4 (the coordinator's receive time for
// SYNC_REPLY) — only the coordinator's session sees all four timestamps.
// The agent instead approximates t4 with its own send time t3, which
// collapses the general offset formula to (t2-t1)/2: half the one-way
// coordinator->agent latency. This is coarser than the coordinator's own
// estimate but keeps the agent's local clock conversion self-contained
// and deterministic, per original_source/client/clock_client.py leaving
// sync_state unfed — a gap this fills rather than a documented method.
func (d *Driver) HandleSync(p protocol.SyncPayload) {
	t2 := time.Now().UnixMilli()
	t3 := time.Now().UnixMilli()
	d.send(protocol.TypeSyncReply, protocol.SyncReplyPayload{
		T1UtcMs:           p.T1UtcMs,
		T2ClientRecvUtcMs: t2,
		T3ClientSendUtcMs: t3,
	})
	d.Clock.AddSample(clocksync.Sample{T1: p.T1UtcMs, T2: t2, T3: t3, T4: t3})
}

// HandleDropout applies the configured dropout policy when the control
// connection is lost (spec §4.5): continue keeps playing, freeze pauses,
// black blacks out. In all cases the drift loop stops because no further
// SYNC samples arrive and the last offset estimate is frozen.
func (d *Driver) HandleDropout(ctx context.Context) {
	d.stopDriftLoop()

	d.mu.Lock()
	policy := d.dropoutPolicy
	d.mu.Unlock()

	logging.L("agentplayer").Warn("controller disconnected", "policy", policy)

	switch policy {
	case "freeze":
		_ = d.Player.Pause(ctx)
		d.setState(protocol.StatePaused)
	case "black":
		d.setState(protocol.StateBlack)
	default: // "continue": keep playing
	}
}
