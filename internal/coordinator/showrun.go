package coordinator

import (
	"context"
	"fmt"
	"time"

	"cuemesh/internal/cue"
	"cuemesh/internal/logging"
	"cuemesh/internal/protocol"
	"cuemesh/internal/session"
)

// ShowRunner sequences LOAD_CUE/PLAY_AT across an entire show's cue list,
// chaining to each cue's successor after its auto_follow_ms elapses.
// Advancing through a cue list is core sequencing logic driven by
// telemetry, not a button click, so it lives here rather than in the
// (out-of-scope) operator GUI.
//
// Grounded on original_source/controller/server.py's send_load_cue/
// send_play_at (now internal/session.Manager.Dispatch/SendPlayAt) and the
// existence of original_source/controller/ui/run_mode.py, whose
// responsibility for advancing through cues belongs here instead.
type ShowRunner struct {
	manager *session.Manager
	show    *cue.Show
}

// NewShowRunner returns a runner over the given show.
func NewShowRunner(manager *session.Manager, show *cue.Show) *ShowRunner {
	return &ShowRunner{manager: manager, show: show}
}

// Run dispatches every cue in show order: LOAD_CUE, then PLAY_AT after the
// show's configured start lead, then waits the cue's auto_follow_ms (if
// set) before advancing. A cue with no auto_follow_ms ends the run; the
// operator must issue the next GO manually. Run returns when the show
// completes or ctx is canceled.
func (r *ShowRunner) Run(ctx context.Context) error {
	for i := range r.show.Cues {
		c := r.show.Cues[i]
		if err := r.runOne(ctx, c); err != nil {
			return err
		}
		if c.AutoFollowMs == nil {
			logging.L("coordinator").Info("show run paused: cue has no auto_follow_ms", "cue_id", c.ID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(*c.AutoFollowMs) * time.Millisecond):
		}
	}
	logging.L("coordinator").Info("show run complete")
	return nil
}

// readyPollInterval and readyWaitTimeout bound how long runOne waits for
// accepted agents to report "ready" for the just-dispatched cue before
// giving up and scheduling PLAY_AT anyway; a silent agent must not block
// the rest of the show indefinitely. readyCheckInterval governs how often
// waitForReady re-probes with READY_CHECK while it waits, in case an
// agent's proactive READY was dropped (full send buffer, reconnect).
const (
	readyPollInterval  = 100 * time.Millisecond
	readyWaitTimeout   = 5 * time.Second
	readyCheckInterval = 1 * time.Second
)

func (r *ShowRunner) runOne(ctx context.Context, c cue.Cue) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logging.L("coordinator").Info("show run: loading cue", "cue_id", c.ID)
	r.manager.Dispatch(protocol.TypeLoadCue, protocol.LoadCuePayload{
		CueID:        c.ID,
		Type:         c.Type,
		AssetRelpath: c.File,
		StartTimeMs:  c.StartTimeMs,
		Volume:       c.Volume,
		Loop:         c.Loop,
		FadeInMs:     c.FadeInMs,
		FadeOutMs:    c.FadeOutMs,
		EndTimeMs:    c.EndTimeMs,
	})

	r.waitForReady(ctx, c.ID)

	masterStart := r.manager.SendPlayAt(c.ID, int64(r.show.Sync.StartLeadMs), c.StartTimeMs)
	logging.L("coordinator").Info("show run: cue scheduled", "cue_id", c.ID, "master_start_utc_ms", masterStart)
	return nil
}

// waitForReady polls session snapshots until every accepted agent reports
// state "ready" for cueID, or readyWaitTimeout elapses.
func (r *ShowRunner) waitForReady(ctx context.Context, cueID string) {
	deadline := time.Now().Add(readyWaitTimeout)
	lastCheck := time.Now()
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		allReady := true
		for _, snap := range r.manager.Snapshots() {
			if snap.Status != session.StatusAccepted {
				continue
			}
			if snap.State != protocol.StateReady || snap.CueID != cueID {
				allReady = false
				break
			}
		}
		if allReady {
			return
		}
		if time.Since(lastCheck) >= readyCheckInterval {
			r.manager.SendReadyCheck()
			lastCheck = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(readyPollInterval):
		}
	}
	logging.L("coordinator").Warn("show run: ready wait timed out, proceeding anyway", "cue_id", cueID)
}

// PreflightReport names any cues whose media asset could not be found
// under the show's media_root, without blocking the run (the agent
// itself remains authoritative and reports ERROR at load time).
//
// Grounded on original_source/controller/preflight.py.
func PreflightReport(show *cue.Show, basePath string) []string {
	var warnings []string
	for _, check := range show.ValidateMediaPaths(basePath) {
		if !check.Exists {
			warnings = append(warnings, fmt.Sprintf("cue %s: media not found at %s", check.CueID, check.ResolvedPath))
		}
	}
	return warnings
}
