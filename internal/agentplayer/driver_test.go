package agentplayer

import (
	"context"
	"sync"
	"testing"
	"time"

	"cuemesh/internal/cue"
	"cuemesh/internal/player"
	"cuemesh/internal/protocol"
)

type sentFrame struct {
	msgType string
	payload any
}

type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *recordingSender) send(msgType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{msgType, payload})
	return nil
}

func (r *recordingSender) last() (sentFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return sentFrame{}, false
	}
	return r.frames[len(r.frames)-1], true
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testSyncConfig() cue.SyncConfig {
	sc := cue.DefaultSyncConfig()
	sc.Correction.SyncIntervalMs = 20
	return sc
}

func TestHandleLoadCueTransitionsToReady(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})

	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4", Volume: 100})

	if d.State() != protocol.StateReady {
		t.Fatalf("state = %v, want ready", d.State())
	}
	frame, ok := sender.last()
	if !ok || frame.msgType != protocol.TypeReady {
		t.Fatalf("last frame = %+v, want READY", frame)
	}
}

func TestHandleReadyCheckResendsReady(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})

	before := sender.count()
	d.HandleReadyCheck()
	if sender.count() != before+1 {
		t.Fatalf("expected one more READY frame")
	}
	frame, _ := sender.last()
	if frame.msgType != protocol.TypeReady {
		t.Fatalf("frame = %+v, want READY", frame)
	}
}

func TestHandlePlayAtTransitionsToPlayingAfterDelay(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})

	masterStart := time.Now().UnixMilli() + 30
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: masterStart})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.State() == protocol.StatePlaying {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want playing", d.State())
}

func TestHandlePlayAtCancelsPriorScheduledWait(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})

	farFuture := time.Now().UnixMilli() + 60_000
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: farFuture})
	// Immediately superseded by a PLAY_AT with no delay.
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: time.Now().UnixMilli()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.State() == protocol.StatePlaying {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want playing (prior long wait should have been canceled)", d.State())
}

func TestHandleStopReturnsToIdle(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: time.Now().UnixMilli()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.State() != protocol.StatePlaying {
		time.Sleep(5 * time.Millisecond)
	}

	d.HandleStop(context.Background())
	if d.State() != protocol.StateIdle {
		t.Fatalf("state = %v, want idle", d.State())
	}
}

func TestHandleBlackoutTogglesState(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})

	d.HandleBlackout(context.Background(), protocol.BlackoutPayload{On: true})
	if d.State() != protocol.StateBlack {
		t.Fatalf("state = %v, want black", d.State())
	}
	d.HandleBlackout(context.Background(), protocol.BlackoutPayload{On: false})
	if d.State() != protocol.StateIdle {
		t.Fatalf("state = %v, want idle", d.State())
	}
}

func TestHandleSyncRepliesAndFeedsEstimator(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})

	d.HandleSync(protocol.SyncPayload{T1UtcMs: time.Now().UnixMilli()})

	frame, ok := sender.last()
	if !ok || frame.msgType != protocol.TypeSyncReply {
		t.Fatalf("frame = %+v, want SYNC_REPLY", frame)
	}
	if d.Clock.SampleCount() != 1 {
		t.Fatalf("SampleCount = %d, want 1", d.Clock.SampleCount())
	}
}

func TestHandleDropoutAppliesPauseOnFreezePolicy(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.SetDropoutPolicy("freeze")
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: time.Now().UnixMilli()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.State() != protocol.StatePlaying {
		time.Sleep(5 * time.Millisecond)
	}

	d.HandleDropout(context.Background())
	if d.State() != protocol.StatePaused {
		t.Fatalf("state = %v, want paused", d.State())
	}
}

func TestHandleDropoutContinuesByDefault(t *testing.T) {
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{})
	d.HandleLoadCue(context.Background(), protocol.LoadCuePayload{CueID: "cue-1", Type: "video", AssetRelpath: "a.mp4"})
	d.HandlePlayAt(context.Background(), protocol.PlayAtPayload{CueID: "cue-1", MasterStartUtcMs: time.Now().UnixMilli()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.State() != protocol.StatePlaying {
		time.Sleep(5 * time.Millisecond)
	}

	d.HandleDropout(context.Background())
	if d.State() != protocol.StatePlaying {
		t.Fatalf("state = %v, want playing (continue policy)", d.State())
	}
}

func TestHandleShowTestscreenInvokesCallback(t *testing.T) {
	var got bool
	var mu sync.Mutex
	sender := &recordingSender{}
	d := New(player.NewMock(nil), sender.send, testSyncConfig(), Events{
		OnTestscreen: func(on bool) {
			mu.Lock()
			got = on
			mu.Unlock()
		},
	})

	d.HandleShowTestscreen(protocol.ShowTestscreenPayload{On: true})

	mu.Lock()
	defer mu.Unlock()
	if !got {
		t.Fatal("expected OnTestscreen callback to be invoked with true")
	}
}
