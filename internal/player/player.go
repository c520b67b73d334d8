// Package player defines the abstract media-player operations the agent
// playback driver depends on. The real subprocess player (loading a file
// into mpv or similar, driving pause/speed/volume, reporting position) is
// out of scope (spec §1); this package provides the interface the driver
// is written against plus a deterministic in-memory implementation used
// by tests and by agents with no attached display.
package player

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotLoaded is returned by operations that require a cue to already be
// loaded.
var ErrNotLoaded = errors.New("player: no cue loaded")

// Cue is the minimal set of fields the player needs to load an asset.
type Cue struct {
	ID          string
	Type        string // "video" | "image"
	AssetPath   string
	StartTimeMs int64
	Volume      int
	Loop        bool
	FadeInMs    int
	FadeOutMs   int
}

// Player is the abstract set of operations the agent playback driver
// performs against a local media player (spec §1's named Non-goal
// boundary: {load, play, pause, stop, seek, set-rate, set-volume,
// query-position}).
type Player interface {
	Load(ctx context.Context, cue Cue) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	SetRate(ctx context.Context, rate float64) error
	SetVolume(ctx context.Context, volume int) error
	// QueryPosition returns the current playback position in
	// milliseconds. ok is false if the position is momentarily
	// unavailable (spec §4.5's drift loop treats this as "skip this
	// iteration", not an error).
	QueryPosition(ctx context.Context) (positionMs int64, ok bool)
}

// Mock is a deterministic in-memory Player for tests and headless agents.
// Position advances in real time from the moment Play is called, scaled
// by the configured rate, and resets on Seek/Stop/Load.
type Mock struct {
	mu sync.Mutex

	loaded     bool
	cue        Cue
	playing    bool
	rate       float64
	volume     int
	basePos    int64
	nowMs      func() int64
	playedFrom int64
}

// NewMock returns a Mock player. nowMs supplies the current wall-clock
// time in milliseconds; pass nil to use the real clock.
func NewMock(nowMs func() int64) *Mock {
	if nowMs == nil {
		nowMs = defaultNowMs
	}
	return &Mock{rate: 1.0, volume: 100, nowMs: nowMs}
}

func (m *Mock) Load(_ context.Context, cue Cue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.cue = cue
	m.playing = false
	m.rate = 1.0
	m.volume = cue.Volume
	m.basePos = cue.StartTimeMs
	return nil
}

func (m *Mock) Play(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	m.playing = true
	m.playedFrom = m.nowMs()
	return nil
}

func (m *Mock) Pause(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	m.basePos = m.positionLocked()
	m.playing = false
	return nil
}

func (m *Mock) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.playing = false
	m.basePos = 0
	m.rate = 1.0
	return nil
}

func (m *Mock) Seek(_ context.Context, positionMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	m.basePos = positionMs
	m.playedFrom = m.nowMs()
	return nil
}

func (m *Mock) SetRate(_ context.Context, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	m.basePos = m.positionLocked()
	m.playedFrom = m.nowMs()
	m.rate = rate
	return nil
}

func (m *Mock) SetVolume(_ context.Context, volume int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrNotLoaded
	}
	m.volume = volume
	return nil
}

func (m *Mock) QueryPosition(_ context.Context) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return 0, false
	}
	return m.positionLocked(), true
}

// positionLocked must be called with mu held.
func (m *Mock) positionLocked() int64 {
	if !m.playing {
		return m.basePos
	}
	elapsed := float64(m.nowMs()-m.playedFrom) * m.rate
	return m.basePos + int64(elapsed)
}

func defaultNowMs() int64 {
	return time.Now().UnixMilli()
}
