package player

import (
	"context"
	"testing"
)

func TestMockPlayRequiresLoad(t *testing.T) {
	m := NewMock(nil)
	ctx := context.Background()
	if err := m.Play(ctx); err != ErrNotLoaded {
		t.Fatalf("Play before Load: err = %v, want ErrNotLoaded", err)
	}
}

func TestMockPositionAdvancesWhilePlaying(t *testing.T) {
	clock := int64(0)
	m := NewMock(func() int64 { return clock })
	ctx := context.Background()

	if err := m.Load(ctx, Cue{ID: "c1", StartTimeMs: 1000}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pos, ok := m.QueryPosition(ctx); !ok || pos != 1000 {
		t.Fatalf("QueryPosition before Play = (%d, %v), want (1000, true)", pos, ok)
	}

	if err := m.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	clock = 2000
	if pos, ok := m.QueryPosition(ctx); !ok || pos != 3000 {
		t.Fatalf("QueryPosition after 2000ms = (%d, %v), want (3000, true)", pos, ok)
	}
}

func TestMockPauseFreezesPosition(t *testing.T) {
	clock := int64(0)
	m := NewMock(func() int64 { return clock })
	ctx := context.Background()
	m.Load(ctx, Cue{ID: "c1"})
	m.Play(ctx)

	clock = 500
	m.Pause(ctx)
	clock = 5000
	pos, ok := m.QueryPosition(ctx)
	if !ok || pos != 500 {
		t.Fatalf("QueryPosition after pause = (%d, %v), want (500, true)", pos, ok)
	}
}

func TestMockSetRateScalesPosition(t *testing.T) {
	clock := int64(0)
	m := NewMock(func() int64 { return clock })
	ctx := context.Background()
	m.Load(ctx, Cue{ID: "c1"})
	m.Play(ctx)
	m.SetRate(ctx, 2.0)

	clock = 1000
	pos, ok := m.QueryPosition(ctx)
	if !ok || pos != 2000 {
		t.Fatalf("QueryPosition at 2x rate = (%d, %v), want (2000, true)", pos, ok)
	}
}

func TestMockSeekRepositions(t *testing.T) {
	clock := int64(0)
	m := NewMock(func() int64 { return clock })
	ctx := context.Background()
	m.Load(ctx, Cue{ID: "c1"})
	m.Play(ctx)

	if err := m.Seek(ctx, 9000); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	pos, ok := m.QueryPosition(ctx)
	if !ok || pos != 9000 {
		t.Fatalf("QueryPosition after seek = (%d, %v), want (9000, true)", pos, ok)
	}
}

func TestMockStopClearsLoadedState(t *testing.T) {
	m := NewMock(nil)
	ctx := context.Background()
	m.Load(ctx, Cue{ID: "c1"})
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := m.QueryPosition(ctx); ok {
		t.Fatal("QueryPosition after Stop should report unavailable")
	}
}
