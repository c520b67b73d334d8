package clocksync

import "testing"

func TestSampleIdentities(t *testing.T) {
	// Agent clock exactly 100ms ahead of coordinator clock, RTT 20ms.
	s := Sample{T1: 1000, T2: 1110, T3: 1110, T4: 1020}
	if got := s.RTT(); got != 20 {
		t.Fatalf("RTT = %d, want 20", got)
	}
	if got := s.Offset(); got != 100 {
		t.Fatalf("Offset = %v, want 100", got)
	}
}

func TestEstimatorNoSamples(t *testing.T) {
	e := New()
	if got := e.OffsetMs(); got != 0 {
		t.Fatalf("OffsetMs = %v, want 0", got)
	}
	if got := e.SampleCount(); got != 0 {
		t.Fatalf("SampleCount = %d, want 0", got)
	}
}

func TestEstimatorConvergesOnConstantOffset(t *testing.T) {
	e := New()
	// Five consistent samples, agent 50ms ahead, RTT 10ms each.
	for i := 0; i < 5; i++ {
		base := int64(i * 1000)
		e.AddSample(Sample{T1: base, T2: base + 55, T3: base + 55, T4: base + 10})
	}
	if got := e.OffsetMs(); got != 50 {
		t.Fatalf("OffsetMs = %v, want 50", got)
	}
	if got := e.SampleCount(); got != 5 {
		t.Fatalf("SampleCount = %d, want 5", got)
	}
}

func TestEstimatorWindowDropsOldest(t *testing.T) {
	e := New()
	for i := 0; i < Window+3; i++ {
		base := int64(i * 1000)
		e.AddSample(Sample{T1: base, T2: base + 50, T3: base + 50, T4: base + 10})
	}
	if got := e.SampleCount(); got != Window {
		t.Fatalf("SampleCount = %d, want %d", got, Window)
	}
}

func TestEstimatorRejectsHighRTTOutlier(t *testing.T) {
	e := New()
	// Four clean samples: offset 50ms, RTT 10ms.
	for i := 0; i < 4; i++ {
		base := int64(i * 1000)
		e.AddSample(Sample{T1: base, T2: base + 55, T3: base + 55, T4: base + 10})
	}
	// One bad sample with a huge RTT (congestion spike) and a wildly
	// different apparent offset; it must be excluded from the median.
	e.AddSample(Sample{T1: 10000, T2: 10500, T3: 10500, T4: 10300})

	if got := e.OffsetMs(); got != 50 {
		t.Fatalf("OffsetMs = %v, want 50 (outlier should be rejected)", got)
	}
}

func TestEstimatorFewerThanThreeUsesAllSamples(t *testing.T) {
	e := New()
	e.AddSample(Sample{T1: 0, T2: 100, T3: 100, T4: 10})
	e.AddSample(Sample{T1: 1000, T2: 2000, T3: 2000, T4: 1010})
	// With only two samples, no outlier rejection is attempted; offset is
	// the median (average of the two) regardless of how different their
	// RTTs are.
	got := e.OffsetMs()
	want := (95.0 + 995.0) / 2.0
	if got != want {
		t.Fatalf("OffsetMs = %v, want %v", got, want)
	}
}

func TestMasterNowMsAppliesOffset(t *testing.T) {
	e := New()
	for i := 0; i < 3; i++ {
		base := int64(i * 1000)
		e.AddSample(Sample{T1: base, T2: base + 200, T3: base + 200, T4: base + 10})
	}
	local := int64(50000)
	got := e.MasterNowMs(&local)
	want := local - int64(e.OffsetMs())
	if got != want {
		t.Fatalf("MasterNowMs = %d, want %d", got, want)
	}
}
