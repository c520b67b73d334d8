// Package clocksync implements the four-timestamp round-trip clock-offset
// estimator shared by the coordinator's per-session sync probe and the
// agent's drift-correction loop.
//
// Grounded on original_source/shared/clock_sync.py (ClockSyncState).
package clocksync

import (
	"sort"
	"time"
)

// Window is the maximum number of recent samples retained (W=8, spec §3).
const Window = 8

// outlierFactor bounds retained samples to rtt <= outlierFactor * median(rtt).
const outlierFactor = 2.0

// Sample is one four-timestamp round-trip measurement (spec §3).
//
//	t1: coordinator send time (coordinator clock)
//	t2: agent receive time (agent clock)
//	t3: agent reply-send time (agent clock)
//	t4: coordinator receive time (coordinator clock)
type Sample struct {
	T1, T2, T3, T4 int64
}

// RTT is (t4-t1) - (t3-t2).
func (s Sample) RTT() int64 {
	return (s.T4 - s.T1) - (s.T3 - s.T2)
}

// Offset is agent_clock - coordinator_clock, positive meaning the agent is
// ahead: ((t2-t1) + (t3-t4)) / 2.
func (s Sample) Offset() float64 {
	return float64((s.T2-s.T1)+(s.T3-s.T4)) / 2.0
}

// Estimator maintains a rolling window of samples and the current offset
// estimate, per spec §3/§4.2.
type Estimator struct {
	samples []Sample // oldest first, len <= Window
	offset  float64
}

// New returns an estimator with no samples and an offset of 0.
func New() *Estimator {
	return &Estimator{}
}

// AddSample appends a sample, trimming to the last Window samples
// (drop-oldest), and recomputes the offset estimate.
func (e *Estimator) AddSample(s Sample) {
	e.samples = append(e.samples, s)
	if len(e.samples) > Window {
		e.samples = e.samples[len(e.samples)-Window:]
	}
	e.recompute()
}

// recompute implements the deterministic algorithm from spec §4.2: with no
// samples, offset is 0; with >=3 samples, outliers whose RTT exceeds
// 2*median(RTT) are rejected and the offset is the median of the rest;
// with fewer than 3 samples, the offset is the median of all of them.
// Ties in the median are broken by lower T1, matching the Python
// implementation's stable list order (samples are appended in arrival
// order, and Go's sort.Slice here is used only for value comparison, not
// to reorder the retained window).
func (e *Estimator) recompute() {
	if len(e.samples) == 0 {
		e.offset = 0
		return
	}

	pool := e.samples
	if len(e.samples) >= 3 {
		rtts := make([]int64, len(e.samples))
		for i, s := range e.samples {
			rtts[i] = s.RTT()
		}
		medianRTT := medianInt64(rtts)
		threshold := float64(medianRTT) * outlierFactor

		good := make([]Sample, 0, len(e.samples))
		for _, s := range e.samples {
			if float64(s.RTT()) <= threshold {
				good = append(good, s)
			}
		}
		if len(good) > 0 {
			pool = good
		}
	}

	e.offset = medianOffset(pool)
}

// OffsetMs returns the current offset estimate in milliseconds.
func (e *Estimator) OffsetMs() float64 {
	return e.offset
}

// SampleCount returns the number of samples currently retained.
func (e *Estimator) SampleCount() int {
	return len(e.samples)
}

// MasterNowMs converts a local wall-clock instant to the estimated
// coordinator ("master") time. If localMs is nil the current wall clock is
// used.
func (e *Estimator) MasterNowMs(localMs *int64) int64 {
	local := nowMs()
	if localMs != nil {
		local = *localMs
	}
	return local - int64(e.offset)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func medianInt64(values []int64) int64 {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianOffset(samples []Sample) float64 {
	// Sort a copy by offset (with T1 as the tiebreaker, per spec §4.2) so
	// the median is well-defined without mutating sample arrival order.
	sorted := append([]Sample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Offset() == sorted[j].Offset() {
			return sorted[i].T1 < sorted[j].T1
		}
		return sorted[i].Offset() < sorted[j].Offset()
	})
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2].Offset()
	}
	return (sorted[n/2-1].Offset() + sorted[n/2].Offset()) / 2.0
}
