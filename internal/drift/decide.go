// Package drift implements the pure drift-correction decision function
// used by the agent playback driver's drift loop.
//
// Grounded on original_source/client/clock_client.py's correction logic.
package drift

import "math"

// Action is the corrective action a drift decision recommends.
type Action string

const (
	ActionNone       Action = "none"
	ActionRateAdjust Action = "rate_adjust"
	ActionHardSeek   Action = "hard_seek"
)

// Decide implements spec §4.3: drift_ms = actual_pos - expected_pos,
// positive meaning playback is ahead of schedule.
//
//  1. |drift_ms| > hardSeekThresholdMs -> (hard_seek, 1.0).
//  2. |drift_ms| == 0 -> (rate_adjust, 1.0).
//  3. Otherwise, proportionally scale the rate between rateMin/rateMax as
//     |drift_ms| approaches maxDriftMs, clamping to rateMin/rateMax beyond
//     maxDriftMs up to hardSeekThresholdMs.
func Decide(driftMs, maxDriftMs, hardSeekThresholdMs, rateMin, rateMax float64) (Action, float64) {
	abs := math.Abs(driftMs)

	if abs > hardSeekThresholdMs {
		return ActionHardSeek, 1.0
	}

	if driftMs == 0 {
		return ActionRateAdjust, 1.0
	}

	scale := abs / maxDriftMs
	if scale > 1 {
		scale = 1
	}

	var rate float64
	if driftMs > 0 {
		// Playing ahead of schedule: slow down.
		rate = 1 - scale*(1-rateMin)
		if rate < rateMin {
			rate = rateMin
		}
	} else {
		// Playing behind schedule: speed up.
		rate = 1 + scale*(rateMax-1)
		if rate > rateMax {
			rate = rateMax
		}
	}

	return ActionRateAdjust, round4(rate)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
