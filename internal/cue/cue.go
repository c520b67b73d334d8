// Package cue defines the cue and show-wide configuration records that
// flow from the show-file layer into the core sync engine, plus loading
// and preflight validation for the TOML show file itself.
//
// Grounded on original_source/shared/show.py.
package cue

import "fmt"

// Cue is an immutable-once-dispatched cue record (spec §3).
type Cue struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Type         string `toml:"type"` // "video" | "image"
	File         string `toml:"file"`
	StartTimeMs  int64  `toml:"start_time_ms"`
	EndTimeMs    *int64 `toml:"end_time_ms,omitempty"`
	Volume       int    `toml:"volume"`
	Loop         bool   `toml:"loop"`
	FadeInMs     int    `toml:"fade_in_ms"`
	FadeOutMs    int    `toml:"fade_out_ms"`
	AutoFollowMs *int64 `toml:"auto_follow_ms,omitempty"`
	Notes        string `toml:"notes"`
}

// Validate checks the cue's own fields, independent of its siblings.
func (c Cue) Validate() []string {
	var errs []string
	if c.ID == "" {
		errs = append(errs, "cue missing id")
	} else if !isValidCueID(c.ID) {
		errs = append(errs, fmt.Sprintf("cue id %q contains invalid characters", c.ID))
	}
	if c.Type != "video" && c.Type != "image" {
		errs = append(errs, fmt.Sprintf("cue %q: type must be 'video' or 'image'", c.ID))
	}
	if c.File == "" {
		errs = append(errs, fmt.Sprintf("cue %q: file is required", c.ID))
	}
	if c.Volume < 0 || c.Volume > 100 {
		errs = append(errs, fmt.Sprintf("cue %q: volume must be 0-100", c.ID))
	}
	return errs
}

func isValidCueID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// SyncCorrection holds the drift-correction tunables (spec §3).
type SyncCorrection struct {
	RateMin             float64 `toml:"rate_min"`
	RateMax             float64 `toml:"rate_max"`
	HardSeekThresholdMs int     `toml:"hard_seek_threshold_ms"`
	SyncIntervalMs      int     `toml:"sync_interval_ms"`
}

// DefaultSyncCorrection returns the spec §3 defaults.
func DefaultSyncCorrection() SyncCorrection {
	return SyncCorrection{
		RateMin:             0.98,
		RateMax:             1.02,
		HardSeekThresholdMs: 300,
		SyncIntervalMs:      1000,
	}
}

// SyncConfig holds the show-wide sync tunables (spec §3).
type SyncConfig struct {
	Mode        string         `toml:"mode"`
	MaxDriftMs  int            `toml:"max_drift_ms"`
	StartLeadMs int            `toml:"start_lead_ms"`
	Correction  SyncCorrection `toml:"correction"`
}

// DefaultSyncConfig returns the spec §3 defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Mode:        "medium",
		MaxDriftMs:  150,
		StartLeadMs: 250,
		Correction:  DefaultSyncCorrection(),
	}
}
