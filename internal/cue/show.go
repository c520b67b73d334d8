package cue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ClientEntry is a named placeholder in the show file for a display that
// is expected to connect; it is advisory only (session admission does not
// consult it).
type ClientEntry struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// GlobalSettings holds show-wide display defaults.
type GlobalSettings struct {
	Fullscreen       bool `toml:"fullscreen"`
	DefaultVolume    int  `toml:"default_volume"`
	DefaultFadeInMs  int  `toml:"default_fade_in_ms"`
	DefaultFadeOutMs int  `toml:"default_fade_out_ms"`
}

// DefaultGlobalSettings returns the show-file defaults.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{Fullscreen: true, DefaultVolume: 100}
}

// Show is the fully-parsed contents of a .cuemesh.toml show file.
type Show struct {
	Title         string
	Version       int
	CreatedUtc    string
	ModifiedUtc   string
	MediaRoot     string
	DropoutPolicy string // "continue" | "freeze" | "black"
	Sync          SyncConfig
	Settings      GlobalSettings
	Clients       []ClientEntry
	Cues          []Cue
}

// rawShowTable mirrors the on-disk [show] table layout, which nests sync
// and settings under it but keeps clients/cues as top-level arrays of
// tables (matching original_source/shared/show.py's load_show).
type rawShowTable struct {
	Title         string         `toml:"title"`
	Version       int            `toml:"version"`
	CreatedUtc    string         `toml:"created_utc"`
	ModifiedUtc   string         `toml:"modified_utc"`
	MediaRoot     string         `toml:"media_root"`
	DropoutPolicy string         `toml:"dropout_policy"`
	Sync          SyncConfig     `toml:"sync"`
	Settings      GlobalSettings `toml:"settings"`
}

type rawShowFile struct {
	Show    rawShowTable  `toml:"show"`
	Clients []ClientEntry `toml:"clients"`
	Cues    []Cue         `toml:"cues"`
}

// LoadShow parses a .cuemesh.toml show file from disk, applying the same
// defaults as an empty/partial file would: "Untitled Show", version 1,
// media_root "~/cuemesh_media", dropout_policy "continue", and the
// default SyncConfig/GlobalSettings.
func LoadShow(path string) (*Show, error) {
	raw := rawShowFile{
		Show: rawShowTable{
			Title:         "Untitled Show",
			Version:       1,
			MediaRoot:     "~/cuemesh_media",
			DropoutPolicy: "continue",
			Sync:          DefaultSyncConfig(),
			Settings:      DefaultGlobalSettings(),
		},
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("cue: load show %s: %w", path, err)
	}

	return &Show{
		Title:         raw.Show.Title,
		Version:       raw.Show.Version,
		CreatedUtc:    raw.Show.CreatedUtc,
		ModifiedUtc:   raw.Show.ModifiedUtc,
		MediaRoot:     raw.Show.MediaRoot,
		DropoutPolicy: raw.Show.DropoutPolicy,
		Sync:          raw.Show.Sync,
		Settings:      raw.Show.Settings,
		Clients:       raw.Clients,
		Cues:          raw.Cues,
	}, nil
}

// Validate checks show-wide invariants and every cue's own validation,
// plus duplicate cue ids across the show.
func (s *Show) Validate() []string {
	var errs []string
	switch s.DropoutPolicy {
	case "continue", "freeze", "black":
	default:
		errs = append(errs, fmt.Sprintf("invalid dropout_policy: %s", s.DropoutPolicy))
	}
	if s.Sync.Mode != "medium" {
		errs = append(errs, fmt.Sprintf("invalid sync.mode: %s", s.Sync.Mode))
	}

	seen := make(map[string]bool, len(s.Cues))
	for _, c := range s.Cues {
		errs = append(errs, c.Validate()...)
		if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("duplicate cue id: %s", c.ID))
		}
		seen[c.ID] = true
	}
	return errs
}

// MediaPathCheck is one resolved cue asset path and whether it exists on
// disk, returned by ValidateMediaPaths.
type MediaPathCheck struct {
	CueID        string
	ResolvedPath string
	Exists       bool
}

// ValidateMediaPaths resolves every cue's asset file against the show's
// media_root (itself resolved relative to basePath) and reports whether
// it exists, so an operator can catch missing media before a GO.
//
// Grounded on original_source/shared/show.py's validate_media_paths /
// original_source/controller/preflight.py.
func (s *Show) ValidateMediaPaths(basePath string) []MediaPathCheck {
	mediaRoot := expandHome(s.MediaRoot)
	if !filepath.IsAbs(mediaRoot) {
		mediaRoot = filepath.Join(basePath, mediaRoot)
	}
	mediaRoot = filepath.Clean(mediaRoot)

	results := make([]MediaPathCheck, 0, len(s.Cues))
	for _, c := range s.Cues {
		resolved := filepath.Clean(filepath.Join(mediaRoot, c.File))
		_, err := os.Stat(resolved)
		results = append(results, MediaPathCheck{
			CueID:        c.ID,
			ResolvedPath: resolved,
			Exists:       err == nil,
		})
	}
	return results
}

func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
