// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package persistence stores collaboration session snapshots on disk as JSON
// files, one file per (image, session) pair, with revert history kept by the
// history package.
package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/history"
	"github.com/cytosync/cytosync/internal/protocol"
)

// FormatVersion is the snapshot format written by Save. Version "1.0" files
// (written before image-wide comments existed) still load, with no comments.
const FormatVersion = "1.1"

// ErrNoState is returned by Load when no snapshot exists for the pair.
// Callers treat it as an empty prior state, not a failure.
var ErrNoState = errors.New("no persisted state")

// State is a session snapshot.
type State struct {
	Version     string                  `json:"version"`
	Name        string                  `json:"name"`
	Image       string                  `json:"image"`
	Annotations []annotation.Annotation `json:"annotations"`
	Comments    []protocol.ImageComment `json:"comments"`
}

// Autosaver reads and writes session snapshots under a data directory.
type Autosaver struct {
	dir     string
	tracker *history.Tracker
}

// NewAutosaver creates an autosaver rooted at dir. Snapshots written through
// it keep revert history via tracker.
func NewAutosaver(dir string, tracker *history.Tracker) *Autosaver {
	return &Autosaver{dir: dir, tracker: tracker}
}

// FilePath returns the snapshot path for an (image, session) pair. Both parts
// are sanitized so arbitrary image names and session ids cannot escape dir.
func (a *Autosaver) FilePath(image, sessionID string) string {
	return filepath.Join(a.dir, sanitize(image)+"_"+sanitize(sessionID)+".json")
}

// Save writes state as the current snapshot for its (image, session) pair.
// The write goes through history.WriteWithHistory, so an unchanged state is a
// no-op and a changed one becomes a new revertable version.
func (a *Autosaver) Save(sessionID string, state *State) error {
	state.Version = FormatVersion
	if state.Annotations == nil {
		state.Annotations = []annotation.Annotation{}
	}
	if state.Comments == nil {
		state.Comments = []protocol.ImageComment{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return a.tracker.WriteWithHistory(a.FilePath(state.Image, sessionID), data)
}

// Load reads the snapshot for an (image, session) pair. A missing file is
// ErrNoState.
func (a *Autosaver) Load(sessionID, image string) (*State, error) {
	data, err := os.ReadFile(a.FilePath(image, sessionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w for session %s on %s", ErrNoState, sessionID, image)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	if state.Comments == nil {
		state.Comments = []protocol.ImageComment{}
	}
	if state.Annotations == nil {
		state.Annotations = []annotation.Annotation{}
	}
	return state, nil
}

// Versions lists the revertable versions of the snapshot for a pair.
func (a *Autosaver) Versions(sessionID, image string) ([]history.Entry, error) {
	return a.tracker.Versions(a.FilePath(image, sessionID))
}

// Revert restores the snapshot for a pair to an earlier recorded version.
func (a *Autosaver) Revert(sessionID, image string, versionID int) error {
	return a.tracker.Revert(a.FilePath(image, sessionID), versionID)
}

// sanitize maps any rune outside [A-Za-z0-9._-] to underscore.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		}
		return '_'
	}, s)
}
