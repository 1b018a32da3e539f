// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package history provides a bounded reverse-patch log for JSON documents on
// disk. Every durable write may go through WriteWithHistory instead of a raw
// write; a sidecar file then allows restoring the document to any of its last
// N states.
//
// Each history entry's patch, applied to the state that succeeded it, yields
// that entry's own state (patches point backward in time). The newest entry
// always carries the empty patch "{}" since it is the current state. Patches
// are RFC 7386 JSON merge patches.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/goccy/go-json"

	"github.com/cytosync/cytosync/internal/logging"
)

// FormatVersion is written into every sidecar file.
const FormatVersion = "1.1"

// DefaultCap bounds the number of revertable versions kept per file.
const DefaultCap = 50

// emptyPatch is the merge patch that changes nothing.
const emptyPatch = "{}"

// ErrUnknownVersion is returned by Revert for version ids not in the sidecar.
var ErrUnknownVersion = errors.New("unknown history version")

// ErrCorruptHistory is returned when the sidecar and data file disagree, for
// example history entries exist but the data file is missing.
var ErrCorruptHistory = errors.New("corrupt history")

// Entry is one recorded version of a document.
type Entry struct {
	ID   int       `json:"id"`
	Time time.Time `json:"time"`
	// Patch is the serialized merge patch restoring this entry's state from
	// its successor's. "{}" on the newest entry.
	Patch string `json:"patch"`
}

// sidecar is the persisted history file, newest entry first.
type sidecar struct {
	Version string  `json:"version"`
	NextID  int     `json:"nextId"`
	History []Entry `json:"history"`
}

// Tracker writes JSON documents with bounded revert history.
type Tracker struct {
	cap int
}

// NewTracker creates a tracker keeping at most cap versions per file.
// Non-positive cap uses DefaultCap.
func NewTracker(cap int) *Tracker {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Tracker{cap: cap}
}

// SidecarPath returns the history file path for a data file path: same
// directory, "history_" prefix on the file name.
func SidecarPath(path string) string {
	return filepath.Join(filepath.Dir(path), "history_"+filepath.Base(path))
}

// WriteWithHistory writes newData to path and records the transition in the
// sidecar. If newData parses equal to the current on-disk contents, neither
// file is touched: repeated identical writes (including repeated reverts to
// the same version) must not pile up near-identical entries.
func (t *Tracker) WriteWithHistory(path string, newData []byte) error {
	if !json.Valid(newData) {
		return fmt.Errorf("refusing to write invalid JSON to %s", path)
	}

	oldData, err := os.ReadFile(path)
	haveOld := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read previous data: %w", err)
	}

	if haveOld && jsonpatch.Equal(oldData, newData) {
		return nil
	}

	side, err := t.readSidecar(path)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if haveOld {
		// The patch restoring the old state lives on the old state's entry.
		reverse, err := jsonpatch.CreateMergePatch(newData, oldData)
		if err != nil {
			return fmt.Errorf("failed to compute reverse patch: %w", err)
		}
		if len(side.History) == 0 {
			// Data written before history tracking began; give it an entry
			// so it stays revertable.
			side.History = []Entry{{ID: side.NextID, Time: now, Patch: string(reverse)}}
			side.NextID++
		} else {
			side.History[0].Patch = string(reverse)
		}
	}

	side.History = append([]Entry{{ID: side.NextID, Time: now, Patch: emptyPatch}}, side.History...)
	side.NextID++
	if len(side.History) > t.cap {
		side.History = side.History[:t.cap]
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, newData, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	sideData, err := json.Marshal(side)
	if err != nil {
		return fmt.Errorf("failed to marshal history sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(path), sideData, 0o644); err != nil {
		return fmt.Errorf("failed to write history sidecar: %w", err)
	}
	return nil
}

// Versions lists the recorded versions of path, newest first.
func (t *Tracker) Versions(path string) ([]Entry, error) {
	side, err := t.readSidecar(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(side.History))
	copy(out, side.History)
	return out, nil
}

// Revert restores path to the state recorded under versionID by replaying
// reverse patches from the current tip back to the target, then writing the
// reconstructed state back through WriteWithHistory. Reverting is itself a
// history-producing write, never a destructive rewrite of history.
func (t *Tracker) Revert(path string, versionID int) error {
	side, err := t.readSidecar(path)
	if err != nil {
		return err
	}

	target := -1
	for i, entry := range side.History {
		if entry.ID == versionID {
			target = i
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("%w: %d in %s", ErrUnknownVersion, versionID, path)
	}

	state, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && len(side.History) > 0 {
			return fmt.Errorf("%w: %d history entries but no data file %s", ErrCorruptHistory, len(side.History), path)
		}
		return fmt.Errorf("failed to read data file: %w", err)
	}

	for i := 1; i <= target; i++ {
		state, err = jsonpatch.MergePatch(state, []byte(side.History[i].Patch))
		if err != nil {
			return fmt.Errorf("%w: failed to apply patch for version %d: %v", ErrCorruptHistory, side.History[i].ID, err)
		}
	}

	logging.Info().Str("path", path).Int("version", versionID).Msg("reverting file to recorded version")
	return t.WriteWithHistory(path, state)
}

func (t *Tracker) readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(SidecarPath(path))
	if os.IsNotExist(err) {
		return &sidecar{Version: FormatVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history sidecar: %w", err)
	}
	side := &sidecar{}
	if err := json.Unmarshal(data, side); err != nil {
		return nil, fmt.Errorf("%w: unparseable sidecar for %s: %v", ErrCorruptHistory, path, err)
	}
	side.Version = FormatVersion
	return side, nil
}
