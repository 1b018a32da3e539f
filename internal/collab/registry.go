// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package collab

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/persistence"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const idLength = 6

// Registry tracks live collaboration sessions. It is owned by the composition
// root and injected where needed; there is no package-level instance.
type Registry struct {
	cfg     config.CollabConfig
	classes *annotation.ClassConfig
	saver   *persistence.Autosaver

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. Sessions it creates persist through
// saver and validate annotation classes against classes.
func NewRegistry(cfg config.CollabConfig, classes *annotation.ClassConfig, saver *persistence.Autosaver) *Registry {
	return &Registry{
		cfg:      cfg,
		classes:  classes,
		saver:    saver,
		sessions: make(map[string]*Session),
	}
}

// MintID returns a short base-36 id unused by any live session. Collisions
// with persisted-but-inactive sessions are fine: joining such an id resumes
// that session's saved state, which is the desired behavior.
func (r *Registry) MintID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		buf := make([]byte, idLength)
		for i := range buf {
			buf[i] = idAlphabet[rand.IntN(len(idAlphabet))]
		}
		id := string(buf)
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

// Get returns the live session with the given id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Create starts a new session. An existing live session under the same id is
// returned instead; session ids are stable meeting points, not capabilities.
// A session whose grace period just expired counts as absent, so joins racing
// the teardown get a fresh session that resumes the persisted state.
func (r *Registry) Create(id, image, name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.alive() {
		return s
	}
	var s *Session
	s = newSession(id, image, name, r.cfg, r.classes, r.saver, func(closedID string) {
		r.remove(closedID, s)
	})
	r.sessions[id] = s
	return s
}

// GetOrCreate returns the live session for id, creating it bound to image if
// none exists. This is the join path: the first member to use an id brings
// the session up.
func (r *Registry) GetOrCreate(id, image string) *Session {
	return r.Create(id, image, "")
}

// ActiveForImage lists live sessions bound to the given image.
func (r *Registry) ActiveForImage(image string) []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	// Info blocks on each session's loop; never hold the registry lock here.
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if info := s.Info(); info.Image == image {
			infos = append(infos, info)
		}
	}
	return infos
}

// CloseAll saves and stops every live session. Used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// remove is the onClosed callback handed to sessions. The pointer check keeps
// a dying session's callback from evicting a successor registered under the
// same id.
func (r *Registry) remove(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
}

// count reports the number of live sessions.
func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ReaperService ties the registry's lifetime to the supervision tree: it
// blocks until the tree shuts down, then closes every session so final saves
// happen before the process exits.
type ReaperService struct {
	registry *Registry
}

// NewReaperService wraps registry as a suture-servable service.
func NewReaperService(registry *Registry) *ReaperService {
	return &ReaperService{registry: registry}
}

// Serve implements suture.Service.
func (r *ReaperService) Serve(ctx context.Context) error {
	<-ctx.Done()
	logging.Info().Int("sessions", r.registry.count()).Msg("shutting down collaboration sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.registry.CloseAll(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("failed to close all sessions cleanly")
	}
	return ctx.Err()
}

func (r *ReaperService) String() string {
	return "collab-session-reaper"
}
