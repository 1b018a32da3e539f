// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package collab implements the server side of collaborative annotation:
// sessions holding the authoritative annotation state for one image, a
// registry of live sessions, and the WebSocket plumbing that feeds them.
//
// A session processes everything on a single goroutine draining a mailbox
// channel. Member joins and leaves, inbound frames, and timer firings are all
// mailbox events, so their interleaving defines one total order for all
// mutations. Concurrent edits resolve last-write-wins in that order.
package collab

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/metrics"
	"github.com/cytosync/cytosync/internal/persistence"
	"github.com/cytosync/cytosync/internal/protocol"
)

// mailboxSize buffers bursts without blocking connection read pumps.
const mailboxSize = 256

// DefaultSessionName is used until a client renames the session or a loaded
// snapshot supplies a name.
const DefaultSessionName = "Unnamed collaboration"

// ErrSessionClosed is returned by Join when the session's grace period
// expired between lookup and join.
var ErrSessionClosed = errors.New("collaboration session is closed")

type event interface{}

type joinEvent struct{ m *Member }
type leaveEvent struct{ m *Member }
type frameEvent struct {
	m    *Member
	data []byte
}
type loadedEvent struct {
	gen   int
	state *persistence.State
	err   error
}
type saveTimerEvent struct{}
type deathEvent struct{}
type closeEvent struct{ done chan struct{} }
type infoEvent struct{ reply chan SessionInfo }

// stateStore is the slice of the persistence layer a session needs.
// Satisfied by *persistence.Autosaver.
type stateStore interface {
	Save(sessionID string, state *persistence.State) error
	Load(sessionID, image string) (*persistence.State, error)
}

// SessionInfo is a point-in-time snapshot of a session for listings.
type SessionInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Members int    `json:"members"`
}

// Session owns the authoritative state for one collaboration: the annotation
// store, image-wide comments, and the member roster. All state behind the
// mailbox is touched only by the run loop.
type Session struct {
	id       string
	cfg      config.CollabConfig
	classes  *annotation.ClassConfig
	saver    stateStore
	onClosed func(id string)

	mailbox  chan event
	done     chan struct{}
	loadDone chan struct{}

	// Run-loop state.
	image         string
	name          string
	store         *annotation.Store
	comments      []protocol.ImageComment
	nextCommentID int
	lastSaved     *time.Time
	members       []*Member
	colorIndex    int
	dirty         bool
	saveScheduled bool
	loading       bool
	loadGen       int
	pending       []frameEvent
	deathTimer    *time.Timer
}

func newSession(id, image, name string, cfg config.CollabConfig, classes *annotation.ClassConfig, saver stateStore, onClosed func(string)) *Session {
	if name == "" {
		name = DefaultSessionName
	}
	s := &Session{
		id:       id,
		cfg:      cfg,
		classes:  classes,
		saver:    saver,
		onClosed: onClosed,
		mailbox:  make(chan event, mailboxSize),
		done:     make(chan struct{}),
		loadDone: make(chan struct{}),
		image:    image,
		name:     name,
		// The server store has no image metadata, so it cannot bounds-check;
		// clients validate against the real extent before sending.
		store: annotation.NewStore(annotation.StoreConfig{
			Width:   math.Inf(1),
			Height:  math.Inf(1),
			Classes: classes,
		}),
		nextCommentID: 1,
		loading:       true,
	}
	s.startLoad(image)
	go s.run()
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Join adds a connection to the session under the given display name and
// returns the member handle used for Deliver and Leave. Joining a session
// that has already shut down returns ErrSessionClosed; the caller still owns
// the sender.
func (s *Session) Join(name string, sender Sender) (*Member, error) {
	m := newMember(name, sender, s.cfg.MemberRateLimit, s.cfg.MemberRateBurst)
	if !s.post(joinEvent{m: m}) {
		return nil, ErrSessionClosed
	}
	return m, nil
}

// Deliver hands an inbound frame to the session. Called from read pumps.
func (s *Session) Deliver(m *Member, frame []byte) {
	s.post(frameEvent{m: m, data: frame})
}

// Leave removes a member, announcing the departure to the others. The last
// member leaving arms the session's teardown grace timer.
func (s *Session) Leave(m *Member) {
	s.post(leaveEvent{m: m})
}

// Info reports the session's current name, image and member count.
func (s *Session) Info() SessionInfo {
	reply := make(chan SessionInfo, 1)
	select {
	case s.mailbox <- infoEvent{reply: reply}:
	case <-s.done:
		return SessionInfo{ID: s.id}
	}
	select {
	case info := <-reply:
		return info
	case <-s.done:
		return SessionInfo{ID: s.id}
	}
}

// Close saves outstanding changes and stops the session.
func (s *Session) Close(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.mailbox <- closeEvent{done: done}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitLoaded blocks until the initial snapshot load has been applied.
func (s *Session) waitLoaded(ctx context.Context) error {
	select {
	case <-s.loadDone:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// alive reports whether the run loop is still serving events.
func (s *Session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// startLoad begins fetching the snapshot for the given image. The generation
// counter lets the run loop discard results from loads the session has since
// moved past, so a slow read for a previous image cannot overwrite state that
// now belongs to another one.
func (s *Session) startLoad(image string) {
	s.loadGen++
	go s.load(s.loadGen, image)
}

// load fetches the persisted snapshot off the run loop and posts the result.
func (s *Session) load(gen int, image string) {
	state, err := s.saver.Load(s.id, image)
	select {
	case s.mailbox <- loadedEvent{gen: gen, state: state, err: err}:
	case <-s.done:
	}
}

func (s *Session) run() {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	logging.Info().Str("session", s.id).Str("image", s.image).Msg("collaboration session started")

	for ev := range s.mailbox {
		switch ev := ev.(type) {
		case joinEvent:
			s.handleJoin(ev.m)
		case leaveEvent:
			s.handleLeave(ev.m)
		case frameEvent:
			s.handleFrame(ev.m, ev.data)
		case loadedEvent:
			s.handleLoaded(ev)
		case saveTimerEvent:
			s.saveScheduled = false
			if s.dirty {
				s.doSave()
			}
		case deathEvent:
			if len(s.members) > 0 {
				continue
			}
			logging.Info().Str("session", s.id).Msg("grace period expired, closing empty session")
			s.shutdown()
			return
		case closeEvent:
			s.shutdown()
			close(ev.done)
			return
		case infoEvent:
			ev.reply <- SessionInfo{ID: s.id, Name: s.name, Image: s.image, Members: len(s.members)}
		}
	}
}

func (s *Session) shutdown() {
	if s.deathTimer != nil {
		s.deathTimer.Stop()
		s.deathTimer = nil
	}
	if s.dirty {
		s.doSave()
	}
	for _, m := range s.members {
		m.sender.Close()
		metrics.ConnectedMembers.Dec()
	}
	s.members = nil
	close(s.done)

	// Whatever was queued behind the teardown event will never be served.
	// Joins in that backlog hold open connections that must be released.
drain:
	for {
		select {
		case ev := <-s.mailbox:
			switch ev := ev.(type) {
			case joinEvent:
				ev.m.sender.Close()
			case closeEvent:
				close(ev.done)
			}
		default:
			break drain
		}
	}

	s.onClosed(s.id)
	logging.Info().Str("session", s.id).Msg("collaboration session closed")
}

func (s *Session) handleJoin(m *Member) {
	m.color = memberColors[s.colorIndex%len(memberColors)]
	s.colorIndex++
	s.members = append(s.members, m)
	metrics.ConnectedMembers.Inc()

	if s.deathTimer != nil {
		s.deathTimer.Stop()
		s.deathTimer = nil
		logging.Debug().Str("session", s.id).Msg("member rejoined, teardown disarmed")
	}

	snap := m.snapshot()
	s.fanOut(&protocol.MemberEvent{
		Type:       protocol.TypeMemberEvent,
		EventType:  protocol.EventMemberAdd,
		Member:     &snap,
		HardUpdate: true,
	}, func(other *Member) bool { return other != m && other.ready })

	logging.Info().Str("session", s.id).Str("member", m.id).Str("name", m.name).
		Int("members", len(s.members)).Msg("member joined")
}

func (s *Session) handleLeave(m *Member) {
	if !s.removeFromRoster(m) {
		return
	}
	m.sender.Close()
	metrics.ConnectedMembers.Dec()

	s.fanOut(&protocol.MemberEvent{
		Type:       protocol.TypeMemberEvent,
		EventType:  protocol.EventMemberRemove,
		Member:     &protocol.Member{ID: m.id},
		HardUpdate: true,
	}, func(other *Member) bool { return other.ready })

	logging.Info().Str("session", s.id).Str("member", m.id).
		Int("members", len(s.members)).Msg("member left")

	if len(s.members) == 0 {
		s.armDeathClock()
	}
}

func (s *Session) armDeathClock() {
	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	s.deathTimer = time.AfterFunc(grace, func() {
		s.post(deathEvent{})
	})
	logging.Debug().Str("session", s.id).Dur("grace", grace).Msg("session empty, teardown armed")
}

func (s *Session) handleFrame(m *Member, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		if errors.As(err, &unknown) {
			logging.Warn().Str("session", s.id).Str("member", m.id).
				Str("type", unknown.TypeName).Msg("dropping frame of unknown type")
		} else {
			logging.Warn().Str("session", s.id).Str("member", m.id).Err(err).
				Msg("dropping malformed frame")
		}
		return
	}

	// Cursor traffic is the one flood-prone frame kind; lifecycle and edit
	// frames are never rate-dropped.
	if ev, ok := msg.(*protocol.MemberEvent); ok && ev.EventType == protocol.EventMemberCursorUpdate {
		if !m.limiter.Allow() {
			metrics.DroppedFrames.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	if s.loading {
		switch msg.(type) {
		case *protocol.AnnotationAction, *protocol.MetadataAction:
			// Edits arriving before the snapshot is in must apply on top of
			// it, in arrival order.
			s.pending = append(s.pending, frameEvent{m: m, data: data})
			return
		}
	}

	switch msg := msg.(type) {
	case *protocol.AnnotationAction:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeAnnotationAction).Inc()
		s.handleAnnotationAction(m, msg)
	case *protocol.MetadataAction:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeMetadataAction).Inc()
		s.handleMetadataAction(m, msg)
	case *protocol.MemberEvent:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeMemberEvent).Inc()
		s.handleMemberEvent(m, msg)
	case *protocol.ImageSwap:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeImageSwap).Inc()
		s.handleImageSwap(m, msg)
	case *protocol.RequestSummary:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeRequestSummary).Inc()
		s.handleRequestSummary(m, msg)
	case *protocol.NameChange:
		metrics.MessagesReceived.WithLabelValues(protocol.TypeNameChange).Inc()
		s.handleNameChange(m, msg)
	default:
		logging.Warn().Str("session", s.id).Str("member", m.id).
			Msg("ignoring server-origin frame type from client")
	}
}

func (s *Session) handleAnnotationAction(m *Member, msg *protocol.AnnotationAction) {
	if !m.ready {
		logging.Debug().Str("session", s.id).Str("member", m.id).
			Msg("dropping annotation action from member without summary")
		return
	}

	switch msg.ActionType {
	case protocol.ActionAdd:
		if msg.Annotation == nil {
			logging.Warn().Str("session", s.id).Msg("add action without annotation")
			return
		}
		ids := s.store.Add([]annotation.Annotation{*msg.Annotation}, annotation.CoordImage, false)
		if len(ids) == 0 {
			return
		}
		// Forward what was actually stored: a collision or duplicate may
		// have changed the id, and every client must converge on the
		// server's version.
		stored, ok := s.store.GetByID(ids[0])
		if !ok {
			return
		}
		s.fanOut(&protocol.AnnotationAction{
			Type:       protocol.TypeAnnotationAction,
			ActionType: protocol.ActionAdd,
			Annotation: &stored,
		}, func(other *Member) bool { return other != m && other.ready })
		s.markDirty()

	case protocol.ActionUpdate:
		if msg.Annotation == nil {
			logging.Warn().Str("session", s.id).Msg("update action without annotation")
			return
		}
		err := s.store.Update(msg.ID, annotation.FullPatch(*msg.Annotation), annotation.CoordImage, false, false)
		if err != nil {
			logging.Warn().Str("session", s.id).Int("id", msg.ID).Err(err).
				Msg("update for annotation the session does not have")
		}
		s.forwardToOthers(m, msg)
		if err == nil {
			s.markDirty()
		}

	case protocol.ActionRemove:
		err := s.store.Remove([]int{msg.ID}, false)
		if err != nil {
			logging.Warn().Str("session", s.id).Int("id", msg.ID).Err(err).
				Msg("remove for annotation the session does not have")
		}
		s.forwardToOthers(m, msg)
		if err == nil {
			s.markDirty()
		}

	case protocol.ActionClear:
		s.store.Clear(false)
		s.forwardToOthers(m, msg)
		s.markDirty()

	default:
		logging.Warn().Str("session", s.id).Str("actionType", msg.ActionType).
			Msg("forwarding annotation action of unknown subtype")
		s.forwardToOthers(m, msg)
	}
}

func (s *Session) handleMetadataAction(m *Member, msg *protocol.MetadataAction) {
	if !m.ready {
		logging.Debug().Str("session", s.id).Str("member", m.id).
			Msg("dropping metadata action from member without summary")
		return
	}

	switch msg.ActionType {
	case protocol.ActionAddComment:
		body := strings.TrimSpace(msg.Content)
		if body == "" {
			return
		}
		comment := protocol.ImageComment{
			ID:          s.nextCommentID,
			Author:      m.name,
			Body:        body,
			TimeCreated: time.Now().UTC(),
		}
		s.nextCommentID++
		s.comments = append(s.comments, comment)
		// Comment ids are server-assigned, so the sender hears its own
		// comment back instead of applying it locally first.
		s.fanOut(&protocol.MetadataAction{
			Type:       protocol.TypeMetadataAction,
			ActionType: protocol.ActionAddComment,
			Comment:    &comment,
		}, func(other *Member) bool { return other.ready })
		s.markDirty()

	case protocol.ActionRemoveComment:
		found := false
		for i, c := range s.comments {
			if c.ID == msg.ID {
				s.comments = append(s.comments[:i], s.comments[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			logging.Warn().Str("session", s.id).Int("id", msg.ID).
				Msg("remove for comment the session does not have")
			return
		}
		s.fanOut(&protocol.MetadataAction{
			Type:       protocol.TypeMetadataAction,
			ActionType: protocol.ActionRemoveComment,
			ID:         msg.ID,
		}, func(other *Member) bool { return other.ready })
		s.markDirty()

	default:
		logging.Warn().Str("session", s.id).Str("actionType", msg.ActionType).
			Msg("dropping metadata action of unknown subtype")
	}
}

func (s *Session) handleMemberEvent(m *Member, msg *protocol.MemberEvent) {
	switch msg.EventType {
	case protocol.EventMemberUpdate:
		if msg.Member == nil {
			return
		}
		// The roster entry is keyed by connection; clients cannot speak for
		// other members.
		msg.Member.ID = m.id
		s.forwardToOthers(m, msg)
		if msg.Member.Name != "" {
			m.name = msg.Member.Name
		}
		m.position = msg.Member.Position

	case protocol.EventMemberCursorUpdate:
		s.forwardToOthers(m, &protocol.MemberEvent{
			Type:      protocol.TypeMemberEvent,
			EventType: protocol.EventMemberCursorUpdate,
			Member:    &protocol.Member{ID: m.id},
			Cursor:    msg.Cursor,
		})
		m.cursor = msg.Cursor

	default:
		logging.Warn().Str("session", s.id).Str("eventType", msg.EventType).
			Msg("dropping member event of unexpected subtype")
	}
}

func (s *Session) handleImageSwap(m *Member, msg *protocol.ImageSwap) {
	if !m.ready || msg.Image == "" || msg.Image == s.image {
		return
	}

	if s.dirty {
		s.doSave()
	}
	s.forwardToOthers(m, msg)

	logging.Info().Str("session", s.id).Str("from", s.image).Str("to", msg.Image).
		Msg("session moving to another image")

	s.image = msg.Image
	s.store = annotation.NewStore(annotation.StoreConfig{
		Width:   math.Inf(1),
		Height:  math.Inf(1),
		Classes: s.classes,
	})
	s.comments = nil
	s.nextCommentID = 1
	s.dirty = false
	s.loading = true
	s.startLoad(msg.Image)
}

func (s *Session) handleRequestSummary(m *Member, msg *protocol.RequestSummary) {
	if msg.Image == s.image {
		wasReady := m.ready
		m.ready = true
		if !wasReady {
			snap := m.snapshot()
			s.fanOut(&protocol.MemberEvent{
				Type:       protocol.TypeMemberEvent,
				EventType:  protocol.EventMemberUpdate,
				Member:     &snap,
				HardUpdate: true,
			}, func(other *Member) bool { return other != m && other.ready })
		}
	} else {
		logging.Warn().Str("session", s.id).Str("member", m.id).
			Str("requested", msg.Image).Str("bound", s.image).
			Msg("summary request for a different image, member stays not ready")
	}

	s.fanOut(s.buildSummary(m), func(other *Member) bool { return other == m })
}

func (s *Session) buildSummary(requester *Member) *protocol.Summary {
	members := make([]protocol.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m.snapshot())
	}
	comments := make([]protocol.ImageComment, len(s.comments))
	copy(comments, s.comments)
	return &protocol.Summary{
		Type:        protocol.TypeSummary,
		ID:          s.id,
		Name:        s.name,
		RequesterID: requester.id,
		Image:       s.image,
		Members:     members,
		Annotations: s.store.StorageData(),
		Comments:    comments,
		Metadata: protocol.Metadata{
			NextCommentID: s.nextCommentID,
			LastSaved:     s.lastSaved,
		},
	}
}

func (s *Session) handleNameChange(m *Member, msg *protocol.NameChange) {
	if !m.ready || msg.Name == "" || msg.Name == s.name {
		return
	}
	s.name = msg.Name
	s.forwardToOthers(m, msg)
	s.markDirty()
}

func (s *Session) handleLoaded(ev loadedEvent) {
	if ev.gen != s.loadGen {
		logging.Debug().Str("session", s.id).Str("image", s.image).
			Msg("discarding snapshot for an image the session has left")
		return
	}
	s.loading = false
	select {
	case <-s.loadDone:
	default:
		close(s.loadDone)
	}

	switch {
	case ev.err == nil:
		s.store.AddStorageData(ev.state.Annotations)
		s.comments = append([]protocol.ImageComment(nil), ev.state.Comments...)
		next := 1
		for _, c := range s.comments {
			if c.ID >= next {
				next = c.ID + 1
			}
		}
		s.nextCommentID = next
		if ev.state.Name != "" {
			s.name = ev.state.Name
		}
		logging.Info().Str("session", s.id).Str("image", s.image).
			Int("annotations", len(ev.state.Annotations)).Int("comments", len(s.comments)).
			Msg("restored session state")
	case errors.Is(ev.err, persistence.ErrNoState):
		logging.Debug().Str("session", s.id).Str("image", s.image).
			Msg("no prior state, starting empty")
	default:
		logging.Error().Str("session", s.id).Err(ev.err).
			Msg("failed to load session state, starting empty")
	}

	// Apply the edits that raced the load, in arrival order, on top of the
	// restored state.
	pending := s.pending
	s.pending = nil
	for _, fe := range pending {
		s.handleFrame(fe.m, fe.data)
	}

	// Everything members fetched before the rebase is stale now.
	s.fanOut(&protocol.ForceUpdate{Type: protocol.TypeForceUpdate},
		func(*Member) bool { return true })
	for _, m := range s.members {
		m.ready = false
	}
}

// markDirty notes unsaved changes and runs the save policy: an immediate save
// when none is scheduled, plus exactly one trailing save a full interval
// later. Bursts of mutations cost two writes, not one per mutation.
func (s *Session) markDirty() {
	s.dirty = true
	if s.saveScheduled {
		return
	}
	s.saveScheduled = true
	s.doSave()
	interval := s.cfg.AutosaveInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	time.AfterFunc(interval, func() {
		s.post(saveTimerEvent{})
	})
}

func (s *Session) doSave() {
	start := time.Now()
	comments := make([]protocol.ImageComment, len(s.comments))
	copy(comments, s.comments)
	state := &persistence.State{
		Name:        s.name,
		Image:       s.image,
		Annotations: s.store.StorageData(),
		Comments:    comments,
	}
	err := s.saver.Save(s.id, state)
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Saves.WithLabelValues("error").Inc()
		logging.Error().Str("session", s.id).Err(err).Msg("failed to save session state")
		return
	}
	metrics.Saves.WithLabelValues("success").Inc()
	s.dirty = false
	now := time.Now().UTC()
	s.lastSaved = &now
	s.fanOut(&protocol.Autosave{Type: protocol.TypeAutosave, Time: now},
		func(m *Member) bool { return m.ready })
}

// forwardToOthers relays a frame to every ready member except the sender.
func (s *Session) forwardToOthers(sender *Member, msg interface{}) {
	s.fanOut(msg, func(other *Member) bool { return other != sender && other.ready })
}

// fanOut marshals msg once and delivers it to every member the include
// predicate selects. Delivery is best-effort per recipient: a failed send
// culls that member and the rest still receive the frame.
func (s *Session) fanOut(msg interface{}, include func(*Member) bool) {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		logging.Error().Str("session", s.id).Err(err).Msg("failed to marshal outbound frame")
		return
	}
	var failed []*Member
	for _, m := range s.members {
		if !include(m) {
			continue
		}
		if err := m.sender.Send(payload); err != nil {
			metrics.DroppedFrames.WithLabelValues("send_failed").Inc()
			logging.Warn().Str("session", s.id).Str("member", m.id).Err(err).
				Msg("dropping unreachable member")
			failed = append(failed, m)
			continue
		}
		metrics.BroadcastsSent.Inc()
	}
	for _, m := range failed {
		s.cull(m)
	}
}

// cull force-removes a member whose connection failed mid-broadcast.
func (s *Session) cull(m *Member) {
	if !s.removeFromRoster(m) {
		return
	}
	m.sender.Close()
	metrics.ConnectedMembers.Dec()
	s.fanOut(&protocol.MemberEvent{
		Type:       protocol.TypeMemberEvent,
		EventType:  protocol.EventMemberRemove,
		Member:     &protocol.Member{ID: m.id},
		HardUpdate: true,
	}, func(other *Member) bool { return other.ready })
	if len(s.members) == 0 {
		s.armDeathClock()
	}
}

func (s *Session) removeFromRoster(m *Member) bool {
	for i, other := range s.members {
		if other == m {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}
