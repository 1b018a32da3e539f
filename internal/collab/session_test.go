// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/persistence"
	"github.com/cytosync/cytosync/internal/protocol"
)

func init() {
	logging.Init(logging.Config{Level: "disabled"})
}

const testImage = "slide-1.tiff"

// fakeSender records everything the session sends to one member.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("simulated send failure")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// ofType decodes recorded frames and returns those matching the given type
// discriminator.
func (f *fakeSender) ofType(t *testing.T, wantType string) []interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, frame := range f.frames {
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("session sent undecodable frame %q: %v", frame, err)
		}
		typed := false
		switch m := msg.(type) {
		case *protocol.AnnotationAction:
			typed = m.Type == wantType
		case *protocol.MetadataAction:
			typed = m.Type == wantType
		case *protocol.MemberEvent:
			typed = m.Type == wantType
		case *protocol.Summary:
			typed = m.Type == wantType
		case *protocol.ForceUpdate:
			typed = m.Type == wantType
		case *protocol.Autosave:
			typed = m.Type == wantType
		case *protocol.NameChange:
			typed = m.Type == wantType
		case *protocol.ImageSwap:
			typed = m.Type == wantType
		}
		if typed {
			out = append(out, msg)
		}
	}
	return out
}

// fakeStore is an in-memory stateStore with an optional gate holding Load
// open, used to exercise the load-in-flight queueing path.
type fakeStore struct {
	mu       sync.Mutex
	saves    int
	last     *persistence.State
	state    *persistence.State
	loadGate chan struct{}
}

func (f *fakeStore) Save(sessionID string, state *persistence.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.last = state
	return nil
}

func (f *fakeStore) Load(sessionID, image string) (*persistence.State, error) {
	f.mu.Lock()
	gate := f.loadGate
	state := f.state
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if state == nil {
		return nil, persistence.ErrNoState
	}
	return state, nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeStore) lastState() *persistence.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func testConfig() config.CollabConfig {
	return config.CollabConfig{
		AutosaveInterval: 80 * time.Millisecond,
		GracePeriod:      60 * time.Millisecond,
		MaxMessageSize:   512 * 1024,
	}
}

func startSession(t *testing.T, store stateStore, cfg config.CollabConfig) (*Session, chan string) {
	t.Helper()
	closed := make(chan string, 1)
	s := newSession("s0test", testImage, "", cfg, annotation.NewClassConfig(nil), store, func(id string) {
		closed <- id
	})
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.waitLoaded(ctx); err != nil {
		t.Fatalf("session load did not finish: %v", err)
	}
	return s, closed
}

// barrier waits until every previously posted mailbox event is processed.
func barrier(t *testing.T, s *Session) {
	t.Helper()
	s.Info()
}

func deliver(t *testing.T, s *Session, m *Member, msg interface{}) {
	t.Helper()
	frame, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.Deliver(m, frame)
}

func mustJoin(t *testing.T, s *Session, name string, sender Sender) *Member {
	t.Helper()
	m, err := s.Join(name, sender)
	if err != nil {
		t.Fatalf("Join(%q) error = %v", name, err)
	}
	return m
}

func joinReady(t *testing.T, s *Session, name string) (*Member, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	m := mustJoin(t, s, name, sender)
	deliver(t, s, m, &protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: testImage})
	barrier(t, s)
	return m, sender
}

func markerAdd(points ...annotation.Point) *protocol.AnnotationAction {
	return &protocol.AnnotationAction{
		Type:       protocol.TypeAnnotationAction,
		ActionType: protocol.ActionAdd,
		Annotation: &annotation.Annotation{Points: points, Z: 0, MClass: "NILM", Author: "tester"},
	}
}

func TestSummaryMarksRequesterReady(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	sender := &fakeSender{}
	m := mustJoin(t, s, "ada", sender)
	barrier(t, s)

	if m.ready {
		t.Fatal("member ready before requesting a summary")
	}
	deliver(t, s, m, &protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: testImage})
	barrier(t, s)

	if !m.ready {
		t.Error("member not ready after matching summary request")
	}
	summaries := sender.ofType(t, protocol.TypeSummary)
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	sum := summaries[0].(*protocol.Summary)
	if sum.RequesterID != m.ID() || sum.Image != testImage {
		t.Errorf("summary requesterId=%q image=%q, want %q/%q", sum.RequesterID, sum.Image, m.ID(), testImage)
	}
}

func TestSummaryForWrongImageDoesNotMarkReady(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	sender := &fakeSender{}
	m := mustJoin(t, s, "ada", sender)
	deliver(t, s, m, &protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: "other.tiff"})
	barrier(t, s)

	if m.ready {
		t.Error("member ready after summary request for a different image")
	}
}

func TestAnnotationActionGatedOnReadiness(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	sender := &fakeSender{}
	m := mustJoin(t, s, "ada", sender)
	barrier(t, s)

	deliver(t, s, m, markerAdd(annotation.Point{X: 10, Y: 10}))
	barrier(t, s)

	if got := s.store.Counts().Annotations; got != 0 {
		t.Errorf("store has %d annotations from a not-ready member, want 0", got)
	}
}

func TestAnnotationAddAppliedAndForwarded(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	a, aSender := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")

	deliver(t, s, a, markerAdd(annotation.Point{X: 100, Y: 100}))
	barrier(t, s)

	if got := s.store.Counts().Annotations; got != 1 {
		t.Fatalf("store has %d annotations, want 1", got)
	}

	forwarded := bSender.ofType(t, protocol.TypeAnnotationAction)
	if len(forwarded) != 1 {
		t.Fatalf("other member got %d annotation actions, want 1", len(forwarded))
	}
	action := forwarded[0].(*protocol.AnnotationAction)
	if action.ActionType != protocol.ActionAdd || action.Annotation == nil {
		t.Fatalf("unexpected forwarded action: %+v", action)
	}
	if action.Annotation.ID <= 0 {
		t.Errorf("forwarded annotation id = %d, want server-assigned positive id", action.Annotation.ID)
	}

	if echoes := aSender.ofType(t, protocol.TypeAnnotationAction); len(echoes) != 0 {
		t.Errorf("annotation action echoed back to its sender: %d frames", len(echoes))
	}
}

func TestCommentEchoWithAuthoritativeID(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	a, aSender := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")

	deliver(t, s, a, &protocol.MetadataAction{
		Type:       protocol.TypeMetadataAction,
		ActionType: protocol.ActionAddComment,
		Content:    "  mitotic figure upper right  ",
	})
	barrier(t, s)

	for name, sender := range map[string]*fakeSender{"sender": aSender, "other": bSender} {
		actions := sender.ofType(t, protocol.TypeMetadataAction)
		if len(actions) != 1 {
			t.Fatalf("%s got %d metadata actions, want 1", name, len(actions))
		}
		action := actions[0].(*protocol.MetadataAction)
		if action.Comment == nil {
			t.Fatalf("%s broadcast has no comment", name)
		}
		if action.Comment.ID != 1 {
			t.Errorf("%s comment id = %d, want server-assigned 1", name, action.Comment.ID)
		}
		if action.Comment.Body != "mitotic figure upper right" {
			t.Errorf("%s comment body = %q, want trimmed", name, action.Comment.Body)
		}
		if action.Comment.Author != "ada" {
			t.Errorf("%s comment author = %q, want ada", name, action.Comment.Author)
		}
	}
}

func TestEmptyCommentIsNoOp(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	a, aSender := joinReady(t, s, "ada")

	deliver(t, s, a, &protocol.MetadataAction{
		Type:       protocol.TypeMetadataAction,
		ActionType: protocol.ActionAddComment,
		Content:    "   ",
	})
	barrier(t, s)

	if len(s.comments) != 0 {
		t.Errorf("whitespace-only comment stored: %+v", s.comments)
	}
	if actions := aSender.ofType(t, protocol.TypeMetadataAction); len(actions) != 0 {
		t.Errorf("whitespace-only comment broadcast %d frames", len(actions))
	}
}

func TestAutosaveDebounce(t *testing.T) {
	store := &fakeStore{}
	s, _ := startSession(t, store, testConfig())
	a, aSender := joinReady(t, s, "ada")

	for i := 0; i < 5; i++ {
		deliver(t, s, a, markerAdd(annotation.Point{X: float64(i * 10), Y: 20}))
	}
	barrier(t, s)

	if got := store.saveCount(); got != 1 {
		t.Errorf("saves after burst = %d, want 1 immediate save", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.saveCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	barrier(t, s)
	if got := store.saveCount(); got != 2 {
		t.Fatalf("saves after debounce window = %d, want exactly 2", got)
	}
	if got := len(store.lastState().Annotations); got != 5 {
		t.Errorf("trailing save captured %d annotations, want 5", got)
	}
	if saved := aSender.ofType(t, protocol.TypeAutosave); len(saved) != 2 {
		t.Errorf("member got %d autosave notifications, want 2", len(saved))
	}
}

func TestCleanSessionDoesNotSave(t *testing.T) {
	store := &fakeStore{}
	s, _ := startSession(t, store, testConfig())
	joinReady(t, s, "ada")
	barrier(t, s)
	if got := store.saveCount(); got != 0 {
		t.Errorf("joining and requesting a summary caused %d saves, want 0", got)
	}
}

func TestDeathClockClosesEmptySession(t *testing.T) {
	store := &fakeStore{}
	s, closed := startSession(t, store, testConfig())
	a, _ := joinReady(t, s, "ada")
	deliver(t, s, a, markerAdd(annotation.Point{X: 1, Y: 2}))
	s.Leave(a)

	select {
	case id := <-closed:
		if id != s.ID() {
			t.Errorf("closed callback got id %q, want %q", id, s.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("empty session not closed after grace period")
	}
	if store.saveCount() == 0 {
		t.Error("dirty session closed without a final save")
	}
}

func TestJoinClosedSessionFails(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sender := &fakeSender{}
	if _, err := s.Join("ada", sender); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Join on closed session: err = %v, want ErrSessionClosed", err)
	}
}

func TestDeathClockDisarmedByRejoin(t *testing.T) {
	s, closed := startSession(t, &fakeStore{}, testConfig())
	a, _ := joinReady(t, s, "ada")
	s.Leave(a)
	barrier(t, s)

	// Rejoin well inside the 60ms test grace period.
	joinReady(t, s, "grace")

	select {
	case <-closed:
		t.Fatal("session closed despite a member rejoining within the grace period")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestActionsQueueBehindLoad(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{
		loadGate: gate,
		state: &persistence.State{
			Name:  "restored session",
			Image: testImage,
			Annotations: []annotation.Annotation{
				{ID: 900, Points: []annotation.Point{{X: 5, Y: 5}}, Z: 0, MClass: "HSIL", Author: "earlier"},
			},
			Comments: []protocol.ImageComment{{ID: 4, Author: "earlier", Body: "old note"}},
		},
	}
	closed := make(chan string, 1)
	s := newSession("s0test", testImage, "", testConfig(), annotation.NewClassConfig(nil), store, func(id string) {
		closed <- id
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	sender := &fakeSender{}
	m := mustJoin(t, s, "ada", sender)
	// Summary requests are handled even mid-load, so the member can be ready
	// while edits queue.
	deliver(t, s, m, &protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: testImage})
	deliver(t, s, m, markerAdd(annotation.Point{X: 50, Y: 50}))
	deliver(t, s, m, markerAdd(annotation.Point{X: 60, Y: 60}))
	barrier(t, s)

	if got := s.store.Counts().Annotations; got != 0 {
		t.Fatalf("edits applied while load in flight: %d annotations", got)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.waitLoaded(ctx); err != nil {
		t.Fatalf("load did not finish: %v", err)
	}
	barrier(t, s)

	// Restored annotation plus the two queued adds, applied in order on top.
	if got := s.store.Counts().Annotations; got != 3 {
		t.Errorf("store has %d annotations after drain, want 3", got)
	}
	if s.name != "restored session" {
		t.Errorf("session name = %q, want name from snapshot", s.name)
	}
	if s.nextCommentID != 5 {
		t.Errorf("nextCommentID = %d, want 5 (max restored id + 1)", s.nextCommentID)
	}

	if updates := sender.ofType(t, protocol.TypeForceUpdate); len(updates) != 1 {
		t.Errorf("member got %d forceUpdate frames, want 1", len(updates))
	}
	if m.ready {
		t.Error("member still ready after rebase, must re-request summary")
	}
}

// slowImageStore blocks loads for one image behind the embedded gate while
// any other image loads empty immediately.
type slowImageStore struct {
	fakeStore
	slowImage string
}

func (f *slowImageStore) Load(sessionID, image string) (*persistence.State, error) {
	if image == f.slowImage {
		return f.fakeStore.Load(sessionID, image)
	}
	return nil, persistence.ErrNoState
}

func TestStaleLoadDiscardedAfterImageSwap(t *testing.T) {
	gate := make(chan struct{})
	store := &slowImageStore{
		fakeStore: fakeStore{
			loadGate: gate,
			state: &persistence.State{
				Name:  "archived slide notes",
				Image: testImage,
				Annotations: []annotation.Annotation{
					{ID: 901, Points: []annotation.Point{{X: 5, Y: 5}}, Z: 0, MClass: "HSIL", Author: "earlier"},
				},
				Comments: []protocol.ImageComment{{ID: 7, Author: "earlier", Body: "old note"}},
			},
		},
		slowImage: testImage,
	}
	closed := make(chan string, 1)
	s := newSession("s0test", testImage, "", testConfig(), annotation.NewClassConfig(nil), store, func(id string) {
		closed <- id
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	sender := &fakeSender{}
	m := mustJoin(t, s, "ada", sender)
	deliver(t, s, m, &protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: testImage})
	barrier(t, s)

	// Swap away while the first image's snapshot read is still in flight.
	deliver(t, s, m, &protocol.ImageSwap{Type: protocol.TypeImageSwap, Image: "slide-2.tiff"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.waitLoaded(ctx); err != nil {
		t.Fatalf("load for the new image did not finish: %v", err)
	}
	barrier(t, s)

	// Let the first image's read resolve and reach the mailbox.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	barrier(t, s)

	if s.image != "slide-2.tiff" {
		t.Fatalf("session image = %q, want slide-2.tiff", s.image)
	}
	if got := s.store.Counts().Annotations; got != 0 {
		t.Errorf("previous image's snapshot applied after swap: %d annotations", got)
	}
	if s.name != DefaultSessionName {
		t.Errorf("session name = %q, adopted from a discarded snapshot", s.name)
	}
	if s.nextCommentID != 1 {
		t.Errorf("nextCommentID = %d, want 1 for a fresh image", s.nextCommentID)
	}
}

func TestNameChange(t *testing.T) {
	store := &fakeStore{}
	s, _ := startSession(t, store, testConfig())
	a, _ := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")

	deliver(t, s, a, &protocol.NameChange{Type: protocol.TypeNameChange, Name: DefaultSessionName})
	barrier(t, s)
	if store.saveCount() != 0 {
		t.Error("unchanged name triggered a save")
	}

	deliver(t, s, a, &protocol.NameChange{Type: protocol.TypeNameChange, Name: "tumor board prep"})
	barrier(t, s)
	if s.name != "tumor board prep" {
		t.Errorf("session name = %q", s.name)
	}
	if forwarded := bSender.ofType(t, protocol.TypeNameChange); len(forwarded) != 1 {
		t.Errorf("other member got %d nameChange frames, want 1", len(forwarded))
	}
	if store.saveCount() == 0 {
		t.Error("rename did not trigger a save")
	}
}

func TestFailedSendCullsMember(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	a, _ := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")
	_, cSender := joinReady(t, s, "edsger")

	bSender.mu.Lock()
	bSender.fail = true
	bSender.mu.Unlock()

	deliver(t, s, a, markerAdd(annotation.Point{X: 7, Y: 7}))
	barrier(t, s)

	info := s.Info()
	if info.Members != 2 {
		t.Errorf("members after cull = %d, want 2", info.Members)
	}
	bSender.mu.Lock()
	bClosed := bSender.closed
	bSender.mu.Unlock()
	if !bClosed {
		t.Error("culled member's connection not closed")
	}
	// The healthy third member still got the annotation despite the failure.
	if forwarded := cSender.ofType(t, protocol.TypeAnnotationAction); len(forwarded) != 1 {
		t.Errorf("healthy member got %d annotation actions, want 1", len(forwarded))
	}
}

func TestCursorUpdatesForwardedNotEchoed(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	a, aSender := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")

	deliver(t, s, a, &protocol.MemberEvent{
		Type:      protocol.TypeMemberEvent,
		EventType: protocol.EventMemberCursorUpdate,
		Cursor:    &protocol.Cursor{X: 0.4, Y: 0.6, Inside: true},
	})
	barrier(t, s)

	events := bSender.ofType(t, protocol.TypeMemberEvent)
	var cursorEvents []*protocol.MemberEvent
	for _, ev := range events {
		if me := ev.(*protocol.MemberEvent); me.EventType == protocol.EventMemberCursorUpdate {
			cursorEvents = append(cursorEvents, me)
		}
	}
	if len(cursorEvents) != 1 {
		t.Fatalf("other member got %d cursor updates, want 1", len(cursorEvents))
	}
	if cursorEvents[0].Member == nil || cursorEvents[0].Member.ID != a.ID() {
		t.Error("cursor update not attributed to the moving member")
	}
	for _, ev := range aSender.ofType(t, protocol.TypeMemberEvent) {
		if me := ev.(*protocol.MemberEvent); me.EventType == protocol.EventMemberCursorUpdate {
			t.Error("cursor update echoed back to its sender")
		}
	}
	if a.cursor == nil || a.cursor.X != 0.4 {
		t.Errorf("cursor not applied to roster: %+v", a.cursor)
	}
}

func TestCursorRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MemberRateLimit = 1
	cfg.MemberRateBurst = 1
	s, _ := startSession(t, &fakeStore{}, cfg)
	a, _ := joinReady(t, s, "ada")
	_, bSender := joinReady(t, s, "grace")

	for i := 0; i < 20; i++ {
		deliver(t, s, a, &protocol.MemberEvent{
			Type:      protocol.TypeMemberEvent,
			EventType: protocol.EventMemberCursorUpdate,
			Cursor:    &protocol.Cursor{X: float64(i)},
		})
	}
	// Edit frames are never rate-dropped, even mid-flood.
	deliver(t, s, a, markerAdd(annotation.Point{X: 3, Y: 3}))
	barrier(t, s)

	cursorCount := 0
	for _, ev := range bSender.ofType(t, protocol.TypeMemberEvent) {
		if ev.(*protocol.MemberEvent).EventType == protocol.EventMemberCursorUpdate {
			cursorCount++
		}
	}
	if cursorCount >= 20 {
		t.Errorf("rate limiter passed all %d cursor updates", cursorCount)
	}
	if got := s.store.Counts().Annotations; got != 1 {
		t.Errorf("annotation dropped during cursor flood: %d stored, want 1", got)
	}
}

func TestJoinAnnouncedToOthers(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	_, aSender := joinReady(t, s, "ada")

	sender := &fakeSender{}
	m := mustJoin(t, s, "grace", sender)
	barrier(t, s)

	added := false
	for _, ev := range aSender.ofType(t, protocol.TypeMemberEvent) {
		me := ev.(*protocol.MemberEvent)
		if me.EventType == protocol.EventMemberAdd && me.Member != nil && me.Member.ID == m.ID() {
			added = true
			if me.Member.Name != "grace" {
				t.Errorf("announced name = %q", me.Member.Name)
			}
			if me.Member.Color == "" {
				t.Error("announced member has no color")
			}
		}
	}
	if !added {
		t.Error("existing member never heard about the join")
	}
	if got := sender.ofType(t, protocol.TypeMemberEvent); len(got) != 0 {
		t.Errorf("join announced to the joining member itself: %d frames", len(got))
	}
}

func TestMemberColorsDistinct(t *testing.T) {
	s, _ := startSession(t, &fakeStore{}, testConfig())
	seen := make(map[string]bool)
	for i := 0; i < len(memberColors); i++ {
		m, _ := joinReady(t, s, fmt.Sprintf("member-%d", i))
		if seen[m.color] {
			t.Errorf("color %q assigned twice within palette size", m.color)
		}
		seen[m.color] = true
	}
}
