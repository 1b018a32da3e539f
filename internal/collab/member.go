// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package collab

import (
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cytosync/cytosync/internal/protocol"
)

// Sender delivers one outbound frame to a member's connection. Send must not
// block the session loop; implementations queue internally and report a full
// or dead connection as an error so the session can cull the member.
type Sender interface {
	Send(frame []byte) error
	Close()
}

// memberColors is the palette cycled through as members join, so every
// participant's cursor and annotations are visually distinct.
var memberColors = []string{
	"#C944D5", "#44D58D", "#D5A944", "#448DD5", "#D54444",
	"#44D5D5", "#8D44D5", "#A9D544",
}

// Member is one connected participant, owned by its session. All fields
// except the immutable id and sender are touched only from the session loop.
type Member struct {
	id       string
	name     string
	color    string
	position *protocol.Position
	cursor   *protocol.Cursor
	ready    bool

	sender  Sender
	limiter *rate.Limiter
}

// newMember builds a roster entry; its color is assigned by the session loop
// when the join is processed.
func newMember(name string, sender Sender, limit float64, burst int) *Member {
	lim := rate.NewLimiter(rate.Inf, 0)
	if limit > 0 {
		lim = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return &Member{
		id:      uuid.NewString(),
		name:    name,
		sender:  sender,
		limiter: lim,
	}
}

// ID returns the member's stable identifier.
func (m *Member) ID() string {
	return m.id
}

// snapshot builds the wire representation of the member's current state.
func (m *Member) snapshot() protocol.Member {
	return protocol.Member{
		ID:       m.id,
		Name:     m.name,
		Color:    m.color,
		Position: m.position,
		Cursor:   m.cursor,
		Ready:    m.ready,
	}
}
