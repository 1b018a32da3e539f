// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package protocol defines the JSON wire messages exchanged between clients
// and a collaboration session: one object per WebSocket frame, dispatched by
// its "type" field. The literal "__ping__"/"__pong__" liveness frames are the
// single non-JSON exception and are checked before decoding.
package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cytosync/cytosync/internal/annotation"
)

// Liveness probe literals, exchanged as raw text frames.
const (
	PingLiteral = "__ping__"
	PongLiteral = "__pong__"
)

// Message type discriminators.
const (
	TypeAnnotationAction = "annotationAction"
	TypeMetadataAction   = "metadataAction"
	TypeMemberEvent      = "memberEvent"
	TypeImageSwap        = "imageSwap"
	TypeRequestSummary   = "requestSummary"
	TypeSummary          = "summary"
	TypeNameChange       = "nameChange"
	TypeForceUpdate      = "forceUpdate"
	TypeAutosave         = "autosave"
)

// Annotation action subtypes.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionRemove = "remove"
	ActionClear  = "clear"
)

// Metadata action subtypes.
const (
	ActionAddComment    = "addComment"
	ActionRemoveComment = "removeComment"
)

// Member event subtypes.
const (
	EventMemberAdd          = "add"
	EventMemberRemove       = "remove"
	EventMemberUpdate       = "update"
	EventMemberCursorUpdate = "cursorUpdate"
)

// Position is a member's viewport center, zoom and rotation.
type Position struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        int     `json:"z"`
	Zoom     float64 `json:"zoom"`
	Rotation float64 `json:"rotation"`
}

// Cursor is a member's pointer location in viewport coordinates.
type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Held   bool    `json:"held"`
	Inside bool    `json:"inside"`
}

// Member is one connected client in a session roster.
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Position *Position `json:"position,omitempty"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	Ready    bool      `json:"ready"`
}

// ImageComment is a session-level comment on the image itself, distinct from
// per-annotation comments. Ids are assigned by the server.
type ImageComment struct {
	ID          int       `json:"id"`
	Author      string    `json:"author"`
	Body        string    `json:"body"`
	TimeCreated time.Time `json:"timeCreated"`
}

// Metadata carries summary bookkeeping that is neither annotations nor
// comments.
type Metadata struct {
	NextCommentID int        `json:"nextCommentId"`
	LastSaved     *time.Time `json:"lastSaved,omitempty"`
}

// AnnotationAction mutates the shared annotation list.
type AnnotationAction struct {
	Type       string                 `json:"type"`
	ActionType string                 `json:"actionType"`
	ID         int                    `json:"id,omitempty"`
	Annotation *annotation.Annotation `json:"annotation,omitempty"`
}

// MetadataAction adds or removes an image comment. Content is set on
// addComment requests; Comment is filled in by the server on the broadcast,
// carrying the authoritative id.
type MetadataAction struct {
	Type       string        `json:"type"`
	ActionType string        `json:"actionType"`
	Content    string        `json:"content,omitempty"`
	ID         int           `json:"id,omitempty"`
	Comment    *ImageComment `json:"comment,omitempty"`
}

// MemberEvent announces roster changes and cursor/position updates.
type MemberEvent struct {
	Type      string  `json:"type"`
	EventType string  `json:"eventType"`
	Member    *Member `json:"member,omitempty"`
	Cursor    *Cursor `json:"cursor,omitempty"`

	// HardUpdate tells recipients to overwrite their local view of the
	// member wholesale. Set on roster announcements originated here.
	HardUpdate bool `json:"hardUpdate,omitempty"`
}

// ImageSwap moves the session to another image.
type ImageSwap struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// RequestSummary asks for the full-state bootstrap. Naming the session's
// bound image is what marks the requester ready for live broadcasts.
type RequestSummary struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// Summary is the full-state bootstrap reply, replacing local state wholesale.
type Summary struct {
	Type        string                  `json:"type"`
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	RequesterID string                  `json:"requesterId"`
	Image       string                  `json:"image"`
	Members     []Member                `json:"members"`
	Annotations []annotation.Annotation `json:"annotations"`
	Comments    []ImageComment          `json:"comments"`
	Metadata    Metadata                `json:"metadata"`
}

// NameChange renames the session.
type NameChange struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ForceUpdate tells every client to discard local state and re-request a
// summary (sent after the server rebases onto freshly loaded state).
type ForceUpdate struct {
	Type string `json:"type"`
}

// Autosave notifies members that the session state was saved.
type Autosave struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// envelope sniffs the type discriminator before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// ErrUnknownType wraps the unrecognized type string of an inbound frame.
type ErrUnknownType struct {
	TypeName string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.TypeName)
}

// Marshal encodes a wire message.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses one inbound frame into its concrete message struct.
// Returns *ErrUnknownType for unrecognized type discriminators; the frame is
// otherwise well-formed and the caller decides whether to drop or forward.
func Decode(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeAnnotationAction:
		msg = &AnnotationAction{}
	case TypeMetadataAction:
		msg = &MetadataAction{}
	case TypeMemberEvent:
		msg = &MemberEvent{}
	case TypeImageSwap:
		msg = &ImageSwap{}
	case TypeRequestSummary:
		msg = &RequestSummary{}
	case TypeSummary:
		msg = &Summary{}
	case TypeNameChange:
		msg = &NameChange{}
	case TypeForceUpdate:
		msg = &ForceUpdate{}
	case TypeAutosave:
		msg = &Autosave{}
	default:
		return nil, &ErrUnknownType{TypeName: env.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return msg, nil
}
