// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package transport implements the client side of a collaboration session:
// a WebSocket connection to the server with typed send methods and a Handler
// interface for inbound frames.
//
// Client is a plain state machine, Disconnected, Connecting, Connected. A
// dead connection returns it to Disconnected; there is no automatic reconnect
// and no offline queue. Mutation sends while disconnected are silent no-ops,
// matching a viewer that simply stops collaborating when the link drops.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// State is the client's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives inbound session traffic. All callbacks run on the client's
// single read goroutine. A Summary replaces local annotations, comments, and
// members wholesale; incremental frames arrive only between summaries.
type Handler interface {
	HandleSummary(s *protocol.Summary)
	HandleAnnotationAction(a *protocol.AnnotationAction)
	HandleMetadataAction(a *protocol.MetadataAction)
	HandleMemberEvent(e *protocol.MemberEvent)
	HandleImageSwap(s *protocol.ImageSwap)
	HandleNameChange(n *protocol.NameChange)
	HandleAutosave(a *protocol.Autosave)
	HandleDisconnect(err error)
}

// Client is a connection to one collaboration session. Its send methods also
// satisfy the annotation store's Transmitter, so a store wired to a client
// transmits every local mutation.
type Client struct {
	baseURL string
	handler Handler
	httpc   *http.Client

	state atomic.Int32

	mu    sync.Mutex
	conn  *websocket.Conn
	id    string
	image string
	name  string
}

// NewClient creates a disconnected client for a server at baseURL
// (http(s)://host[:port]).
func NewClient(baseURL string, handler Handler) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		handler: handler,
		httpc:   &http.Client{Timeout: handshakeTimeout},
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionID returns the joined session's id, empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Image returns the image the client joined with.
func (c *Client) Image() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image
}

// apiEnvelope is the server's REST response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateAndConnect mints a fresh session id from the server and connects
// to it.
func (c *Client) CreateAndConnect(ctx context.Context, name, image string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/collaboration/id", nil)
	if err != nil {
		return fmt.Errorf("failed to build id request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request session id: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("failed to read id response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session id request returned %d", resp.StatusCode)
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse id response: %w", err)
	}
	if !env.Success {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return fmt.Errorf("session id request failed: %s", msg)
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ID == "" {
		return fmt.Errorf("session id response missing id")
	}
	return c.Connect(ctx, data.ID, name, image)
}

// Connect joins the session with the given id under a display name, bound to
// an image. On success the client is Connected and a summary request is
// already on the wire.
func (c *Client) Connect(ctx context.Context, id, name, image string) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return fmt.Errorf("client is %s, disconnect first", c.State())
	}

	wsURL, err := c.socketURL(id, name, image)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(Disconnected))
		return fmt.Errorf("failed to join session %s: %w", id, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.id = id
	c.image = image
	c.name = name
	c.mu.Unlock()
	c.state.Store(int32(Connected))

	logging.Info().Str("session", id).Str("image", image).Msg("joined collaboration session")

	go c.readLoop(conn)
	c.RequestSummary()
	return nil
}

func (c *Client) socketURL(id, name, image string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/collaboration/" + id
	q := u.Query()
	q.Set("name", name)
	q.Set("image", image)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Disconnect closes the connection. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// dropConn transitions to Disconnected if conn is still the active
// connection. Returns false when a newer connection took over.
func (c *Client) dropConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.id = ""
	c.image = ""
	c.state.Store(int32(Disconnected))
	return true
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
	}
	conn.SetPingHandler(func(data string) error {
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.dropConn(conn) {
				logging.Info().Err(err).Msg("collaboration connection closed")
				c.handler.HandleDisconnect(err)
			}
			return
		}

		if string(data) == protocol.PingLiteral {
			c.sendRaw(conn, []byte(protocol.PongLiteral))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.Warn().Err(err).Msg("ignoring inbound frame")
			continue
		}

		switch msg := msg.(type) {
		case *protocol.Summary:
			c.handler.HandleSummary(msg)
		case *protocol.AnnotationAction:
			c.handler.HandleAnnotationAction(msg)
		case *protocol.MetadataAction:
			c.handler.HandleMetadataAction(msg)
		case *protocol.MemberEvent:
			c.handler.HandleMemberEvent(msg)
		case *protocol.ImageSwap:
			c.mu.Lock()
			c.image = msg.Image
			c.mu.Unlock()
			c.handler.HandleImageSwap(msg)
			c.RequestSummary()
		case *protocol.NameChange:
			c.handler.HandleNameChange(msg)
		case *protocol.Autosave:
			c.handler.HandleAutosave(msg)
		case *protocol.ForceUpdate:
			// The server rebased; local state is stale until the next summary.
			c.RequestSummary()
		default:
			logging.Warn().Msgf("ignoring inbound frame of type %T", msg)
		}
	}
}

// send marshals and writes one frame. Disconnected clients drop the frame
// silently.
func (c *Client) send(msg interface{}) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() != Connected {
		logging.Debug().Msg("dropping outbound frame while disconnected")
		return
	}
	payload, err := protocol.Marshal(msg)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	c.sendRaw(conn, payload)
}

func (c *Client) sendRaw(conn *websocket.Conn, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set write deadline")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logging.Warn().Err(err).Msg("failed to send frame")
		_ = conn.Close()
	}
}

// RequestSummary asks the server for the full-state bootstrap. Naming the
// bound image is what flips this client to ready on the server side.
func (c *Client) RequestSummary() {
	c.mu.Lock()
	image := c.image
	c.mu.Unlock()
	c.send(&protocol.RequestSummary{Type: protocol.TypeRequestSummary, Image: image})
}

// SendAnnotationAdd transmits a locally added annotation.
func (c *Client) SendAnnotationAdd(a annotation.Annotation) {
	c.send(&protocol.AnnotationAction{
		Type:       protocol.TypeAnnotationAction,
		ActionType: protocol.ActionAdd,
		Annotation: &a,
	})
}

// SendAnnotationUpdate transmits a locally updated annotation.
func (c *Client) SendAnnotationUpdate(id int, a annotation.Annotation) {
	c.send(&protocol.AnnotationAction{
		Type:       protocol.TypeAnnotationAction,
		ActionType: protocol.ActionUpdate,
		ID:         id,
		Annotation: &a,
	})
}

// SendAnnotationRemove transmits a local removal.
func (c *Client) SendAnnotationRemove(id int) {
	c.send(&protocol.AnnotationAction{
		Type:       protocol.TypeAnnotationAction,
		ActionType: protocol.ActionRemove,
		ID:         id,
	})
}

// SendAnnotationClear transmits a local clear of all annotations.
func (c *Client) SendAnnotationClear() {
	c.send(&protocol.AnnotationAction{
		Type:       protocol.TypeAnnotationAction,
		ActionType: protocol.ActionClear,
	})
}

// SendComment submits an image comment. The id comes back in the server's
// broadcast, never locally.
func (c *Client) SendComment(content string) {
	c.send(&protocol.MetadataAction{
		Type:       protocol.TypeMetadataAction,
		ActionType: protocol.ActionAddComment,
		Content:    content,
	})
}

// SendCommentRemove removes an image comment by its server-assigned id.
func (c *Client) SendCommentRemove(id int) {
	c.send(&protocol.MetadataAction{
		Type:       protocol.TypeMetadataAction,
		ActionType: protocol.ActionRemoveComment,
		ID:         id,
	})
}

// SendMemberUpdate announces a change to this member's name or viewport.
func (c *Client) SendMemberUpdate(m protocol.Member) {
	c.send(&protocol.MemberEvent{
		Type:      protocol.TypeMemberEvent,
		EventType: protocol.EventMemberUpdate,
		Member:    &m,
	})
}

// SendCursor streams this member's pointer position.
func (c *Client) SendCursor(cursor protocol.Cursor) {
	c.send(&protocol.MemberEvent{
		Type:      protocol.TypeMemberEvent,
		EventType: protocol.EventMemberCursorUpdate,
		Cursor:    &cursor,
	})
}

// ChangeName renames the session for everyone.
func (c *Client) ChangeName(name string) {
	c.send(&protocol.NameChange{Type: protocol.TypeNameChange, Name: name})
}

// SwapImage moves the whole session to another image. The local binding is
// rebound immediately; the server forwards the swap to the other members
// only, so the initiator gets no inbound imageSwap of its own and later
// summary requests must already name the new image.
func (c *Client) SwapImage(image string) {
	if c.State() != Connected {
		return
	}
	c.mu.Lock()
	c.image = image
	c.mu.Unlock()
	c.send(&protocol.ImageSwap{Type: protocol.TypeImageSwap, Image: image})
}
