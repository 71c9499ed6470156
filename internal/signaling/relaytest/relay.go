// Package relaytest runs an in-process signaling relay for tests. It speaks
// the same room protocol as the production relay: every text frame from one
// member of a room is forwarded verbatim to the other members.
package relaytest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/auth"
)

const wsWriteWait = time.Second

type Options struct {
	// Verifier, when set, rejects upgrades whose token query parameter does
	// not verify.
	Verifier auth.Verifier
	// AnswerPings makes the relay reply to heartbeats itself instead of
	// forwarding them.
	AnswerPings bool
}

type Frame struct {
	Room string
	// Conn numbers connections in accept order, starting at 1.
	Conn int
	Data []byte
}

type member struct {
	room    string
	seq     int
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (m *member) write(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

type Relay struct {
	opts     Options
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    map[string]map[*member]struct{}
	frames   []Frame
	accepted int
	rejected int
	changed  chan struct{}
}

func New(tb testing.TB, opts Options) *Relay {
	tb.Helper()
	r := &Relay{
		opts:  opts,
		rooms: make(map[string]map[*member]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		changed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{room}", r.serveRoom)
	r.server = httptest.NewServer(mux)
	tb.Cleanup(r.Close)
	return r
}

// BaseURL is the ws:// URL rooms hang off (append "/<room>").
func (r *Relay) BaseURL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/rooms"
}

func (r *Relay) Close() {
	r.DropAll(websocket.CloseGoingAway)
	r.server.Close()
}

func (r *Relay) serveRoom(w http.ResponseWriter, req *http.Request) {
	room := req.PathValue("room")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if r.opts.Verifier != nil {
		cred, err := auth.CredentialFromQuery(req.URL.Query())
		if err == nil {
			err = r.opts.Verifier.Verify(cred)
		}
		if err != nil {
			r.mu.Lock()
			r.rejected++
			r.notifyLocked()
			r.mu.Unlock()
			writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
	}

	r.mu.Lock()
	r.accepted++
	m := &member{room: room, seq: r.accepted, conn: conn}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*member]struct{})
	}
	r.rooms[room][m] = struct{}{}
	r.notifyLocked()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.rooms[room], m)
		r.notifyLocked()
		r.mu.Unlock()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		r.mu.Lock()
		r.frames = append(r.frames, Frame{Room: room, Conn: m.seq, Data: append([]byte(nil), data...)})
		var peers []*member
		for other := range r.rooms[room] {
			if other != m {
				peers = append(peers, other)
			}
		}
		r.notifyLocked()
		r.mu.Unlock()

		if r.opts.AnswerPings && isPing(data) {
			_ = m.write([]byte(`{"type":"pong"}`))
			continue
		}
		for _, p := range peers {
			_ = p.write(data)
		}
	}
}

// Inject delivers data to every member of room as if a peer had sent it.
func (r *Relay) Inject(room string, data []byte) {
	for _, m := range r.members(room) {
		_ = m.write(data)
	}
}

// DropAll closes every connection with code.
func (r *Relay) DropAll(code int) {
	r.mu.Lock()
	var all []*member
	for _, members := range r.rooms {
		for m := range members {
			all = append(all, m)
		}
	}
	r.mu.Unlock()
	for _, m := range all {
		m.writeMu.Lock()
		writeClose(m.conn, code, "")
		m.writeMu.Unlock()
		_ = m.conn.Close()
	}
}

// Frames returns every frame received for room, in arrival order.
func (r *Relay) Frames(room string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if f.Room == room {
			out = append(out, f)
		}
	}
	return out
}

func (r *Relay) Accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

func (r *Relay) Rejected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

func (r *Relay) Members(room string) int {
	return len(r.members(room))
}

func (r *Relay) members(room string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*member
	for m := range r.rooms[room] {
		out = append(out, m)
	}
	return out
}

var ErrTimeout = errors.New("relaytest: timed out")

// WaitFor polls cond after every relay event until it holds or timeout
// elapses.
func (r *Relay) WaitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		changed := r.changed
		r.mu.Unlock()
		if cond() {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			if cond() {
				return nil
			}
			return ErrTimeout
		}
	}
}

func (r *Relay) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func isPing(data []byte) bool {
	return strings.Contains(string(data), `"type":"ping"`)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
