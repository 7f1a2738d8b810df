package frontend

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketTransport is a persistent transport over one websocket. Each text
// frame read is one request; replies and pushes are written as text frames.
type socketTransport struct {
	conn    *websocket.Conn
	info    gameserver.SocketInfo
	sendBuf chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSocketTransport(conn *websocket.Conn) *socketTransport {
	return &socketTransport{
		conn:    conn,
		info:    gameserver.SocketInfo{SessionID: -1, Persistent: true},
		sendBuf: make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (t *socketTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	select {
	case t.sendBuf <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (t *socketTransport) SocketInfo() *gameserver.SocketInfo { return &t.info }

func (t *socketTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	_ = t.conn.Close()
}

// writer drains the send buffer onto the socket until the transport closes.
func (t *socketTransport) writer() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.sendBuf:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.Close()
				return
			}
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warnf("[GAMESERVER] websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	t := newSocketTransport(conn)
	go t.writer()
	defer s.closeConnectionAndRecover(t, r.RemoteAddr)

	s.Logger.Infof("[GAMESERVER] accepted websocket connection from %s", r.RemoteAddr)
	sessionID := sessionFromRequest(r, nil)
	multimessage := r.Header.Get("X-TBS-Protocol") == "2"

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := doc.ParseMap(data)
		if err != nil {
			_ = t.Send(doc.MustMarshal(doc.Map{"type": "error", "message": "malformed request: " + err.Error()}))
			continue
		}
		if doc.Has(msg, "session_id") {
			sessionID = doc.Int(msg, "session_id", -1)
		}
		if doc.Int(msg, "protocol", 1) >= 2 {
			multimessage = true
		}
		sid, multi := sessionID, multimessage
		if !s.Do(r.Context(), func() {
			t.info.SupportsMultimessage = multi
			t.info.Nick = doc.String(msg, "user")
			s.Base.HandleMessage(t, sid, msg)
		}) {
			return
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, closes
// the socket and unparks the transport regardless of the state of the connection.
func (s *Server) closeConnectionAndRecover(t *socketTransport, addr string) {
	if err := recover(); err != nil {
		s.Logger.Errorf("error in websocket communication with %s: error=%s, trace: %s", addr, err, debug.Stack())
	}
	t.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Do(ctx, func() { s.Base.Detach(t) })
	s.Logger.Infof("[GAMESERVER] disconnected websocket client %s", addr)
}
