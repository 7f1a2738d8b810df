package frontend

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
)

const maxRequestSize = 1 << 20

var (
	errAnswered = errors.New("request already answered")
	errGone     = errors.New("client went away")
	errClosed   = errors.New("transport closed")
)

// AjaxTransport answers one long-polling HTTP request. The owner sends it at
// most one payload; once the requester is gone every send fails so the
// message goes back on the session queue.
type AjaxTransport struct {
	info    gameserver.SocketInfo
	replies chan []byte
	closed  chan struct{}

	// mu orders a send against the requester giving up.
	mu   sync.Mutex
	gone bool
}

func NewAjaxTransport(info gameserver.SocketInfo) *AjaxTransport {
	return &AjaxTransport{
		info:    info,
		replies: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (t *AjaxTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return errGone
	}
	select {
	case t.replies <- msg:
		return nil
	default:
		return errAnswered
	}
}

func (t *AjaxTransport) SocketInfo() *gameserver.SocketInfo { return &t.info }

func (t *AjaxTransport) Close() {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
}

// Await blocks until the transport is answered or closed, or ctx ends. Once
// ctx has ended later sends fail, and the caller should detach t from
// wherever it is parked. A payload accepted before ctx ended is returned
// along with ctx's error; it never reached the client and belongs back on
// the session queue.
func (t *AjaxTransport) Await(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-t.replies:
		return payload, nil
	case <-t.closed:
		select {
		case payload := <-t.replies:
			return payload, nil
		default:
			return nil, errClosed
		}
	case <-ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		t.gone = true
		select {
		case payload := <-t.replies:
			return payload, ctx.Err()
		default:
			return nil, ctx.Err()
		}
	}
}

// sessionFromRequest prefers the session cookie, then the body's session_id.
func sessionFromRequest(r *http.Request, msg doc.Map) int {
	if c, err := r.Cookie("session"); err == nil {
		if id, err := strconv.Atoi(c.Value); err == nil {
			return id
		}
	}
	return doc.Int(msg, "session_id", -1)
}

func supportsMultimessage(r *http.Request, msg doc.Map) bool {
	return doc.Int(msg, "protocol", 1) >= 2 || r.Header.Get("X-TBS-Protocol") == "2"
}

func (s *Server) handleAjax(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		s.Logger.Warnf("[GAMESERVER] failed to read request from %s: %v", r.RemoteAddr, err)
		return
	}
	msg, err := doc.ParseMap(body)
	if err != nil {
		WriteResponse(w, r, doc.MustMarshal(doc.Map{"type": "error", "message": "malformed request: " + err.Error()}), s.Config.GameServer.CompressionThreshold, s.Logger)
		return
	}
	s.serve(w, r, msg)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastSeen := -1
	if v, err := strconv.Atoi(r.URL.Query().Get("last_seen")); err == nil {
		lastSeen = v
	}
	s.serve(w, r, doc.Map{"type": "get_status", "last_seen": lastSeen})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, doc.Map{"type": "get_server_info"})
}

// serve hands msg to the Base and blocks until the transport is answered or
// the client disconnects.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, msg doc.Map) {
	sessionID := sessionFromRequest(r, msg)
	t := NewAjaxTransport(gameserver.SocketInfo{
		SessionID:            sessionID,
		Nick:                 doc.String(msg, "user"),
		SupportsMultimessage: supportsMultimessage(r, msg),
	})
	if !s.Do(r.Context(), func() { s.Base.HandleMessage(t, sessionID, msg) }) {
		return
	}

	payload, err := t.Await(r.Context())
	switch {
	case err == nil:
		if err := WriteResponse(w, r, payload, s.Config.GameServer.CompressionThreshold, s.Logger); err != nil {
			s.requeue(t, payload)
		}
	case errors.Is(err, errClosed):
		http.Error(w, "connection closed", http.StatusServiceUnavailable)
	default:
		s.requeue(t, payload)
	}
}

// requeue detaches t and gives a payload that never reached the client, if
// any, back to its session.
func (s *Server) requeue(t *AjaxTransport, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Do(ctx, func() {
		s.Base.Detach(t)
		if payload != nil {
			s.Base.Requeue(t.info.SessionID, payload)
		}
	})
}

// WriteResponse writes payload with the HTTP/1.1 headers clients expect,
// deflating it when it is larger than threshold and the client accepts deflate.
// A write error means the client did not get payload.
func WriteResponse(w http.ResponseWriter, r *http.Request, payload []byte, threshold int, logger *logrus.Logger) error {
	if threshold > 0 && len(payload) > threshold && strings.Contains(r.Header.Get("Accept-Encoding"), "deflate") {
		if compressed, err := deflate(payload); err == nil {
			payload = compressed
			w.Header().Set("Content-Encoding", "deflate")
		} else {
			logger.Warnf("failed to compress response: %v", err)
		}
	}

	now := time.Now().UTC().Format(http.TimeFormat)
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	h.Set("Connection", "close")
	h.Set("Date", now)
	h.Set("Last-Modified", now)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		logger.Warnf("failed to write response to %s: %v", r.RemoteAddr, err)
		return err
	}
	return nil
}

// deflate compresses payload in the zlib format HTTP calls "deflate".
func deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
