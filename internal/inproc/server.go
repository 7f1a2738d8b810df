// Package inproc runs a gameserver.Base without a network. Requests are
// queued by callers in the same process, or arrive over shared-memory pipes
// from a parent process, and are dispatched whenever the owner calls Process.
package inproc

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/ipc"
)

const (
	// Heartbeats owed beyond this are dropped rather than run back to back.
	maxCatchUpTicks = 100
	defaultTick     = 20 * time.Millisecond
	// Messages held for a pipe whose peer stopped reading. Past this the
	// pipe is given up on.
	maxBacklog = 1024
)

var (
	errNoReceiver = errors.New("no reply function")
	errBacklog    = errors.New("pipe backlog full")
)

// Pipe is a duplex message pipe, usually an *ipc.Pipe.
type Pipe interface {
	Read() ([][]byte, error)
	Write(msg []byte) error
}

type request struct {
	reply     func([]byte)
	msg       doc.Map
	sessionID int
}

// Server is the internal game server. It is driven entirely by Process and
// is not safe for concurrent use.
type Server struct {
	*gameserver.Base
	Logger *logrus.Logger

	queue    []request
	callers  map[int]*callTransport
	pipes    []*pipeTransport
	lastBeat time.Time

	now func() time.Time
}

func New(base *gameserver.Base) *Server {
	return &Server{
		Base:    base,
		Logger:  base.Logger,
		callers: make(map[int]*callTransport),
		now:     time.Now,
	}
}

// Send queues msg from sessionID. reply receives every message later
// delivered to that session, including pushes caused by other sessions.
func (s *Server) Send(reply func([]byte), msg doc.Map, sessionID int) {
	s.queue = append(s.queue, request{reply: reply, msg: msg, sessionID: sessionID})
}

// AddPipe serves sessionID over p. The pipe is read on every heartbeat.
func (s *Server) AddPipe(p Pipe, sessionID int) {
	s.pipes = append(s.pipes, &pipeTransport{
		pipe: p,
		info: gameserver.SocketInfo{SessionID: sessionID, Persistent: true},
	})
}

// Process dispatches every queued request in order, then runs the heartbeats
// that fell due since the previous call. It returns the number of heartbeats run.
func (s *Server) Process() int {
	queue := s.queue
	s.queue = nil
	for _, req := range queue {
		t := s.caller(req.sessionID)
		t.reply = req.reply
		s.Base.HandleMessage(t, req.sessionID, req.msg)
	}

	now := s.now()
	if s.lastBeat.IsZero() {
		s.lastBeat = now
		return 0
	}
	tick := s.Base.TickDuration
	if tick <= 0 {
		tick = defaultTick
	}
	due := int(now.Sub(s.lastBeat) / tick)
	if due <= 0 {
		return 0
	}
	s.lastBeat = s.lastBeat.Add(time.Duration(due) * tick)
	if due > maxCatchUpTicks {
		s.Logger.Warnf("[INPROC] %d heartbeats behind, skipping %d", due, due-maxCatchUpTicks)
		due = maxCatchUpTicks
	}
	for i := 0; i < due; i++ {
		s.Heartbeat()
	}
	return due
}

// Heartbeat pumps every pipe and then advances the Base by one tick.
func (s *Server) Heartbeat() {
	s.pumpPipes()
	s.Base.Heartbeat()
}

func (s *Server) pumpPipes() {
	open := s.pipes[:0]
	for _, t := range s.pipes {
		if t.closed {
			continue
		}
		err := t.flush()
		var msgs [][]byte
		if err == nil {
			msgs, err = t.pipe.Read()
		}
		for _, raw := range msgs {
			msg, perr := doc.ParseMap(raw)
			if perr != nil {
				s.Logger.Warnf("[INPROC] malformed message on pipe for session %d: %v", t.info.SessionID, perr)
				_ = t.Send(doc.MustMarshal(doc.Map{"type": "error", "message": "malformed request: " + perr.Error()}))
				continue
			}
			sid := t.info.SessionID
			if doc.Has(msg, "session_id") {
				sid = doc.Int(msg, "session_id", sid)
			}
			s.Base.HandleMessage(t, sid, msg)
		}
		if err != nil {
			s.Logger.Errorf("[INPROC] pipe for session %d failed: %v", t.info.SessionID, err)
			t.Close()
		}
		if !t.closed {
			open = append(open, t)
		} else {
			s.Base.Detach(t)
		}
	}
	s.pipes = open
}

func (s *Server) caller(sessionID int) *callTransport {
	t, ok := s.callers[sessionID]
	if !ok {
		t = &callTransport{info: gameserver.SocketInfo{SessionID: sessionID, Persistent: true}}
		s.callers[sessionID] = t
	}
	return t
}

// callTransport delivers to an in-process caller's reply function. It
// stays attached so pushes reach the caller without another request.
type callTransport struct {
	info  gameserver.SocketInfo
	reply func([]byte)
}

func (t *callTransport) Send(msg []byte) error {
	if t.reply == nil {
		return errNoReceiver
	}
	t.reply(msg)
	return nil
}

func (t *callTransport) SocketInfo() *gameserver.SocketInfo { return &t.info }

func (t *callTransport) Close() { t.reply = nil }

// pipeTransport writes to a pipe. A full ring is back-pressure, not a
// failure: the message waits in backlog and goes out on a later pump.
type pipeTransport struct {
	pipe    Pipe
	info    gameserver.SocketInfo
	closed  bool
	backlog [][]byte
}

func (t *pipeTransport) Send(msg []byte) error {
	if t.closed {
		return errNoReceiver
	}
	if len(t.backlog) == 0 {
		err := t.pipe.Write(msg)
		if !errors.Is(err, ipc.ErrFull) {
			return err
		}
	}
	if len(t.backlog) >= maxBacklog {
		return errBacklog
	}
	t.backlog = append(t.backlog, msg)
	return nil
}

// flush writes as much of the backlog as the peer has room for.
func (t *pipeTransport) flush() error {
	for len(t.backlog) > 0 {
		if err := t.pipe.Write(t.backlog[0]); err != nil {
			if errors.Is(err, ipc.ErrFull) {
				return nil
			}
			return err
		}
		t.backlog[0] = nil
		t.backlog = t.backlog[1:]
	}
	return nil
}

func (t *pipeTransport) SocketInfo() *gameserver.SocketInfo { return &t.info }

func (t *pipeTransport) Close() { t.closed = true }
