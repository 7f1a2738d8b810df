package matchmaking

import (
	"math/rand"
	"time"

	"github.com/dcrodman/tbs/internal/core/auth"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
)

// SessionInfo is one logged in user.
type SessionInfo struct {
	SessionID int
	User      string
	Account   doc.Map
	Status    string
	Channels  []string

	// MatchRequest is the game_info of a pending matchmake request.
	MatchRequest doc.Map
	// Challenges maps the users this session challenged to the game_info offered.
	Challenges map[string]doc.Map
	// InGame is the port of the game server the session was matched into, or 0.
	InGame int

	lastContact time.Time
	expired     bool
	statusSent  int

	chatBucket int64
	chatCount  int
	mutedUntil time.Time

	queue   []string
	waiting gameserver.Transport
	pending bool
}

func (s *Server) newSessionID() int {
	for {
		id := int(rand.Int31())
		if _, taken := s.sessions[id]; id > 0 && !taken {
			return id
		}
	}
}

// startSession replaces any session user already has with a fresh one.
func (s *Server) startSession(user string, account doc.Map) *SessionInfo {
	if old := s.sessionFor(user); old != nil {
		s.Logger.Infof("[MATCHMAKING] %s logged in again, dropping session %d", user, old.SessionID)
		s.removeSession(old, false)
	}
	sess := &SessionInfo{
		SessionID:   s.newSessionID(),
		User:        user,
		Account:     account,
		Status:      "online",
		Challenges:  make(map[string]doc.Map),
		lastContact: s.now(),
		statusSent:  -1,
	}
	for _, ch := range doc.Items(account, "channels") {
		if name, ok := ch.(string); ok {
			sess.Channels = append(sess.Channels, name)
		}
	}
	s.sessions[sess.SessionID] = sess
	s.byUser[auth.CanonicalUser(user)] = sess.SessionID
	s.statusChange(doc.Map{"op": "login", "user": user, "status": sess.Status})
	return sess
}

// removeSession forgets sess and everything it had pending. With announce
// set the lobby sees a logout.
func (s *Server) removeSession(sess *SessionInfo, announce bool) {
	delete(s.sessions, sess.SessionID)
	if key := auth.CanonicalUser(sess.User); s.byUser[key] == sess.SessionID {
		delete(s.byUser, key)
	}
	s.dequeue(sess.SessionID)
	if sess.waiting != nil {
		s.reply(sess.waiting, doc.Map{"type": "logged_out"})
		sess.waiting = nil
	}
	if announce {
		s.statusChange(doc.Map{"op": "logout", "user": sess.User})
	}
}

func (s *Server) sessionFor(user string) *SessionInfo {
	sid, ok := s.byUser[auth.CanonicalUser(user)]
	if !ok {
		return nil
	}
	return s.sessions[sid]
}

// queueMsg appends msg to the session's outbound queue. It is delivered
// when the current request or heartbeat finishes if the session is
// polling, otherwise on its next request.
func (s *Server) queueMsg(sess *SessionInfo, msg doc.Map) {
	sess.queue = append(sess.queue, string(doc.MustMarshal(msg)))
	sess.pending = true
}

// requeue puts the messages of a payload that never reached its client back
// at the head of the session's queue. Status updates are left out; the
// session is marked behind so it gets a fresh one.
func (s *Server) requeue(sessionID int, payload []byte) {
	sess := s.sessions[sessionID]
	if sess == nil {
		return
	}
	var head []string
	for _, item := range gameserver.Split(payload) {
		m, err := doc.ParseMap([]byte(item))
		if err != nil {
			continue
		}
		switch doc.String(m, "type") {
		case "heartbeat":
		case "status", "status_update":
			sess.statusSent = -1
		default:
			head = append(head, item)
		}
	}
	sess.queue = append(head, sess.queue...)
	sess.pending = true
}

// attach answers t with whatever is queued for sess or parks it.
func (s *Server) attach(sess *SessionInfo, t gameserver.Transport) {
	if sess.waiting != nil && sess.waiting != t {
		s.reply(sess.waiting, doc.Map{"type": "heartbeat"})
	}
	sess.waiting = t
	s.flush(sess)
}

func (s *Server) flush(sess *SessionInfo) {
	t := sess.waiting
	if t == nil {
		return
	}
	s.queueStatus(sess)
	if len(sess.queue) == 0 {
		return
	}
	var payload []byte
	n := 1
	if info := t.SocketInfo(); info != nil && info.SupportsMultimessage && len(sess.queue) > 1 {
		n = len(sess.queue)
		payload = gameserver.Multimessage(sess.queue)
	} else {
		payload = []byte(sess.queue[0])
	}
	sess.waiting = nil
	if err := t.Send(payload); err != nil {
		s.Logger.Warnf("[MATCHMAKING] failed to deliver to session %d: %v", sess.SessionID, err)
		t.Close()
		return
	}
	sess.queue = sess.queue[n:]
}

// deliverPending flushes every session touched since the last call.
func (s *Server) deliverPending() {
	for _, sess := range s.sessions {
		if sess.pending {
			sess.pending = false
			s.flush(sess)
		}
	}
}

// detach forgets t wherever it is parked.
func (s *Server) detach(t gameserver.Transport) {
	for _, sess := range s.sessions {
		if sess.waiting == t {
			sess.waiting = nil
		}
	}
}

// expireSessions reaps sessions expired on the previous heartbeat and then
// marks every session that has been silent too long. A parked poll counts
// as contact.
func (s *Server) expireSessions() {
	for _, sess := range s.sessions {
		if sess.expired {
			s.Logger.Infof("[MATCHMAKING] session %d (%s) expired", sess.SessionID, sess.User)
			s.removeSession(sess, true)
		}
	}

	timeout := time.Duration(s.Config.MatchmakingServer.SessionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}
	now := s.now()
	for _, sess := range s.sessions {
		if sess.waiting != nil {
			sess.lastContact = now
			continue
		}
		if now.Sub(sess.lastContact) > timeout {
			sess.expired = true
		}
	}
}

func (s *Server) pushHeartbeats() {
	for _, sess := range s.sessions {
		if t := sess.waiting; t != nil {
			sess.waiting = nil
			s.reply(t, doc.Map{"type": "heartbeat"})
		}
	}
}
