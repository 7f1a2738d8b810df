package matchmaking

import (
	"sort"

	"github.com/dcrodman/tbs/internal/core/doc"
)

const (
	// statusRingSize bounds the deltas kept for clients catching up.
	statusRingSize = 64
	// chatHistorySize is the number of recent chat lines in the status document.
	chatHistorySize = 20
)

// statusLog is the lobby status document: who is online, which games are
// running and the recent lobby chat. Every change is also kept as a delta
// so polling clients that are nearly caught up only get what changed.
type statusLog struct {
	stateID int
	users   map[string]string
	games   map[int]doc.Map
	chat    doc.List
	// ring holds the deltas for state ids stateID-len(ring)+1 through stateID.
	ring []doc.Map
}

func newStatusLog() *statusLog {
	return &statusLog{
		users: make(map[string]string),
		games: make(map[int]doc.Map),
		chat:  doc.List{},
	}
}

// apply folds delta into the document and records it under a new state id.
func (l *statusLog) apply(delta doc.Map) {
	switch doc.String(delta, "op") {
	case "login", "status":
		l.users[doc.String(delta, "user")] = doc.String(delta, "status")
	case "logout":
		delete(l.users, doc.String(delta, "user"))
	case "game_started":
		l.games[doc.Int(delta, "port", 0)] = doc.Object(delta, "game")
	case "game_finished":
		delete(l.games, doc.Int(delta, "port", 0))
	case "chat":
		l.chat = append(l.chat, doc.Object(delta, "line"))
		if len(l.chat) > chatHistorySize {
			l.chat = l.chat[len(l.chat)-chatHistorySize:]
		}
	}

	l.stateID++
	entry := doc.Clone(delta).(doc.Map)
	entry["state_id"] = l.stateID
	l.ring = append(l.ring, entry)
	if len(l.ring) > statusRingSize {
		l.ring = l.ring[len(l.ring)-statusRingSize:]
	}
}

// since returns the deltas after state id seen, or false when seen is older
// than the ring reaches back.
func (l *statusLog) since(seen int) ([]doc.Map, bool) {
	if seen < 0 || seen > l.stateID {
		return nil, false
	}
	oldest := l.stateID - len(l.ring) + 1
	if seen+1 < oldest {
		return nil, false
	}
	return l.ring[seen+1-oldest:], true
}

func (l *statusLog) document() doc.Map {
	names := make([]string, 0, len(l.users))
	for name := range l.users {
		names = append(names, name)
	}
	sort.Strings(names)
	users := doc.List{}
	for _, name := range names {
		users = append(users, doc.Map{"user": name, "status": l.users[name]})
	}

	ports := make([]int, 0, len(l.games))
	for port := range l.games {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	games := doc.List{}
	for _, port := range ports {
		games = append(games, doc.Clone(l.games[port]))
	}

	return doc.Map{"users": users, "games": games, "chat": doc.Clone(l.chat)}
}

func (l *statusLog) full() doc.Map {
	return doc.Map{"type": "status", "state_id": l.stateID, "status": l.document()}
}

// update returns the message that brings a client at state id seen up to date.
func (l *statusLog) update(seen int) doc.Map {
	deltas, ok := l.since(seen)
	if !ok {
		return l.full()
	}
	list := make(doc.List, 0, len(deltas))
	for _, d := range deltas {
		list = append(list, doc.Clone(d))
	}
	return doc.Map{"type": "status_update", "state_id": l.stateID, "deltas": list}
}

// statusChange records delta and marks every session for delivery.
func (s *Server) statusChange(delta doc.Map) {
	s.status.apply(delta)
	for _, sess := range s.sessions {
		sess.pending = true
	}
}

// queueStatus queues a status message for sess if it is behind.
func (s *Server) queueStatus(sess *SessionInfo) {
	if sess.statusSent >= s.status.stateID {
		return
	}
	s.queueMsg(sess, s.status.update(sess.statusSent))
	sess.statusSent = s.status.stateID
}
