package matchmaking

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/dcrodman/tbs/internal/core/auth"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/launcher"
)

const defaultPlayers = 2

// Candidate is one queued matchmake request.
type Candidate struct {
	SessionID int
	User      string
	GameInfo  doc.Map
}

// MatchFunc groups candidates into matches, returning each match as a list
// of indexes into candidates. A candidate may appear in at most one group.
type MatchFunc func(candidates []Candidate) [][]int

// GameOverFunc handles the result reported by a game server whose game finished.
type GameOverFunc func(info *ProcessInfo, result doc.Value)

// ProcessInfo is a running game server.
type ProcessInfo struct {
	Port     int
	GameID   int
	GameType string
	Users    []string
	Sessions []int
	Proc     launcher.Process
	// ConfigPath is the game creation document handed to the child.
	ConfigPath string
	Started    time.Time
}

// DefaultMatch matches candidates in queue order with others asking for the
// same game_type and number of players (two unless "players" says otherwise).
func DefaultMatch(candidates []Candidate) [][]int {
	var groups [][]int
	forming := make(map[string][]int)
	for i, c := range candidates {
		need := doc.Int(c.GameInfo, "players", defaultPlayers)
		if need < 1 {
			continue
		}
		key := doc.String(c.GameInfo, "game_type") + "/" + strconv.Itoa(need)
		forming[key] = append(forming[key], i)
		if len(forming[key]) == need {
			groups = append(groups, forming[key])
			delete(forming, key)
		}
	}
	return groups
}

func (s *Server) matchmake(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	if sess.InGame != 0 {
		s.reply(t, doc.Map{"type": "error", "message": "already in a game"})
		return
	}
	info := doc.Object(msg, "game_info")
	if info == nil {
		info = doc.Map{}
	}
	sess.MatchRequest = info
	if !lo.Contains(s.queue, sess.SessionID) {
		s.queue = append(s.queue, sess.SessionID)
	}
	s.setSessionStatus(sess, "matchmaking")
	s.reply(t, doc.Map{"type": "matchmake_queued", "position": lo.IndexOf(s.queue, sess.SessionID)})
}

func (s *Server) cancelMatchmake(t gameserver.Transport, sess *SessionInfo, _ doc.Map) {
	s.dequeue(sess.SessionID)
	sess.MatchRequest = nil
	s.setSessionStatus(sess, "online")
	s.reply(t, doc.Map{"type": "matchmake_cancelled"})
}

func (s *Server) dequeue(sessionID int) {
	s.queue = lo.Without(s.queue, sessionID)
}

func (s *Server) setSessionStatus(sess *SessionInfo, status string) {
	if sess.Status == status {
		return
	}
	sess.Status = status
	s.statusChange(doc.Map{"op": "status", "user": sess.User, "status": status})
}

// challenge records a challenge to another user. When that user has
// already challenged this one the match begins straight away.
func (s *Server) challenge(t gameserver.Transport, sess *SessionInfo, msg doc.Map) {
	target := s.sessionFor(doc.String(msg, "user"))
	if target == nil || target == sess {
		s.reply(t, doc.Map{"type": "error", "message": "no such user online", "user": doc.String(msg, "user")})
		return
	}
	info := doc.Object(msg, "game_info")
	if info == nil {
		info = doc.Map{}
	}

	if _, ok := target.Challenges[auth.CanonicalUser(sess.User)]; ok {
		// The challenges stand when no game server can be had, so either
		// side can accept again later.
		if !s.beginMatch([]int{target.SessionID, sess.SessionID}, info) {
			const why = "could not start a game server"
			s.queueMsg(target, doc.Map{"type": "match_failed", "message": why, "user": sess.User})
			s.reply(t, doc.Map{"type": "match_failed", "message": why, "user": target.User})
			return
		}
		delete(target.Challenges, auth.CanonicalUser(sess.User))
		delete(sess.Challenges, auth.CanonicalUser(target.User))
		s.reply(t, doc.Map{"type": "challenge_accepted", "user": target.User})
		return
	}
	sess.Challenges[auth.CanonicalUser(target.User)] = info
	s.queueMsg(target, doc.Map{"type": "challenge", "from": sess.User, "game_info": info})
	s.reply(t, doc.Map{"type": "challenge_sent", "user": target.User})
}

// runMatching hands the queue to the matching function and begins every
// valid match it returns.
func (s *Server) runMatching() {
	if len(s.queue) == 0 {
		return
	}
	candidates := make([]Candidate, 0, len(s.queue))
	for _, sid := range s.queue {
		sess := s.sessions[sid]
		candidates = append(candidates, Candidate{SessionID: sid, User: sess.User, GameInfo: sess.MatchRequest})
	}

	used := make(map[int]bool)
	for _, group := range s.Match(candidates) {
		valid := len(group) > 0
		seen := make(map[int]bool, len(group))
		for _, i := range group {
			if i < 0 || i >= len(candidates) || used[i] || seen[i] {
				valid = false
				break
			}
			seen[i] = true
		}
		if !valid {
			s.Logger.Warnf("[MATCHMAKING] ignoring invalid match %v", group)
			continue
		}
		sids := make([]int, 0, len(group))
		for _, i := range group {
			used[i] = true
			sids = append(sids, candidates[i].SessionID)
		}
		s.beginMatch(sids, candidates[group[0]].GameInfo)
	}
}

// beginMatch writes the game creation document for sessionIDs and launches a
// game server for it. The first port is taken here so matches begun in the
// same pass never count on the same one. Without a free port nothing
// changes, so queued players stay queued for the next pass.
func (s *Server) beginMatch(sessionIDs []int, info doc.Map) bool {
	var sessions []*SessionInfo
	users := doc.List{}
	for _, sid := range sessionIDs {
		sess := s.sessions[sid]
		if sess == nil {
			s.Logger.Warnf("[MATCHMAKING] session %d vanished before its match began", sid)
			return false
		}
		sessions = append(sessions, sess)
		users = append(users, doc.Map{"user": sess.User, "session_id": sid})
	}

	gameType := doc.String(info, "game_type")
	if gameType == "" {
		gameType = "echo"
	}
	port, err := s.Ports.Take()
	if err != nil {
		s.Logger.Errorf("[MATCHMAKING] no free ports to start a match for sessions %v", sessionIDs)
		return false
	}
	request := doc.Map{"type": "create_game", "game_type": gameType, "users": users, "game_info": doc.Clone(info)}
	path, err := writeGameConfig(request)
	if err != nil {
		s.Ports.Release(port)
		s.Logger.Errorf("[MATCHMAKING] writing game config: %v", err)
		return false
	}

	pi := &ProcessInfo{GameID: -1, GameType: gameType, Sessions: sessionIDs, ConfigPath: path}
	for _, sess := range sessions {
		s.dequeue(sess.SessionID)
		pi.Users = append(pi.Users, sess.User)
		sess.InGame = -1
		s.setSessionStatus(sess, "starting")
	}
	s.Logger.Infof("[MATCHMAKING] beginning %s match for %v", gameType, pi.Users)

	req := launcher.Request{
		Binary: s.Config.MatchmakingServer.ServerBinary,
		Port:   port,
		Args: func(port int) []string {
			return []string{
				"--port", strconv.Itoa(port),
				"--config", path,
				"--callback", s.CallbackURL,
				"--ready-fd", strconv.Itoa(launcher.ReadyFD),
			}
		},
	}
	go func() {
		proc, port, err := launcher.Launch(context.Background(), s.Spawner, s.Ports, req)
		s.post(func() { s.launched(pi, proc, port, err) })
	}()
	return true
}

func writeGameConfig(request doc.Map) (string, error) {
	f, err := os.CreateTemp("", "tbs-game-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(doc.MustMarshal(request)); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (s *Server) launched(pi *ProcessInfo, proc launcher.Process, port int, err error) {
	if err != nil {
		s.Logger.Errorf("[MATCHMAKING] failed to launch game server for %v: %v", pi.Users, err)
		_ = os.Remove(pi.ConfigPath)
		for _, sid := range pi.Sessions {
			if sess := s.sessions[sid]; sess != nil {
				sess.InGame = 0
				s.queueMsg(sess, doc.Map{"type": "match_failed", "message": "could not start a game server"})
				if sess.MatchRequest != nil {
					s.queue = append(s.queue, sid)
					s.setSessionStatus(sess, "matchmaking")
				} else {
					s.setSessionStatus(sess, "online")
				}
			}
		}
		return
	}

	pi.Port = port
	pi.Proc = proc
	pi.Started = s.now()
	s.processes[port] = pi
	for _, sid := range pi.Sessions {
		if sess := s.sessions[sid]; sess != nil {
			sess.InGame = port
		}
	}
	s.Logger.Infof("[MATCHMAKING] game server %d started on port %d for %v", proc.Pid(), port, pi.Users)
	s.statusChange(doc.Map{"op": "game_started", "port": port, "game": doc.Map{
		"port":      port,
		"game_type": pi.GameType,
		"players":   toList(pi.Users),
	}})
}

// serverCreatedGame tells every participant where their game is.
func (s *Server) serverCreatedGame(t gameserver.Transport, msg doc.Map) {
	port := doc.Int(msg, "port", 0)
	pi := s.processes[port]
	if pi == nil {
		s.reply(t, doc.Map{"type": "error", "message": fmt.Sprintf("no game server on port %d", port)})
		return
	}
	pi.GameID = doc.Int(msg, "game_id", -1)
	for _, sid := range pi.Sessions {
		if sess := s.sessions[sid]; sess != nil {
			s.queueMsg(sess, doc.Map{
				"type":       "match_made",
				"game_id":    pi.GameID,
				"port":       port,
				"game_type":  pi.GameType,
				"session_id": sid,
			})
			s.setSessionStatus(sess, "playing")
		}
	}
	s.reply(t, doc.Map{"type": "ok"})
}

// serverFinishedGame runs the game over handler and frees the game server's port.
func (s *Server) serverFinishedGame(t gameserver.Transport, msg doc.Map) {
	port := doc.Int(msg, "port", 0)
	pi := s.processes[port]
	if pi == nil {
		s.reply(t, doc.Map{"type": "error", "message": fmt.Sprintf("no game server on port %d", port)})
		return
	}
	if s.GameOver != nil {
		s.GameOver(pi, msg["result"])
	}
	s.finishProcess(pi)
	s.reply(t, doc.Map{"type": "ok"})
}

// reapProcesses cleans up after game servers that exited without reporting.
func (s *Server) reapProcesses() {
	for _, pi := range s.processes {
		if pi.Proc.Exited() {
			s.Logger.Warnf("[MATCHMAKING] game server on port %d exited without finishing its game", pi.Port)
			s.finishProcess(pi)
		}
	}
}

func (s *Server) finishProcess(pi *ProcessInfo) {
	delete(s.processes, pi.Port)
	s.Ports.Release(pi.Port)
	_ = os.Remove(pi.ConfigPath)
	for _, sid := range pi.Sessions {
		if sess := s.sessions[sid]; sess != nil && sess.InGame == pi.Port {
			sess.InGame = 0
			sess.MatchRequest = nil
			s.setSessionStatus(sess, "online")
		}
	}
	s.statusChange(doc.Map{"op": "game_finished", "port": pi.Port})
	s.Logger.Infof("[MATCHMAKING] game server on port %d finished", pi.Port)
}

// recordGame appends the result to the game log of every participant.
func (s *Server) recordGame(pi *ProcessInfo, result doc.Value) {
	entry := doc.Map{
		"game_id":   pi.GameID,
		"game_type": pi.GameType,
		"players":   toList(pi.Users),
		"result":    doc.Clone(result),
		"finished":  s.now().Unix(),
	}
	for _, user := range pi.Users {
		user := user
		s.Store.Put(context.Background(), auth.UserNamespace, auth.GameKey(auth.CanonicalUser(user)), entry, kv.Append, func(err error) {
			if err != nil {
				s.Logger.Errorf("[MATCHMAKING] recording game for %s: %v", user, err)
			}
		})
	}
}
