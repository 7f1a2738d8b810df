// Package gameserver implements the transport independent core of the game
// server: the session table, the game registry, message dispatch, per-session
// outbound queues, the heartbeat and the lobby status document.
//
// A Base is not safe for concurrent use. Every transport funnels its requests
// onto a single goroutine that owns the Base.
package gameserver

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/game"
)

const (
	// A game with no clients is removed after this many ticks without a touch.
	gameIdleTicks = 300
	// Heartbeats are pushed and disconnect status recomputed every this many ticks.
	slowTickInterval = 100
)

// ClientInfo is one participant (player, observer or relay) of one game.
type ClientInfo struct {
	User      string
	SessionID int
	// GameID is a non-owning reference into the game registry.
	GameID int
	// NPlayer is the player index within the game, or -1 for observers and relays.
	NPlayer     int
	Relay       bool
	LastContact int

	queue   []queuedMsg
	waiting Transport
}

// GameInfo is a registered game plus the sessions attached to it.
type GameInfo struct {
	Game        *game.Game
	Clients     []int
	LastTouched int

	// lostAt records the tick a player's session was dropped, by player index.
	lostAt map[int]int
}

// Base is the session and game registry shared by every transport.
type Base struct {
	Logger   *logrus.Logger
	Registry *game.Registry

	// ClientTimeout is the number of ticks without contact before a client is
	// dropped. 0 never drops anyone.
	ClientTimeout int
	// DisconnectThreshold is the silence after which a player counts as disconnected.
	DisconnectThreshold time.Duration
	// TickDuration is the wall clock length of one heartbeat.
	TickDuration time.Duration
	// MessageLogging dumps every message handled at debug level.
	MessageLogging bool

	// OnGameCreated and OnGameFinished are optional hooks fired as games
	// enter and leave the registry.
	OnGameCreated  func(gi *GameInfo)
	OnGameFinished func(gi *GameInfo)

	clients       map[int]*ClientInfo
	games         map[int]*GameInfo
	pending       map[int]bool
	tick          int
	statusID      int
	statusWaiters []Transport
}

// NewBase returns a Base configured from the game_server section of cfg.
func NewBase(cfg *core.Config, registry *game.Registry, logger *logrus.Logger) *Base {
	return &Base{
		Logger:              logger,
		Registry:            registry,
		ClientTimeout:       cfg.GameServer.ClientTimeoutTicks,
		DisconnectThreshold: time.Duration(cfg.GameServer.DisconnectThresholdMS) * time.Millisecond,
		TickDuration:        cfg.TickDuration(),
		MessageLogging:      cfg.Debugging.MessageLoggingEnabled,
		clients:             make(map[int]*ClientInfo),
		games:               make(map[int]*GameInfo),
		pending:             make(map[int]bool),
	}
}

func (b *Base) Tick() int { return b.tick }

func (b *Base) StatusID() int { return b.statusID }

// Client returns the session's client info, or nil.
func (b *Base) Client(sessionID int) *ClientInfo { return b.clients[sessionID] }

// Game returns the registered game with id, or nil.
func (b *Base) Game(id int) *GameInfo { return b.games[id] }

// NumGames returns the number of registered games.
func (b *Base) NumGames() int { return len(b.games) }

// NumClients returns the number of live sessions.
func (b *Base) NumClients() int { return len(b.clients) }

// GameIDs returns the ids of every registered game in ascending order.
func (b *Base) GameIDs() []int {
	ids := make([]int, 0, len(b.games))
	for id := range b.games {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// QueueLen returns the number of messages waiting for sessionID.
func (b *Base) QueueLen(sessionID int) int {
	if c := b.clients[sessionID]; c != nil {
		return len(c.queue)
	}
	return 0
}

// anonymousTypes may be sent without a session.
var anonymousTypes = map[string]bool{
	"create_game":     true,
	"get_status":      true,
	"get_server_info": true,
}

// HandleMessage is the single entry point for a request from any transport.
// sessionID is -1 for anonymous requests.
func (b *Base) HandleMessage(t Transport, sessionID int, msg doc.Map) {
	defer b.deliverPending()

	typ := doc.String(msg, "type")
	if b.MessageLogging {
		b.Logger.Debugf("[GAMESERVER] session %d sent %s", sessionID, doc.MustMarshal(msg))
	}
	if info := t.SocketInfo(); info != nil {
		info.SessionID = sessionID
	}

	if sessionID == -1 && !anonymousTypes[typ] {
		b.reply(t, doc.Map{"type": "unknown_message", "msg_type": typ})
		return
	}

	switch typ {
	case "create_game":
		b.createGame(t, msg)
		return
	case "get_status":
		b.getStatus(t, msg)
		return
	case "get_server_info":
		b.reply(t, b.serverInfo())
		return
	case "connect_relay":
		b.connectRelay(t, sessionID, msg)
		return
	case "observe_game":
		b.observeGame(t, sessionID, msg)
		return
	}

	c := b.clients[sessionID]
	if c == nil {
		b.reply(t, doc.Map{"type": "error", "message": "invalid_session", "session_id": sessionID})
		return
	}
	c.LastContact = b.tick
	b.handleMessageInternal(t, c, msg)
}

func (b *Base) handleMessageInternal(t Transport, c *ClientInfo, msg doc.Map) {
	gi := b.games[c.GameID]
	if gi == nil {
		b.removeClient(c)
		b.reply(t, doc.Map{"type": "error", "message": "game no longer exists"})
		return
	}
	gi.LastTouched = b.tick

	if doc.String(msg, "type") == "quit" {
		b.quit(t, c, gi)
		return
	}
	if c.Relay {
		b.attach(c, t)
		return
	}

	if err := b.safely(gi, func() error {
		return gi.Game.HandleMessage(c.NPlayer, c.User, msg)
	}); err != nil {
		b.QueueMsg(c.SessionID, string(doc.MustMarshal(errorMessage(err))), false)
	}
	b.flushGameMessages(gi)
	b.attach(c, t)
}

// safely runs fn against a game, turning a panic into an error so one
// misbehaving game can't take down the others.
func (b *Base) safely(gi *GameInfo, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Errorf("[GAMESERVER] game %d panicked: error=%v, trace: %s", gi.Game.ID, r, debug.Stack())
			err = fmt.Errorf("internal error in game %d: %v", gi.Game.ID, r)
		}
	}()
	return fn()
}

func errorMessage(err error) doc.Map {
	var verr *game.ValidationError
	if errors.As(err, &verr) {
		return doc.Map{"type": "error", "message": verr.Message, "validation": true}
	}
	return doc.Map{"type": "error", "message": err.Error()}
}

// createGame validates the intended participants, builds the game and
// registers one session per listed human user. Entries with "bot": true are
// seated as AI players.
func (b *Base) createGame(t Transport, msg doc.Map) {
	users := doc.Items(msg, "users")
	seen := make(map[int]bool)
	for _, u := range users {
		entry, _ := u.(doc.Map)
		if doc.Bool(entry, "bot") {
			continue
		}
		sid := doc.Int(entry, "session_id", -1)
		if sid == -1 {
			b.reply(t, doc.Map{"type": "error", "message": "every user needs a session_id"})
			return
		}
		if _, ok := b.clients[sid]; ok || seen[sid] {
			b.reply(t, doc.Map{"type": "error", "message": fmt.Sprintf("session id %d already in use", sid)})
			return
		}
		seen[sid] = true
	}

	g, err := game.Create(b.Registry, msg, b.Logger)
	if err != nil {
		b.Logger.Warnf("[GAMESERVER] could not create game: %v", err)
		b.reply(t, doc.Map{"type": "error", "message": err.Error(), "game_type": doc.String(msg, "game_type")})
		return
	}

	gi := &GameInfo{Game: g, LastTouched: b.tick, lostAt: make(map[int]int)}
	for _, u := range users {
		entry, _ := u.(doc.Map)
		name := doc.String(entry, "user")
		if doc.Bool(entry, "bot") {
			if _, err := g.AddAIPlayer(name, entry); err != nil {
				b.Logger.Warnf("[GAMESERVER] game %d: add_bot %s failed: %v", g.ID, name, err)
			}
			continue
		}
		sid := doc.Int(entry, "session_id", -1)
		b.clients[sid] = &ClientInfo{
			User:        name,
			SessionID:   sid,
			GameID:      g.ID,
			NPlayer:     g.AddPlayer(name),
			LastContact: b.tick,
		}
		gi.Clients = append(gi.Clients, sid)
	}
	b.games[g.ID] = gi
	b.Logger.Infof("[GAMESERVER] created %s game %d with %d players", g.Type, g.ID, g.NumPlayers())

	b.flushGameMessages(gi)
	b.statusChange()
	if b.OnGameCreated != nil {
		b.OnGameCreated(gi)
	}
	b.reply(t, doc.Map{"type": "game_created", "game_id": g.ID})
}

// observeGame attaches a read-only session to game_id, or to any game when
// game_id is -1.
func (b *Base) observeGame(t Transport, sessionID int, msg doc.Map) {
	id := doc.Int(msg, "game_id", -1)
	gi := b.games[id]
	if id == -1 {
		if ids := b.GameIDs(); len(ids) > 0 {
			gi = b.games[ids[0]]
		}
	}
	if gi == nil {
		b.reply(t, doc.Map{"type": "error", "message": "no such game", "game_id": id})
		return
	}

	if c, ok := b.clients[sessionID]; ok {
		if c.GameID != gi.Game.ID {
			b.reply(t, doc.Map{"type": "error", "message": fmt.Sprintf("session id %d already attached to game %d", sessionID, c.GameID)})
			return
		}
		c.LastContact = b.tick
		gi.Game.SendState(c.NPlayer, c.User)
		b.flushGameMessages(gi)
		b.attach(c, t)
		return
	}

	nick := doc.String(msg, "user")
	if nick == "" && t.SocketInfo() != nil {
		nick = t.SocketInfo().Nick
	}
	c := &ClientInfo{User: nick, SessionID: sessionID, GameID: gi.Game.ID, NPlayer: -1, LastContact: b.tick}
	b.clients[sessionID] = c
	gi.Clients = append(gi.Clients, sessionID)
	gi.LastTouched = b.tick
	gi.Game.ObserverJoined(nick)
	b.flushGameMessages(gi)
	b.attach(c, t)
}

// connectRelay binds sessionID to a relay that receives every broadcast of
// game_id without taking part in the game.
func (b *Base) connectRelay(t Transport, sessionID int, msg doc.Map) {
	id := doc.Int(msg, "game_id", -1)
	gi := b.games[id]
	if gi == nil {
		b.reply(t, doc.Map{"type": "error", "message": "no such game", "game_id": id})
		return
	}
	if _, ok := b.clients[sessionID]; ok {
		b.reply(t, doc.Map{"type": "error", "message": fmt.Sprintf("session id %d already in use", sessionID)})
		return
	}
	c := &ClientInfo{User: doc.String(msg, "user"), SessionID: sessionID, GameID: id, NPlayer: -1, Relay: true, LastContact: b.tick}
	b.clients[sessionID] = c
	gi.Clients = append(gi.Clients, sessionID)
	b.QueueMsg(sessionID, string(doc.MustMarshal(doc.Map{"type": "relay_connected", "game_id": id})), false)
	b.attach(c, t)
}

// quit removes c from its game, notifies whoever is left and says goodbye.
// The game goes away with its last player.
func (b *Base) quit(t Transport, c *ClientInfo, gi *GameInfo) {
	b.removeClient(c)
	if c.NPlayer >= 0 {
		b.removePlayer(gi, c.NPlayer, c.User)
	} else {
		gi.Game.ObserverLeft(c.User)
	}

	farewell := string(doc.MustMarshal(doc.Map{"type": "player_quit", "nick": c.User, "side": c.NPlayer}))
	for _, sid := range gi.Clients {
		b.QueueMsg(sid, farewell, false)
	}
	b.flushGameMessages(gi)

	if !b.hasPlayers(gi) {
		b.deleteGame(gi)
	}
	b.Logger.Infof("[GAMESERVER] session %d (%s) quit game %d", c.SessionID, c.User, gi.Game.ID)
	b.reply(t, doc.Map{"type": "bye"})
}

// removePlayer unseats player n of gi and shifts the indexes of every later
// session so they keep matching the game's player list.
func (b *Base) removePlayer(gi *GameInfo, n int, name string) {
	if gi.Game.RemovePlayer(name) < 0 {
		return
	}
	for _, sid := range gi.Clients {
		if c := b.clients[sid]; c != nil && c.NPlayer > n {
			c.NPlayer--
		}
	}
	lost := make(map[int]int, len(gi.lostAt))
	for idx, tick := range gi.lostAt {
		switch {
		case idx < n:
			lost[idx] = tick
		case idx > n:
			lost[idx-1] = tick
		}
	}
	gi.lostAt = lost
}

func (b *Base) hasPlayers(gi *GameInfo) bool {
	for _, sid := range gi.Clients {
		if c := b.clients[sid]; c != nil && c.NPlayer >= 0 {
			return true
		}
	}
	return false
}

// removeClient drops c from the session table and its game's client list.
func (b *Base) removeClient(c *ClientInfo) {
	delete(b.clients, c.SessionID)
	delete(b.pending, c.SessionID)
	if gi := b.games[c.GameID]; gi != nil {
		for i, sid := range gi.Clients {
			if sid == c.SessionID {
				gi.Clients = append(gi.Clients[:i], gi.Clients[i+1:]...)
				break
			}
		}
	}
}

// deleteGame cancels gi and drops it and every remaining session from the registry.
func (b *Base) deleteGame(gi *GameInfo) {
	removed := string(doc.MustMarshal(doc.Map{"type": "game_removed", "game_id": gi.Game.ID}))
	for _, sid := range append([]int(nil), gi.Clients...) {
		if c := b.clients[sid]; c != nil {
			b.QueueMsg(sid, removed, false)
			if c.waiting != nil {
				b.sendQueued(c, c.waiting)
			}
			b.removeClient(c)
		}
	}
	delete(b.games, gi.Game.ID)
	b.Logger.Infof("[GAMESERVER] removed game %d", gi.Game.ID)
	if b.OnGameFinished != nil {
		b.OnGameFinished(gi)
	}
	gi.Game.Cancel()
	b.statusChange()
}

// flushGameMessages moves a game's outgoing messages into the queues of the
// targeted sessions. No recipients means every client including relays;
// an index means that player; ObserversRecipient means every observer, or
// just the one named by Observer.
func (b *Base) flushGameMessages(gi *GameInfo) {
	for _, out := range gi.Game.PopOutgoing() {
		for _, sid := range gi.Clients {
			c := b.clients[sid]
			if c != nil && wants(c, out) {
				b.QueueMsg(sid, out.Contents, false)
			}
		}
	}
}

func wants(c *ClientInfo, out game.Outgoing) bool {
	if len(out.Recipients) == 0 {
		return true
	}
	if c.Relay {
		return false
	}
	if out.Observer != "" && c.NPlayer < 0 && c.User != out.Observer {
		return false
	}
	for _, r := range out.Recipients {
		if r >= 0 && c.NPlayer == r {
			return true
		}
		if r == game.ObserversRecipient && c.NPlayer < 0 {
			return true
		}
	}
	return false
}

func (b *Base) serverInfo() doc.Map {
	return doc.Map{
		"type":         "server_info",
		"games":        len(b.games),
		"clients":      len(b.clients),
		"heartbeat":    b.tick,
		"status_id":    b.statusID,
		"game_types":   toList(b.Registry.Names()),
		"tick_ms":      int(b.TickDuration / time.Millisecond),
		"timeout_tick": b.ClientTimeout,
	}
}

func toList(s []string) doc.List {
	l := make(doc.List, 0, len(s))
	for _, v := range s {
		l = append(l, v)
	}
	return l
}
