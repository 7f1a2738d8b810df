// Package game implements the per-game state machine: seating, the start
// transition, event dispatch to pluggable game types, and the per-player
// state/delta bookkeeping used to keep clients in sync.
package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// ObserversRecipient addresses every observer of a game.
const ObserversRecipient = -1

// DisconnectEventThreshold is how long a player has to be gone before the
// game type is told about it.
const DisconnectEventThreshold = 60 * time.Second

const maxLogLines = 100

var (
	ErrUnknownGameType = errors.New("unknown game type")
	ErrCancelled       = errors.New("game has been cancelled")
)

// State is the lifecycle phase of a game.
type State int

const (
	Setup State = iota
	Playing
	Cancelled
)

func (s State) String() string {
	switch s {
	case Setup:
		return "setup"
	case Playing:
		return "playing"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Player is one seat at the table.
type Player struct {
	Name    string
	Side    int
	IsHuman bool
	// ConfirmedStateID is the last state id the client acknowledged having.
	ConfirmedStateID int
	// StateIDSent is the state id of the last state or delta sent to the client.
	StateIDSent int
	AllowDeltas bool
	Info        doc.Value

	disconnected  bool
	disconnectRan bool
}

// Outgoing is a serialized message waiting to be delivered. Recipients holds
// player indexes and/or ObserversRecipient; empty means everyone.
type Outgoing struct {
	Contents   string
	Recipients []int
	// Observer narrows ObserversRecipient to the observer of that name.
	Observer string
}

// Game is a single match. It is not safe for concurrent use; the owning
// server serializes all calls on its event loop.
type Game struct {
	ID     int
	Type   string
	Logger *logrus.Logger

	impl      Type
	state     State
	stateID   int
	dirty     bool
	doc       doc.Value
	players   []*Player
	observers []string
	ais       map[int]AI
	snapshots map[int]doc.Value
	outgoing  []Outgoing
	log       []string
	err       error
	synced    int

	now func() time.Time
}

// Create looks up request's game_type in registry, allocates an id and runs
// the type's create handler with the request.
func Create(registry *Registry, request doc.Map, logger *logrus.Logger) (*Game, error) {
	name := doc.String(request, "game_type")
	impl, ok := registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, name)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &Game{
		ID:        registry.allocateID(),
		Type:      name,
		Logger:    logger,
		impl:      impl,
		doc:       doc.Map{},
		ais:       make(map[int]AI),
		snapshots: make(map[int]doc.Value),
		synced:    -1,
		now:       time.Now,
	}
	if err := g.fire(-1, EventCreate, request); err != nil {
		return nil, err
	}
	g.commit()
	return g, nil
}

func (g *Game) State() State { return g.state }
func (g *Game) Started() bool { return g.state == Playing }
func (g *Game) Cancelled() bool { return g.state == Cancelled }
func (g *Game) StateID() int { return g.stateID }
func (g *Game) Doc() doc.Value { return doc.Clone(g.doc) }
func (g *Game) NumPlayers() int { return len(g.players) }
func (g *Game) Observers() []string {
	return append([]string(nil), g.observers...)
}

// Err returns the last handler error, if any, which marks the game as errored.
func (g *Game) Err() error { return g.err }

// Log returns the most recent game log lines.
func (g *Game) Log() []string { return append([]string(nil), g.log...) }

// Player returns a copy of the player at index i.
func (g *Game) Player(i int) (Player, bool) {
	if i < 0 || i >= len(g.players) {
		return Player{}, false
	}
	return *g.players[i], true
}

// PlayerIndex returns the side of the named player, or -1.
func (g *Game) PlayerIndex(name string) int {
	for i, p := range g.players {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// AddPlayer seats a human player and returns its side.
func (g *Game) AddPlayer(name string) int {
	g.players = append(g.players, newPlayer(name, len(g.players), true))
	g.mutated()
	g.commit()
	return len(g.players) - 1
}

// AddAIPlayer seats a computer player. If the game type provides AI players
// one is created with info; either way the add_bot event fires.
func (g *Game) AddAIPlayer(name string, info doc.Value) (int, error) {
	p := newPlayer(name, len(g.players), false)
	p.Info = doc.Clone(info)
	g.players = append(g.players, p)
	g.mutated()

	side := p.Side
	if provider, ok := g.impl.(AIProvider); ok {
		if ai := provider.NewAI(g.context(side, EventAddBot), info); ai != nil {
			g.ais[side] = ai
		}
	}
	err := g.fire(side, EventAddBot, doc.Map{"name": name, "side": side, "info": p.Info})
	g.commit()
	return side, err
}

// RemovePlayer unseats the named player and renumbers every later side so
// that players[i].Side == i still holds. It returns the removed index or -1.
func (g *Game) RemovePlayer(name string) int {
	idx := g.PlayerIndex(name)
	if idx < 0 {
		return -1
	}
	g.players = append(g.players[:idx], g.players[idx+1:]...)
	for i, p := range g.players {
		p.Side = i
	}
	ais := make(map[int]AI, len(g.ais))
	for side, ai := range g.ais {
		switch {
		case side < idx:
			ais[side] = ai
		case side > idx:
			ais[side-1] = ai
		}
	}
	g.ais = ais
	g.mutated()
	g.commit()
	return idx
}

func newPlayer(name string, side int, human bool) *Player {
	return &Player{
		Name:             name,
		Side:             side,
		IsHuman:          human,
		ConfirmedStateID: -1,
		StateIDSent:      -1,
	}
}

// HandleMessage processes a message from nplayer (an index, or a negative
// value for observers, in which case nick names the sender).
func (g *Game) HandleMessage(nplayer int, nick string, msg doc.Map) error {
	if g.state == Cancelled {
		return ErrCancelled
	}
	start := g.now()

	switch doc.String(msg, "type") {
	case "start_game":
		if g.state != Setup {
			g.Logger.WithField("game_id", g.ID).Debugf("[GAME] ignoring start_game, already %s", g.state)
			return nil
		}
		g.state = Playing
		g.mutated()
		err := g.fire(nplayer, EventStart, msg)
		g.commit()
		g.broadcastState(g.elapsed(start))
		g.runAI()
		return err

	case "request_updates":
		g.requestUpdates(nplayer, nick, msg)
		return nil

	case "chat_message":
		out := doc.Clone(msg).(doc.Map)
		if p, ok := g.Player(nplayer); ok {
			out["nick"] = p.Name
		} else {
			out["nick"] = nick + " (obs)"
		}
		g.queueMessage(out)
		return nil

	case "ping_game":
		out := doc.Clone(msg).(doc.Map)
		out["type"] = "pong_game"
		g.reply(nplayer, nick, out)
		return nil
	}

	// The state goes out after every game message, changed or not.
	before := g.stateID
	err := g.fire(nplayer, EventMessage, doc.Map{"message": msg, "player": nplayer})
	g.commit()
	g.broadcastState(g.elapsed(start))
	if g.stateID != before {
		g.runAI()
	}
	return err
}

// reply queues msg for the sender alone: a player by index, anyone else as
// the observer named nick.
func (g *Game) reply(nplayer int, nick string, msg doc.Value) {
	if nplayer >= 0 && nplayer < len(g.players) {
		g.queueMessage(msg, nplayer)
		return
	}
	g.outgoing = append(g.outgoing, Outgoing{
		Contents:   string(doc.MustMarshal(msg)),
		Recipients: []int{ObserversRecipient},
		Observer:   nick,
	})
}

// Process runs the game's periodic processing hook.
func (g *Game) Process() error {
	if g.state == Cancelled {
		return ErrCancelled
	}
	start := g.now()
	before := g.stateID
	err := g.fire(-1, EventProcess, nil)
	g.commit()
	if g.stateID != before {
		g.broadcastState(g.elapsed(start))
		g.runAI()
	}
	return err
}

// runAI gives every computer player one chance to act.
func (g *Game) runAI() {
	for i, p := range g.players {
		if p.IsHuman || g.state != Playing {
			continue
		}
		before := g.stateID
		ctx := g.context(i, EventAIPlay)
		var err error
		if ai, ok := g.ais[i]; ok {
			var cmd Command
			if cmd, err = ai.Play(ctx); err == nil && cmd != nil {
				err = cmd.Execute(ctx)
			}
		} else {
			err = g.fire(i, EventAIPlay, doc.Map{"player": i, "state": doc.Clone(g.doc)})
		}
		if err != nil {
			g.recordError(err)
		}
		g.commit()
		if g.stateID != before {
			g.broadcastState(0)
		}
	}
}

// requestUpdates implements the client's sync handshake. A client reporting
// the current state id confirms it; a stale id gets a fresh state, as a delta
// when the id is the client's confirmed basis.
func (g *Game) requestUpdates(nplayer int, nick string, msg doc.Map) {
	if nplayer < 0 || nplayer >= len(g.players) {
		g.reply(nplayer, nick, g.Write(ObserversRecipient, 0))
		return
	}
	p := g.players[nplayer]
	if doc.Has(msg, "allow_deltas") {
		p.AllowDeltas = doc.Bool(msg, "allow_deltas")
	}
	if !doc.Has(msg, "state_id") || p.StateIDSent == -1 {
		g.queueMessage(g.writeFor(nplayer, 0, false), nplayer)
		return
	}

	sid := doc.Int(msg, "state_id", -1)
	if sid == g.stateID {
		p.ConfirmedStateID = sid
		p.StateIDSent = sid
		if _, ok := g.snapshots[sid]; !ok {
			g.snapshots[sid] = doc.Clone(g.doc)
		}
		g.prune()
		g.maybeConfirmSync(nplayer)
		return
	}

	basis := sid == p.ConfirmedStateID
	if basis {
		p.StateIDSent = sid
	}
	g.queueMessage(g.writeFor(nplayer, 0, basis), nplayer)
}

// maybeConfirmSync tells everyone but confirmer that the current state is
// held by all players who were sent it.
func (g *Game) maybeConfirmSync(confirmer int) {
	if g.synced == g.stateID {
		return
	}
	for _, p := range g.players {
		if p.IsHuman && p.StateIDSent == g.stateID && p.ConfirmedStateID != g.stateID {
			return
		}
	}
	g.synced = g.stateID
	var others []int
	for i, p := range g.players {
		if i != confirmer && p.IsHuman {
			others = append(others, i)
		}
	}
	if len(others) > 0 {
		g.queueMessage(doc.Map{"type": "confirm_sync", "state_id": g.stateID}, others...)
	}
}

// Write builds the game message for nplayer and records it as sent. A player
// whose last sent state is confirmed and who allows deltas gets a delta
// against that confirmed state; everyone else gets the full document.
func (g *Game) Write(nplayer int, processingMS int) doc.Map {
	return g.writeFor(nplayer, processingMS, true)
}

func (g *Game) writeFor(nplayer int, processingMS int, deltaOK bool) doc.Map {
	m := doc.Map{
		"type":          "game",
		"id":            g.ID,
		"game_type":     g.Type,
		"started":       g.state == Playing,
		"state_id":      g.stateID,
		"players":       g.playerList(),
		"observers":     toList(g.observers),
		"nplayer":       nplayer,
		"processing_ms": processingMS,
	}
	if len(g.log) > 0 {
		m["log"] = toList(g.log)
	}
	if nplayer < 0 || nplayer >= len(g.players) {
		m["state"] = doc.Clone(g.doc)
		return m
	}

	p := g.players[nplayer]
	base, haveBase := g.snapshots[p.ConfirmedStateID]
	if deltaOK && p.AllowDeltas && p.StateIDSent != -1 && p.ConfirmedStateID == p.StateIDSent && haveBase {
		m["delta"] = doc.Diff(base, g.doc)
		m["delta_basis"] = p.ConfirmedStateID
	} else {
		m["state"] = doc.Clone(g.doc)
	}
	p.StateIDSent = g.stateID
	if _, ok := g.snapshots[g.stateID]; !ok {
		g.snapshots[g.stateID] = doc.Clone(g.doc)
	}
	g.prune()
	return m
}

// prune drops every snapshot no player could still need as a delta basis.
func (g *Game) prune() {
	keep := map[int]bool{g.stateID: true}
	for _, p := range g.players {
		keep[p.ConfirmedStateID] = true
		keep[p.StateIDSent] = true
	}
	for id := range g.snapshots {
		if !keep[id] {
			delete(g.snapshots, id)
		}
	}
}

// SnapshotIDs returns the state ids currently retained as delta bases.
func (g *Game) SnapshotIDs() []int {
	ids := make([]int, 0, len(g.snapshots))
	for id := range g.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func (g *Game) broadcastState(processingMS int) {
	for i := range g.players {
		g.queueMessage(g.Write(i, processingMS), i)
	}
	if len(g.observers) > 0 {
		g.queueMessage(g.Write(ObserversRecipient, processingMS), ObserversRecipient)
	}
}

// SendState queues the current state for nplayer, or for the observer
// named nick when nplayer isn't seated.
func (g *Game) SendState(nplayer int, nick string) {
	g.reply(nplayer, nick, g.Write(nplayer, 0))
}

func (g *Game) playerList() doc.List {
	l := make(doc.List, 0, len(g.players))
	for _, p := range g.players {
		l = append(l, doc.Map{
			"name":         p.Name,
			"side":         p.Side,
			"human":        p.IsHuman,
			"disconnected": p.disconnected,
		})
	}
	return l
}

// PlayerDisconnect notes that nplayer's connection dropped and tells the others.
func (g *Game) PlayerDisconnect(nplayer int) {
	p, ok := g.playerAt(nplayer)
	if !ok || p.disconnected {
		return
	}
	p.disconnected = true
	g.queueMessage(doc.Map{"type": "player_disconnect", "nick": p.Name, "side": nplayer}, g.everyoneBut(nplayer)...)
}

// PlayerReconnect notes that nplayer is back.
func (g *Game) PlayerReconnect(nplayer int) {
	p, ok := g.playerAt(nplayer)
	if !ok || !p.disconnected {
		return
	}
	p.disconnected = false
	p.disconnectRan = false
	g.queueMessage(doc.Map{"type": "player_reconnect", "nick": p.Name, "side": nplayer}, g.everyoneBut(nplayer)...)
}

// PlayerDisconnectedFor reports how long nplayer has been gone. Once that
// passes DisconnectEventThreshold the game type's player_disconnected event
// fires, once per disconnection.
func (g *Game) PlayerDisconnectedFor(nplayer int, elapsed time.Duration) error {
	p, ok := g.playerAt(nplayer)
	if !ok || !p.disconnected || p.disconnectRan || elapsed < DisconnectEventThreshold {
		return nil
	}
	p.disconnectRan = true
	before := g.stateID
	err := g.fire(nplayer, EventPlayerDisconnected, doc.Map{
		"player": nplayer,
		"nick":   p.Name,
		"ms":     int(elapsed / time.Millisecond),
	})
	g.commit()
	if g.stateID != before {
		g.broadcastState(0)
	}
	return err
}

// Disconnected reports whether nplayer is currently marked as disconnected.
func (g *Game) Disconnected(nplayer int) bool {
	p, ok := g.playerAt(nplayer)
	return ok && p.disconnected
}

// ObserverJoined adds name to the observers and sends them the state.
func (g *Game) ObserverJoined(name string) {
	for _, o := range g.observers {
		if o == name {
			g.reply(ObserversRecipient, name, g.Write(ObserversRecipient, 0))
			return
		}
	}
	g.observers = append(g.observers, name)
	g.queueMessage(doc.Map{"type": "observer_joined", "nick": name}, g.everyoneBut(ObserversRecipient)...)
	if err := g.fire(-1, EventObserverJoined, doc.Map{"nick": name}); err != nil {
		g.recordError(err)
	}
	g.commit()
	g.reply(ObserversRecipient, name, g.Write(ObserversRecipient, 0))
}

// ObserverLeft removes name from the observers.
func (g *Game) ObserverLeft(name string) {
	for i, o := range g.observers {
		if o == name {
			g.observers = append(g.observers[:i], g.observers[i+1:]...)
			return
		}
	}
}

// Cancel tears the game down. AI players go first since they hold references
// back into the game through their contexts.
func (g *Game) Cancel() {
	if g.state == Cancelled {
		return
	}
	g.ais = nil
	g.players = nil
	g.observers = nil
	g.snapshots = nil
	g.outgoing = nil
	g.doc = nil
	g.state = Cancelled
}

// PopOutgoing drains and returns the queued messages in order.
func (g *Game) PopOutgoing() []Outgoing {
	out := g.outgoing
	g.outgoing = nil
	return out
}

func (g *Game) playerAt(i int) (*Player, bool) {
	if i < 0 || i >= len(g.players) {
		return nil, false
	}
	return g.players[i], true
}

func (g *Game) everyoneBut(skip int) []int {
	var r []int
	for i := range g.players {
		if i != skip {
			r = append(r, i)
		}
	}
	if skip != ObserversRecipient {
		r = append(r, ObserversRecipient)
	}
	return r
}

func (g *Game) context(nplayer int, event string) *Context {
	return &Context{Game: g, Player: nplayer, Event: event}
}

// fire dispatches event to the game type and executes whatever it returns.
func (g *Game) fire(nplayer int, event string, arg doc.Value) error {
	ctx := g.context(nplayer, event)
	cmd, err := g.impl.Handle(ctx, event, arg)
	if err == nil && cmd != nil {
		err = cmd.Execute(ctx)
	}
	if err != nil {
		g.recordError(err)
		return err
	}
	return nil
}

func (g *Game) recordError(err error) {
	g.err = err
	g.Logger.WithField("game_id", g.ID).Warnf("[GAME] %s handler failed: %v", g.Type, err)
}

func (g *Game) queueMessage(msg doc.Value, recipients ...int) {
	g.outgoing = append(g.outgoing, Outgoing{
		Contents:   string(doc.MustMarshal(msg)),
		Recipients: recipients,
	})
}

func (g *Game) appendLog(line string) {
	g.log = append(g.log, line)
	if len(g.log) > maxLogLines {
		g.log = g.log[len(g.log)-maxLogLines:]
	}
}

func (g *Game) mutated() { g.dirty = true }

// commit bumps the state id once for any batch of mutations.
func (g *Game) commit() {
	if g.dirty {
		g.stateID++
		g.dirty = false
	}
}

func (g *Game) elapsed(start time.Time) int {
	return int(g.now().Sub(start) / time.Millisecond)
}

func toList(s []string) doc.List {
	l := make(doc.List, 0, len(s))
	for _, v := range s {
		l = append(l, v)
	}
	return l
}
