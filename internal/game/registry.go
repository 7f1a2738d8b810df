package game

import (
	"sort"
	"sync"
	"time"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// Event names passed to Type.Handle.
const (
	EventCreate             = "create"
	EventStart              = "start"
	EventMessage            = "message"
	EventProcess            = "process"
	EventAddBot             = "add_bot"
	EventPlayerDisconnected = "player_disconnected"
	EventObserverJoined     = "observer_joined"
	EventAIPlay             = "ai_play"
)

// Type implements the rules of one kind of game. Handle is invoked for every
// event the game fires and returns the command (possibly nil) to run against
// the game in response.
type Type interface {
	Handle(ctx *Context, event string, arg doc.Value) (Command, error)
}

// TypeFunc adapts a function to the Type interface.
type TypeFunc func(ctx *Context, event string, arg doc.Value) (Command, error)

func (f TypeFunc) Handle(ctx *Context, event string, arg doc.Value) (Command, error) {
	return f(ctx, event, arg)
}

// AI decides the moves of one computer controlled player.
type AI interface {
	Play(ctx *Context) (Command, error)
}

// AIProvider is implemented by game types that supply their own AI players.
// Types that don't get an "ai_play" event instead.
type AIProvider interface {
	NewAI(ctx *Context, info doc.Value) AI
}

// Context is handed to every event handler and command. It identifies the
// game and the player on whose behalf the event fired (-1 for none).
type Context struct {
	Game   *Game
	Player int
	Event  string
}

// Doc returns the game's current state document. Handlers must not modify it
// in place; use SetState.
func (c *Context) Doc() doc.Value { return c.Game.doc }

// PlayerName returns the name of the acting player, or "" if there is none.
func (c *Context) PlayerName() string {
	if c.Player < 0 || c.Player >= len(c.Game.players) {
		return ""
	}
	return c.Game.players[c.Player].Name
}

// NumPlayers returns the number of seated players.
func (c *Context) NumPlayers() int { return len(c.Game.players) }

// StateID returns the game's current state id.
func (c *Context) StateID() int { return c.Game.stateID }

// Registry maps game_type names to their implementations and hands out game ids.
type Registry struct {
	mu     sync.Mutex
	types  map[string]Type
	nextID int
}

// NewRegistry returns an empty registry whose ids start at the current Unix time.
func NewRegistry() *Registry {
	return &Registry{
		types:  make(map[string]Type),
		nextID: int(time.Now().Unix()),
	}
}

// DefaultRegistry returns a registry with the built-in game types registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("echo", Echo{})
	return r
}

func (r *Registry) Register(name string, t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = t
}

func (r *Registry) Lookup(name string) (Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) allocateID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}
