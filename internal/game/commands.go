package game

import (
	"fmt"
	"strings"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// ValidationError is returned when a handler produces a command that can't
// be executed against the game.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Command is a side effect requested by a game type.
type Command interface {
	Execute(ctx *Context) error
}

// CommandFunc adapts a function to the Command interface.
type CommandFunc func(ctx *Context) error

func (f CommandFunc) Execute(ctx *Context) error { return f(ctx) }

// Commands executes each command in order, stopping at the first error.
type Commands []Command

func (c Commands) Execute(ctx *Context) error {
	for _, cmd := range c {
		if cmd == nil {
			continue
		}
		if err := cmd.Execute(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetState stores Value at Path within the state document. An empty path
// replaces the whole document. Intermediate objects are created as needed.
type SetState struct {
	Path  doc.List
	Value doc.Value
}

func (s SetState) Execute(ctx *Context) error {
	value, err := doc.Normalize(s.Value)
	if err != nil {
		return validationErrorf("state value is not a document: %v", err)
	}
	g := ctx.Game
	if len(s.Path) == 0 {
		g.doc = value
		g.mutated()
		return nil
	}

	if g.doc == nil {
		g.doc = doc.Map{}
	}
	// Nothing is touched until the whole path is known to resolve.
	if err := checkPath(g.doc, s.Path); err != nil {
		return err
	}
	cur := g.doc
	for i, elem := range s.Path {
		last := i == len(s.Path)-1
		switch container := cur.(type) {
		case doc.Map:
			key, ok := elem.(string)
			if !ok {
				return validationErrorf("path element %v is not an object key", elem)
			}
			if last {
				container[key] = value
				break
			}
			next, ok := container[key]
			if !ok || next == nil {
				next = doc.Map{}
				container[key] = next
			}
			cur = next
		case doc.List:
			idx, ok := toIndex(elem)
			if !ok || idx < 0 || idx >= len(container) {
				return validationErrorf("path element %v is not a valid list index", elem)
			}
			if last {
				container[idx] = value
				break
			}
			cur = container[idx]
		default:
			return validationErrorf("cannot descend into %T at %v", cur, s.Path[:i])
		}
	}
	g.mutated()
	return nil
}

// checkPath reports whether a value can be stored at path within root,
// allowing for the objects SetState would create along the way.
func checkPath(root doc.Value, path doc.List) error {
	cur, missing := root, false
	for i, elem := range path {
		if missing {
			if _, ok := elem.(string); !ok {
				return validationErrorf("path element %v is not an object key", elem)
			}
			continue
		}
		switch container := cur.(type) {
		case doc.Map:
			key, ok := elem.(string)
			if !ok {
				return validationErrorf("path element %v is not an object key", elem)
			}
			next, ok := container[key]
			missing = !ok || next == nil
			cur = next
		case doc.List:
			idx, ok := toIndex(elem)
			if !ok || idx < 0 || idx >= len(container) {
				return validationErrorf("path element %v is not a valid list index", elem)
			}
			cur = container[idx]
		default:
			return validationErrorf("cannot descend into %T at %v", cur, path[:i])
		}
	}
	return nil
}

// ReplaceState replaces the whole state document.
type ReplaceState struct {
	Value doc.Value
}

func (r ReplaceState) Execute(ctx *Context) error {
	return SetState{Value: r.Value}.Execute(ctx)
}

func toIndex(v doc.Value) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), float64(int(n)) == n
	}
	return 0, false
}

// Send queues Message for Recipients (player indexes, or ObserversRecipient).
// No recipients broadcasts to everyone attached to the game.
type Send struct {
	Message    doc.Value
	Recipients []int
}

func (s Send) Execute(ctx *Context) error {
	if _, err := doc.Marshal(s.Message); err != nil {
		return validationErrorf("message is not a document: %v", err)
	}
	ctx.Game.queueMessage(s.Message, s.Recipients...)
	return nil
}

// Broadcast queues Message for everyone attached to the game.
type Broadcast struct {
	Message doc.Value
}

func (b Broadcast) Execute(ctx *Context) error {
	return Send{Message: b.Message}.Execute(ctx)
}

// Log appends a line to the game log.
type Log struct {
	Text string
}

func (l Log) Execute(ctx *Context) error {
	ctx.Game.appendLog(l.Text)
	return nil
}

// Fail aborts the current event with a ValidationError.
type Fail struct {
	Message string
}

func (f Fail) Execute(*Context) error {
	return &ValidationError{Message: f.Message}
}

// ParseCommand converts a command document (as produced by a scripting
// layer) into a Command:
//
//	null                                  no-op
//	[cmd, cmd, ...]                       each in order
//	{"set": "a.b" | ["a", 0], "value": v} SetState
//	{"send": msg, "to": [0, -1]}          Send
//	{"log": "text"}                       Log
//	{"error": "text"}                     Fail
func ParseCommand(v doc.Value) (Command, error) {
	switch t := v.(type) {
	case nil:
		return Commands{}, nil
	case doc.List:
		cmds := make(Commands, 0, len(t))
		for _, e := range t {
			cmd, err := ParseCommand(e)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
		return cmds, nil
	case doc.Map:
		switch {
		case doc.Has(t, "set"):
			path, err := parsePath(t["set"])
			if err != nil {
				return nil, err
			}
			return SetState{Path: path, Value: t["value"]}, nil
		case doc.Has(t, "send"):
			return Send{Message: t["send"], Recipients: doc.Ints(doc.Items(t, "to"))}, nil
		case doc.Has(t, "log"):
			return Log{Text: fmt.Sprint(t["log"])}, nil
		case doc.Has(t, "error"):
			return Fail{Message: fmt.Sprint(t["error"])}, nil
		}
	}
	return nil, validationErrorf("unrecognized command %s", doc.MustMarshal(v))
}

func parsePath(v doc.Value) (doc.List, error) {
	switch p := v.(type) {
	case string:
		if p == "" {
			return doc.List{}, nil
		}
		path := doc.List{}
		for _, part := range strings.Split(p, ".") {
			path = append(path, part)
		}
		return path, nil
	case doc.List:
		return p, nil
	}
	return nil, validationErrorf("state path must be a string or list, got %T", v)
}
