// Package bot runs scripted protocol clients. A script is a list of steps;
// each step sends one message and validates what came back. Bots are used
// to exercise servers end to end and to fill empty seats in a game.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tbs/internal/client"
	"github.com/dcrodman/tbs/internal/core/doc"
)

// Check is one validation of the messages received in reply to a step.
// Type restricts it to messages of that type. Field is a dot separated path
// into the message ("state.messages.0"); with Equals set the value there
// must equal it, otherwise the field must exist (or, with Absent, not exist).
type Check struct {
	Type   string      `json:"type,omitempty"`
	Field  string      `json:"field,omitempty"`
	Equals interface{} `json:"equals,omitempty"`
	Absent bool        `json:"absent,omitempty"`
}

// Step is one scripted exchange.
type Step struct {
	Send     doc.Map `json:"send"`
	Validate []Check `json:"validate,omitempty"`
	// Func, when set, also validates the replies.
	Func func(replies []doc.Map) error `json:"-"`
}

// Result records the outcome of one step.
type Result struct {
	Step    int
	Replies []doc.Map
	Err     error
}

// Bot plays a script against a connection.
type Bot struct {
	Name   string
	Conn   client.Conn
	Script []Step
	Logger *logrus.Logger

	// OnCreate runs once before the first step.
	OnCreate func(b *Bot)
	// OnMessage runs for every message received.
	OnMessage func(b *Bot, msg doc.Map)

	Results []Result

	next    int
	created bool
}

// LoadScript reads a JSON array of steps from path.
func LoadScript(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	for i, s := range steps {
		if s.Send == nil {
			return nil, fmt.Errorf("script %s: step %d has nothing to send", path, i)
		}
	}
	return steps, nil
}

// Done reports whether every step has run.
func (b *Bot) Done() bool { return b.next >= len(b.Script) }

// Failed returns the results of every step that failed.
func (b *Bot) Failed() []Result {
	var failed []Result
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Tick runs the next step of the script. It returns the step's error, which
// is also recorded in Results; the script carries on regardless.
func (b *Bot) Tick(ctx context.Context) error {
	if !b.created {
		b.created = true
		if b.OnCreate != nil {
			b.OnCreate(b)
		}
	}
	if b.Done() {
		return nil
	}
	n := b.next
	b.next++
	step := b.Script[n]

	replies, err := b.Conn.Send(ctx, step.Send)
	for _, msg := range replies {
		if b.OnMessage != nil {
			b.OnMessage(b, msg)
		}
	}
	if err == nil {
		err = Validate(step, replies)
	}
	if err != nil && b.Logger != nil {
		b.Logger.Warnf("[BOT] %s step %d (%s) failed: %v\nreplies: %s",
			b.Name, n, doc.String(step.Send, "type"), err, spew.Sdump(replies))
	}
	b.Results = append(b.Results, Result{Step: n, Replies: replies, Err: err})
	return err
}

// Run ticks the bot every interval until the script is done or ctx ends.
func (b *Bot) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !b.Done() {
		b.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Validate applies every check of step to replies.
func Validate(step Step, replies []doc.Map) error {
	for _, c := range step.Validate {
		if err := c.check(replies); err != nil {
			return err
		}
	}
	if step.Func != nil {
		return step.Func(replies)
	}
	return nil
}

func (c Check) check(replies []doc.Map) error {
	candidates := 0
	for _, msg := range replies {
		if c.Type != "" && doc.String(msg, "type") != c.Type {
			continue
		}
		candidates++
		v, ok := Lookup(msg, c.Field)
		switch {
		case c.Absent:
			if !ok {
				return nil
			}
		case c.Equals != nil:
			if ok && doc.Equal(v, c.Equals) {
				return nil
			}
		case ok:
			return nil
		}
	}
	if candidates == 0 && c.Type != "" {
		return fmt.Errorf("no %s message received", c.Type)
	}
	switch {
	case c.Absent:
		return fmt.Errorf("field %q present in every reply", c.Field)
	case c.Equals != nil:
		return fmt.Errorf("no reply has %s == %v", c.Field, c.Equals)
	}
	return fmt.Errorf("no reply has field %q", c.Field)
}

// Lookup follows a dot separated path through maps and lists. An empty path
// is the message itself.
func Lookup(msg doc.Map, path string) (doc.Value, bool) {
	var v doc.Value = msg
	if path == "" {
		return v, true
	}
	for _, elem := range strings.Split(path, ".") {
		switch t := v.(type) {
		case doc.Map:
			next, ok := t[elem]
			if !ok {
				return nil, false
			}
			v = next
		case doc.List:
			i, err := strconv.Atoi(elem)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			v = t[i]
		default:
			return nil, false
		}
	}
	return v, true
}
