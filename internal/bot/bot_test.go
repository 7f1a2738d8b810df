package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/tbs/internal/client"
	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/game"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/inproc"
)

func newServer() *inproc.Server {
	registry := game.NewRegistry()
	registry.Register("echo", WithBots(game.Echo{}))
	cfg := &core.Config{}
	cfg.GameServer.TickMS = 20
	return inproc.New(gameserver.NewBase(cfg, registry, core.NewTestLogger()))
}

func TestLookup(t *testing.T) {
	msg := doc.Map{"state": doc.Map{"messages": doc.List{"a", doc.Map{"n": 2.0}}}}
	tests := []struct {
		name  string
		path  string
		want  doc.Value
		found bool
	}{
		{name: "nested key", path: "state.messages.1.n", want: 2.0, found: true},
		{name: "list index", path: "state.messages.0", want: "a", found: true},
		{name: "out of range", path: "state.messages.5"},
		{name: "missing key", path: "state.players"},
		{name: "through a scalar", path: "state.messages.0.x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(msg, tt.path)
			if ok != tt.found {
				t.Fatalf("Lookup(%q) found = %v, expected %v", tt.path, ok, tt.found)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected value, diff:\n%s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	replies := []doc.Map{
		{"type": "echo", "nick": "alice"},
		{"type": "game", "started": true},
	}
	tests := map[string]struct {
		check   Check
		wantErr bool
	}{
		"equals":               {check: Check{Type: "game", Field: "started", Equals: true}},
		"equals false":         {check: Check{Type: "game", Field: "started", Equals: false}, wantErr: true},
		"exists":               {check: Check{Field: "nick"}},
		"absent":               {check: Check{Type: "game", Field: "nick", Absent: true}},
		"absent but present":   {check: Check{Type: "echo", Field: "nick", Absent: true}, wantErr: true},
		"missing message type": {check: Check{Type: "bye"}, wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(Step{Validate: []Check{tt.check}}, replies)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBot_PlaysScript(t *testing.T) {
	server := newServer()
	var seen []string
	var created int
	b := &Bot{
		Name: "alice",
		Conn: client.NewInProcClient(server, 1),
		Script: []Step{
			{
				Send: doc.Map{"type": "create_game", "game_type": "echo", "users": doc.List{
					doc.Map{"user": "alice", "session_id": 1},
					doc.Map{"user": "robo", "bot": true, "moves": doc.List{
						doc.Map{"send": doc.Map{"type": "taunt", "text": "beep"}},
					}},
				}},
				Validate: []Check{{Type: "game_created", Field: "game_id"}},
			},
			{
				Send: doc.Map{"type": "start_game"},
				Validate: []Check{
					{Type: "game", Field: "started", Equals: true},
					{Type: "taunt", Field: "text", Equals: "beep"},
				},
			},
			{
				Send:     doc.Map{"type": "ping_game", "sent": 12.0},
				Validate: []Check{{Type: "pong_game", Field: "sent", Equals: 12.0}},
			},
			{
				Send: doc.Map{"type": "quit"},
				Func: func(replies []doc.Map) error {
					if client.Find(replies, "bye") == nil {
						return errors.New("no bye")
					}
					return nil
				},
			},
		},
		OnCreate:  func(*Bot) { created++ },
		OnMessage: func(_ *Bot, msg doc.Map) { seen = append(seen, doc.String(msg, "type")) },
	}

	ctx := context.Background()
	for !b.Done() {
		if err := b.Tick(ctx); err != nil {
			t.Errorf("step %d failed: %v", len(b.Results)-1, err)
		}
	}
	if created != 1 {
		t.Errorf("expected OnCreate to run once, ran %d times", created)
	}
	if len(b.Failed()) != 0 {
		t.Errorf("expected no failed steps, got %v", b.Failed())
	}
	if len(seen) == 0 || seen[len(seen)-1] != "bye" {
		t.Errorf("expected the last message seen to be bye, got %v", seen)
	}
}

func TestBot_RecordsFailure(t *testing.T) {
	b := &Bot{
		Conn: client.NewInProcClient(newServer(), 5),
		Script: []Step{
			{Send: doc.Map{"type": "start_game"}, Validate: []Check{{Type: "game"}}},
			{Send: doc.Map{"type": "get_server_info"}, Validate: []Check{{Type: "server_info", Field: "games", Equals: 0.0}}},
		},
	}
	ctx := context.Background()
	if err := b.Tick(ctx); err == nil {
		t.Error("expected the first step to fail without a session")
	}
	if err := b.Tick(ctx); err != nil {
		t.Errorf("second step returned an unexpected error: %v", err)
	}
	failed := b.Failed()
	if len(failed) != 1 || failed[0].Step != 0 {
		t.Errorf("expected only step 0 to fail, got %+v", failed)
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`[{"send":{"type":"get_status"},"validate":[{"type":"status","field":"status_id"}]}]`), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"validate":[]}]`), 0644); err != nil {
		t.Fatal(err)
	}

	steps, err := LoadScript(good)
	if err != nil {
		t.Fatalf("LoadScript() returned an unexpected error: %v", err)
	}
	want := []Check{{Type: "status", Field: "status_id"}}
	if diff := cmp.Diff(want, steps[0].Validate); diff != "" {
		t.Errorf("unexpected checks, diff:\n%s", diff)
	}
	if _, err := LoadScript(bad); err == nil {
		t.Error("expected an error for a step without a message")
	}
}
