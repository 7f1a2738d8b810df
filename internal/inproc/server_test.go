package inproc

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/game"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/ipc"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestServer(t *testing.T) (*Server, *fakeClock) {
	t.Helper()
	cfg := &core.Config{}
	cfg.GameServer.TickMS = 20
	s := New(gameserver.NewBase(cfg, game.DefaultRegistry(), core.NewTestLogger()))
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s.now = clock.now
	return s, clock
}

type inbox struct{ msgs []doc.Map }

func (in *inbox) receive(t *testing.T) func([]byte) {
	return func(b []byte) {
		msgs, err := gameserver.Unbundle(b)
		if err != nil {
			t.Errorf("received malformed payload %s: %v", b, err)
			return
		}
		in.msgs = append(in.msgs, msgs...)
	}
}

func (in *inbox) types() []string {
	var out []string
	for _, m := range in.msgs {
		out = append(out, doc.String(m, "type"))
	}
	return out
}

func createEchoGame(t *testing.T, s *Server, sessions ...int) {
	t.Helper()
	users := doc.List{}
	for i, sid := range sessions {
		users = append(users, doc.Map{"user": string(rune('a' + i)), "session_id": sid})
	}
	var created inbox
	s.Send(created.receive(t), doc.Map{"type": "create_game", "game_type": "echo", "users": users}, -1)
	s.Process()
	if diff := cmp.Diff([]string{"game_created"}, created.types()); diff != "" {
		t.Fatalf("unexpected create_game replies, diff:\n%s", diff)
	}
}

func TestServer_DispatchesInOrder(t *testing.T) {
	s, _ := newTestServer(t)
	createEchoGame(t, s, 1, 2)

	var a, b inbox
	s.Send(a.receive(t), doc.Map{"type": "request_updates"}, 1)
	s.Send(b.receive(t), doc.Map{"type": "request_updates"}, 2)
	s.Send(a.receive(t), doc.Map{"type": "start_game"}, 1)
	s.Process()

	if diff := cmp.Diff([]string{"game", "game"}, a.types()); diff != "" {
		t.Errorf("unexpected messages for session 1, diff:\n%s", diff)
	}
	// Session 2's transport stays attached, so the start broadcast is pushed to it.
	if diff := cmp.Diff([]string{"game", "game"}, b.types()); diff != "" {
		t.Fatalf("unexpected messages for session 2, diff:\n%s", diff)
	}
	if !doc.Bool(b.msgs[1], "started") {
		t.Errorf("expected the pushed state to be started, got %v", b.msgs[1])
	}
}

func TestServer_RunsDueHeartbeats(t *testing.T) {
	s, clock := newTestServer(t)

	if n := s.Process(); n != 0 {
		t.Fatalf("expected no heartbeats on the first call, got %d", n)
	}
	clock.t = clock.t.Add(70 * time.Millisecond)
	if n := s.Process(); n != 3 {
		t.Errorf("expected 3 heartbeats after 70ms, got %d", n)
	}
	clock.t = clock.t.Add(10 * time.Millisecond)
	if n := s.Process(); n != 1 {
		t.Errorf("expected the remainder to carry over into 1 heartbeat, got %d", n)
	}
	if s.Tick() != 4 {
		t.Errorf("expected tick 4, got %d", s.Tick())
	}

	clock.t = clock.t.Add(time.Hour)
	if n := s.Process(); n != maxCatchUpTicks {
		t.Errorf("expected catch-up to be capped at %d, got %d", maxCatchUpTicks, n)
	}
}

type fakePipe struct {
	inbound  [][]byte
	outbound []string
	readErr  error
	// full makes Write report a full ring.
	full bool
}

func (p *fakePipe) Read() ([][]byte, error) {
	msgs := p.inbound
	p.inbound = nil
	return msgs, p.readErr
}

func (p *fakePipe) Write(msg []byte) error {
	if p.full {
		return ipc.ErrFull
	}
	p.outbound = append(p.outbound, string(msg))
	return nil
}

func TestServer_Pipe(t *testing.T) {
	s, _ := newTestServer(t)
	createEchoGame(t, s, 5)

	p := &fakePipe{inbound: [][]byte{
		[]byte(`{"type":"request_updates"}`),
		[]byte(`not json`),
		[]byte(`{"type":"chat_message","message":"hi"}`),
	}}
	s.AddPipe(p, 5)
	s.Heartbeat()

	var types []string
	for _, out := range p.outbound {
		m, err := doc.ParseMap([]byte(out))
		if err != nil {
			t.Fatalf("pipe received malformed reply %s", out)
		}
		types = append(types, doc.String(m, "type"))
	}
	if diff := cmp.Diff([]string{"game", "error", "chat_message"}, types); diff != "" {
		t.Errorf("unexpected pipe replies, diff:\n%s", diff)
	}

	p.readErr = errors.New("broken")
	s.Heartbeat()
	if len(s.pipes) != 0 {
		t.Errorf("expected the failed pipe to be dropped")
	}
}

func TestServer_PipeBackPressure(t *testing.T) {
	s, _ := newTestServer(t)
	createEchoGame(t, s, 5)

	p := &fakePipe{full: true, inbound: [][]byte{
		[]byte(`{"type":"request_updates"}`),
		[]byte(`{"type":"chat_message","message":"one"}`),
	}}
	s.AddPipe(p, 5)
	s.Heartbeat()
	p.inbound = [][]byte{[]byte(`{"type":"chat_message","message":"two"}`)}
	s.Heartbeat()

	if len(s.pipes) != 1 {
		t.Fatalf("expected a full pipe to stay open")
	}
	if len(p.outbound) != 0 {
		t.Fatalf("expected nothing written while the pipe is full, got %v", p.outbound)
	}

	p.full = false
	s.Heartbeat()

	var got []string
	for _, out := range p.outbound {
		m, err := doc.ParseMap([]byte(out))
		if err != nil {
			t.Fatalf("pipe received malformed reply %s", out)
		}
		got = append(got, doc.String(m, "type")+":"+doc.String(m, "message"))
	}
	want := []string{"game:", "chat_message:one", "chat_message:two"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected pipe replies after draining, diff:\n%s", diff)
	}
}

func TestPipeTransport_BacklogLimit(t *testing.T) {
	p := &fakePipe{full: true}
	tr := &pipeTransport{pipe: p}
	for i := 0; i < maxBacklog; i++ {
		if err := tr.Send([]byte("{}")); err != nil {
			t.Fatalf("Send() #%d returned an unexpected error: %v", i, err)
		}
	}
	if err := tr.Send([]byte("{}")); !errors.Is(err, errBacklog) {
		t.Errorf("expected errBacklog once the backlog is full, got %v", err)
	}
}
