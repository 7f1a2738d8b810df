package matchmaking

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/core/kv"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/launcher"
)

type fakeTransport struct {
	info gameserver.SocketInfo
	sent [][]byte
}

func newTransport() *fakeTransport {
	return &fakeTransport{info: gameserver.SocketInfo{SupportsMultimessage: true}}
}

func (f *fakeTransport) Send(msg []byte) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SocketInfo() *gameserver.SocketInfo { return &f.info }
func (f *fakeTransport) Close()                             {}

func (f *fakeTransport) messages(t *testing.T) []doc.Map {
	t.Helper()
	var out []doc.Map
	for _, payload := range f.sent {
		msgs, err := gameserver.Unbundle(payload)
		if err != nil {
			t.Fatalf("transport received a malformed payload %q: %v", payload, err)
		}
		out = append(out, msgs...)
	}
	return out
}

func (f *fakeTransport) find(t *testing.T, typ string) doc.Map {
	t.Helper()
	for _, m := range f.messages(t) {
		if doc.String(m, "type") == typ {
			return m
		}
	}
	return nil
}

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) Wait() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// fakeSpawner starts children that are ready straight away.
type fakeSpawner struct {
	mu    sync.Mutex
	args  [][]string
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(binary string, args []string, ready *os.File) (launcher.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := ready.WriteString("ready\n"); err != nil {
		return nil, err
	}
	p := &fakeProcess{pid: 500 + len(s.procs), done: make(chan struct{})}
	s.args = append(s.args, args)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestServer(t *testing.T, ports int) (*Server, *fakeSpawner, *fakeClock) {
	t.Helper()
	cfg := &core.Config{}
	cfg.MatchmakingServer.MinGamePort = 30000
	cfg.MatchmakingServer.MaxGamePort = 30000 + ports
	cfg.MatchmakingServer.MatchEveryTicks = 1
	cfg.MatchmakingServer.SessionTimeoutSeconds = 300
	cfg.MatchmakingServer.ServerBinary = "tbs_server"

	s := New(cfg, kv.NewMemoryStore(), core.NewTestLogger())
	spawner := &fakeSpawner{}
	s.Spawner = spawner
	s.CallbackURL = "http://matchmaking.test/server"
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s.now = clock.now
	t.Cleanup(func() {
		for _, pi := range s.processes {
			os.Remove(pi.ConfigPath)
		}
	})
	return s, spawner, clock
}

// runPosted runs the next continuation posted to the event loop.
func runPosted(t *testing.T, s *Server) {
	t.Helper()
	select {
	case fn := <-s.requests:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a posted continuation")
	}
}

func send(t *testing.T, s *Server, sess *SessionInfo, msg doc.Map) *fakeTransport {
	t.Helper()
	tr := newTransport()
	msg["session_id"] = sess.SessionID
	s.HandleMessage(tr, msg)
	return tr
}

func matchmake(t *testing.T, s *Server, sessions ...*SessionInfo) {
	t.Helper()
	for _, sess := range sessions {
		tr := send(t, s, sess, doc.Map{"type": "matchmake", "game_info": doc.Map{"game_type": "echo"}})
		if tr.find(t, "matchmake_queued") == nil {
			t.Fatalf("expected matchmake_queued for %s, got %v", sess.User, tr.messages(t))
		}
	}
}

// processFor returns the game server hosting sess.
func processFor(s *Server, sess *SessionInfo) *ProcessInfo {
	for _, pi := range s.processes {
		for _, sid := range pi.Sessions {
			if sid == sess.SessionID {
				return pi
			}
		}
	}
	return nil
}

func startMatch(t *testing.T, s *Server, sessions ...*SessionInfo) *ProcessInfo {
	t.Helper()
	matchmake(t, s, sessions...)
	s.Heartbeat()
	runPosted(t, s)
	pi := processFor(s, sessions[0])
	if pi == nil {
		t.Fatalf("expected a game server for %s", sessions[0].User)
	}
	return pi
}

func TestMatchmake_BeginsExactlyOneMatch(t *testing.T) {
	s, spawner, _ := newTestServer(t, 10)
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)

	pi := startMatch(t, s, alice, bob)
	if spawner.spawned() != 1 {
		t.Fatalf("expected one game server, got %d", spawner.spawned())
	}
	if diff := cmp.Diff([]int{alice.SessionID, bob.SessionID}, pi.Sessions); diff != "" {
		t.Errorf("unexpected match participants, diff:\n%s", diff)
	}
	if len(s.queue) != 0 {
		t.Errorf("expected the queue to be empty, got %v", s.queue)
	}

	data, err := os.ReadFile(pi.ConfigPath)
	if err != nil {
		t.Fatalf("failed to read game config: %v", err)
	}
	request, err := doc.ParseMap(data)
	if err != nil {
		t.Fatalf("malformed game config: %v", err)
	}
	var sids []int
	for _, u := range doc.Items(request, "users") {
		sids = append(sids, doc.Int(u.(doc.Map), "session_id", -1))
	}
	if diff := cmp.Diff([]int{alice.SessionID, bob.SessionID}, sids); diff != "" {
		t.Errorf("unexpected users in game config, diff:\n%s", diff)
	}
	wantArgs := []string{
		"--port", strconv.Itoa(pi.Port),
		"--config", pi.ConfigPath,
		"--callback", "http://matchmaking.test/server",
		"--ready-fd", "3",
	}
	if diff := cmp.Diff(wantArgs, spawner.args[0]); diff != "" {
		t.Errorf("unexpected child arguments, diff:\n%s", diff)
	}

	s.Heartbeat()
	if spawner.spawned() != 1 {
		t.Errorf("expected no further matches, got %d game servers", spawner.spawned())
	}
}

func TestMatchmake_IncompatibleRequestsWait(t *testing.T) {
	s, spawner, _ := newTestServer(t, 10)
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	send(t, s, alice, doc.Map{"type": "matchmake", "game_info": doc.Map{"game_type": "echo"}})
	send(t, s, bob, doc.Map{"type": "matchmake", "game_info": doc.Map{"game_type": "chess"}})

	s.Heartbeat()
	if spawner.spawned() != 0 {
		t.Errorf("expected no match between different game types")
	}
	if len(s.queue) != 2 {
		t.Errorf("expected both sessions to stay queued, got %v", s.queue)
	}

	send(t, s, bob, doc.Map{"type": "cancel_matchmake"})
	if diff := cmp.Diff([]int{alice.SessionID}, s.queue); diff != "" {
		t.Errorf("unexpected queue after cancel, diff:\n%s", diff)
	}
}

func TestServerCallbacks_PortIsReused(t *testing.T) {
	s, _, _ := newTestServer(t, 1)
	var results []doc.Value
	s.GameOver = func(_ *ProcessInfo, result doc.Value) { results = append(results, result) }
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)

	pi := startMatch(t, s, alice, bob)
	port := pi.Port

	created := newTransport()
	s.HandleServerMessage(created, doc.Map{"type": "server_created_game", "port": port, "game_id": 42})
	if created.find(t, "ok") == nil {
		t.Fatalf("expected ok, got %v", created.messages(t))
	}
	poll := send(t, s, alice, doc.Map{"type": "request_updates"})
	made := poll.find(t, "match_made")
	if made == nil {
		t.Fatalf("expected match_made, got %v", poll.messages(t))
	}
	if doc.Int(made, "game_id", -1) != 42 || doc.Int(made, "port", -1) != port {
		t.Errorf("unexpected match_made %v", made)
	}

	finished := newTransport()
	s.HandleServerMessage(finished, doc.Map{"type": "server_finished_game", "port": port, "result": doc.Map{"winner": "alice"}})
	if finished.find(t, "ok") == nil {
		t.Fatalf("expected ok, got %v", finished.messages(t))
	}
	if len(results) != 1 {
		t.Errorf("expected the game over handler to run once, ran %d times", len(results))
	}
	if len(s.processes) != 0 {
		t.Errorf("expected the process record to be removed, got %v", s.processes)
	}
	if !s.Ports.Available(port) {
		t.Errorf("expected port %d back in the pool", port)
	}
	if _, err := os.Stat(pi.ConfigPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected the game config to be removed, got %v", err)
	}
	if alice.InGame != 0 || alice.Status != "online" {
		t.Errorf("expected alice back online, got in_game=%d status=%s", alice.InGame, alice.Status)
	}

	again := startMatch(t, s, alice, bob)
	if again.Port != port {
		t.Errorf("expected the second game server to reuse port %d, got %d", port, again.Port)
	}
}

func TestReapProcesses_DeadChild(t *testing.T) {
	s, spawner, _ := newTestServer(t, 10)
	gameOvers := 0
	s.GameOver = func(*ProcessInfo, doc.Value) { gameOvers++ }
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	pi := startMatch(t, s, alice, bob)

	s.Heartbeat()
	if len(s.processes) != 1 {
		t.Fatalf("expected a live child to be left alone")
	}

	spawner.procs[0].Terminate()
	s.Heartbeat()
	if len(s.processes) != 0 {
		t.Errorf("expected the dead child to be reaped")
	}
	if !s.Ports.Available(pi.Port) {
		t.Errorf("expected port %d back in the pool", pi.Port)
	}
	if gameOvers != 0 {
		t.Errorf("expected no game over handler for a crashed child, ran %d times", gameOvers)
	}
	if bob.InGame != 0 || bob.Status != "online" {
		t.Errorf("expected bob back online, got in_game=%d status=%s", bob.InGame, bob.Status)
	}
}

func TestBeginMatch_NoPortsKeepsPlayersQueued(t *testing.T) {
	s, spawner, _ := newTestServer(t, 1)
	s.GameOver = func(*ProcessInfo, doc.Value) {}
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	carol := s.startSession("carol", nil)
	dave := s.startSession("dave", nil)
	pi := startMatch(t, s, alice, bob)

	matchmake(t, s, carol, dave)
	s.Heartbeat()
	if spawner.spawned() != 1 {
		t.Fatalf("expected no launch without a free port, got %d game servers", spawner.spawned())
	}
	if diff := cmp.Diff([]int{carol.SessionID, dave.SessionID}, s.queue); diff != "" {
		t.Errorf("expected carol and dave to stay queued, diff:\n%s", diff)
	}

	s.HandleServerMessage(newTransport(), doc.Map{"type": "server_finished_game", "port": pi.Port})
	s.Heartbeat()
	runPosted(t, s)
	if processFor(s, carol) == nil {
		t.Errorf("expected carol's match to start once the port was freed")
	}
}

func TestChallenge_MutualBeginsMatch(t *testing.T) {
	s, spawner, _ := newTestServer(t, 10)
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)

	sent := send(t, s, alice, doc.Map{"type": "challenge", "user": "bob", "game_info": doc.Map{"game_type": "echo"}})
	if sent.find(t, "challenge_sent") == nil {
		t.Fatalf("expected challenge_sent, got %v", sent.messages(t))
	}
	if spawner.spawned() != 0 {
		t.Fatalf("expected no match from a one-sided challenge")
	}
	poll := send(t, s, bob, doc.Map{"type": "request_updates"})
	if c := poll.find(t, "challenge"); c == nil || doc.String(c, "from") != "alice" {
		t.Errorf("expected bob to be told about alice's challenge, got %v", poll.messages(t))
	}

	accepted := send(t, s, bob, doc.Map{"type": "challenge", "user": "alice", "game_info": doc.Map{"game_type": "echo"}})
	if accepted.find(t, "challenge_accepted") == nil {
		t.Fatalf("expected challenge_accepted, got %v", accepted.messages(t))
	}
	runPosted(t, s)
	pi := processFor(s, alice)
	if pi == nil {
		t.Fatal("expected a game server for the challenge")
	}
	if diff := cmp.Diff([]int{alice.SessionID, bob.SessionID}, pi.Sessions); diff != "" {
		t.Errorf("unexpected participants, diff:\n%s", diff)
	}

	missing := send(t, s, alice, doc.Map{"type": "challenge", "user": "zed"})
	if missing.find(t, "error") == nil {
		t.Errorf("expected an error challenging a user who isn't online")
	}
}

func TestChallenge_NoPortsLeavesChallengesStanding(t *testing.T) {
	s, spawner, _ := newTestServer(t, 1)
	s.GameOver = func(*ProcessInfo, doc.Value) {}
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	carol := s.startSession("carol", nil)
	dave := s.startSession("dave", nil)
	busy := startMatch(t, s, carol, dave)

	send(t, s, alice, doc.Map{"type": "challenge", "user": "bob", "game_info": doc.Map{"game_type": "echo"}})
	reply := send(t, s, bob, doc.Map{"type": "challenge", "user": "alice", "game_info": doc.Map{"game_type": "echo"}})
	if reply.find(t, "challenge_accepted") != nil || reply.find(t, "match_failed") == nil {
		t.Fatalf("expected match_failed without a free port, got %v", reply.messages(t))
	}
	if poll := send(t, s, alice, doc.Map{"type": "request_updates"}); poll.find(t, "match_failed") == nil {
		t.Errorf("expected alice to hear the match failed, got %v", poll.messages(t))
	}
	if alice.InGame != 0 || bob.InGame != 0 || spawner.spawned() != 1 {
		t.Fatalf("expected nobody to be put into a game, in_game=%d/%d", alice.InGame, bob.InGame)
	}
	if _, ok := alice.Challenges["bob"]; !ok {
		t.Fatalf("expected alice's challenge to stand, got %v", alice.Challenges)
	}

	s.HandleServerMessage(newTransport(), doc.Map{"type": "server_finished_game", "port": busy.Port})
	again := send(t, s, bob, doc.Map{"type": "challenge", "user": "alice", "game_info": doc.Map{"game_type": "echo"}})
	if again.find(t, "challenge_accepted") == nil {
		t.Fatalf("expected challenge_accepted once a port is free, got %v", again.messages(t))
	}
	runPosted(t, s)
	if processFor(s, alice) == nil {
		t.Errorf("expected a game server for the challenge")
	}
}

func TestBeginMatch_LaunchInFlightHoldsOnePort(t *testing.T) {
	s, spawner, _ := newTestServer(t, 2)
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	carol := s.startSession("carol", nil)
	dave := s.startSession("dave", nil)
	erin := s.startSession("erin", nil)
	frank := s.startSession("frank", nil)

	matchmake(t, s, alice, bob)
	s.Heartbeat()
	// The first launch hasn't reported back yet; the second port is still free.
	matchmake(t, s, carol, dave, erin, frank)
	s.Heartbeat()
	runPosted(t, s)
	runPosted(t, s)

	first, second := processFor(s, alice), processFor(s, carol)
	if first == nil || second == nil {
		t.Fatalf("expected both matches to start, got %d game servers", spawner.spawned())
	}
	if first.Port == second.Port {
		t.Errorf("expected distinct ports, both got %d", first.Port)
	}
	if diff := cmp.Diff([]int{erin.SessionID, frank.SessionID}, s.queue); diff != "" {
		t.Errorf("expected the third pair to wait for a port, diff:\n%s", diff)
	}
}

func TestDefaultMatch(t *testing.T) {
	candidates := []Candidate{
		{GameInfo: doc.Map{"game_type": "echo"}},
		{GameInfo: doc.Map{"game_type": "chess"}},
		{GameInfo: doc.Map{"game_type": "echo", "players": 3.0}},
		{GameInfo: doc.Map{"game_type": "echo"}},
		{GameInfo: doc.Map{"game_type": "echo", "players": 3.0}},
		{GameInfo: doc.Map{"game_type": "echo", "players": 3.0}},
		{GameInfo: doc.Map{"game_type": "chess"}},
	}
	want := [][]int{{0, 3}, {2, 4, 5}, {1, 6}}
	if diff := cmp.Diff(want, DefaultMatch(candidates)); diff != "" {
		t.Errorf("unexpected matches, diff:\n%s", diff)
	}
}

func TestRunMatching_IgnoresInvalidGroups(t *testing.T) {
	s, spawner, _ := newTestServer(t, 10)
	alice := s.startSession("alice", nil)
	bob := s.startSession("bob", nil)
	s.Match = func(candidates []Candidate) [][]int {
		return [][]int{{0, 7}, {0, 0}, {}}
	}
	matchmake(t, s, alice, bob)
	s.Heartbeat()
	if spawner.spawned() != 0 {
		t.Errorf("expected invalid groups to be ignored, got %d game servers", spawner.spawned())
	}
	if len(s.queue) != 2 {
		t.Errorf("expected both sessions to stay queued, got %v", s.queue)
	}
}
