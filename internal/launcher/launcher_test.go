package launcher

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeProcess struct {
	pid        int
	done       chan struct{}
	terminated bool
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
	p.terminated = true
	close(p.done)
	return nil
}

// fakeSpawner signals readiness only from the attempt numbered succeedOn.
type fakeSpawner struct {
	succeedOn int
	spawnErr  error
	ports     []int
	procs     []*fakeProcess
}

func (s *fakeSpawner) Spawn(binary string, args []string, ready *os.File) (Process, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	port, _ := strconv.Atoi(args[1])
	s.ports = append(s.ports, port)
	p := &fakeProcess{pid: 100 + len(s.procs), done: make(chan struct{})}
	s.procs = append(s.procs, p)
	if len(s.procs) == s.succeedOn {
		if _, err := ready.WriteString("ready\n"); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func portArgs(port int) []string {
	return []string{"--port", strconv.Itoa(port)}
}

func TestLaunch_RetriesOnFreshPorts(t *testing.T) {
	pool := NewPortPool(23500, 23510)
	spawner := &fakeSpawner{succeedOn: 3}

	proc, port, err := Launch(context.Background(), spawner, pool, Request{Binary: "tbs_server", Args: portArgs})
	if err != nil {
		t.Fatalf("Launch() returned an unexpected error: %v", err)
	}
	if proc.Pid() != 102 {
		t.Errorf("expected the third child, got pid %d", proc.Pid())
	}
	if len(spawner.ports) != 3 || port != spawner.ports[2] {
		t.Fatalf("expected three attempts ending on port %d, got %v", port, spawner.ports)
	}
	if spawner.ports[0] == spawner.ports[1] || spawner.ports[1] == spawner.ports[2] || spawner.ports[0] == spawner.ports[2] {
		t.Errorf("expected a different port per attempt, got %v", spawner.ports)
	}
	for i, p := range spawner.procs[:2] {
		if !p.terminated {
			t.Errorf("expected failed attempt %d to be terminated", i)
		}
		if !pool.Available(spawner.ports[i]) {
			t.Errorf("expected port %d of failed attempt %d to be released", spawner.ports[i], i)
		}
	}
	if pool.Available(port) {
		t.Errorf("expected port %d to stay taken", port)
	}
	if pool.Free() != 9 {
		t.Errorf("expected 9 free ports, got %d", pool.Free())
	}
}

func TestLaunch_TriesTakenPortFirst(t *testing.T) {
	pool := NewPortPool(23500, 23510)
	first, err := pool.Take()
	if err != nil {
		t.Fatalf("Take() returned an unexpected error: %v", err)
	}
	spawner := &fakeSpawner{succeedOn: 2}

	_, port, err := Launch(context.Background(), spawner, pool, Request{Args: portArgs, Port: first})
	if err != nil {
		t.Fatalf("Launch() returned an unexpected error: %v", err)
	}
	if len(spawner.ports) != 2 || spawner.ports[0] != first {
		t.Fatalf("expected the first attempt on port %d, got %v", first, spawner.ports)
	}
	if port == first || !pool.Available(first) {
		t.Errorf("expected the failed reserved port %d to be released, launched on %d", first, port)
	}
	if pool.Free() != 9 {
		t.Errorf("expected 9 free ports, got %d", pool.Free())
	}
}

func TestStart(t *testing.T) {
	spawner := &fakeSpawner{succeedOn: 1}
	args := func(port int) []string { return []string{"--sharedmem", "tbs-1", strconv.Itoa(port)} }
	proc, err := Start(context.Background(), spawner, Request{Binary: "tbs_server", Args: args})
	if err != nil {
		t.Fatalf("Start() returned an unexpected error: %v", err)
	}
	if proc.Pid() != 100 {
		t.Errorf("expected the first child, got pid %d", proc.Pid())
	}

	if _, err := Start(context.Background(), &fakeSpawner{}, Request{Args: args}); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady from a child that never signals, got %v", err)
	}
}

func TestLaunch_GivesUp(t *testing.T) {
	pool := NewPortPool(23500, 23510)
	spawner := &fakeSpawner{}

	if _, _, err := Launch(context.Background(), spawner, pool, Request{Binary: "tbs_server", Args: portArgs}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if len(spawner.procs) != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, len(spawner.procs))
	}
	if pool.Free() != 10 {
		t.Errorf("expected every port back in the pool, got %d free", pool.Free())
	}
}

func TestLaunch_SpawnError(t *testing.T) {
	pool := NewPortPool(23500, 23502)
	spawnErr := errors.New("no such binary")
	if _, _, err := Launch(context.Background(), &fakeSpawner{spawnErr: spawnErr}, pool, Request{Args: portArgs}); !errors.Is(err, spawnErr) {
		t.Errorf("expected the spawn error, got %v", err)
	}
	if pool.Free() != 2 {
		t.Errorf("expected every port back in the pool, got %d free", pool.Free())
	}
}

func TestLaunch_NoPorts(t *testing.T) {
	pool := NewPortPool(23500, 23500)
	if _, _, err := Launch(context.Background(), &fakeSpawner{succeedOn: 1}, pool, Request{Args: portArgs}); !errors.Is(err, ErrNoPorts) {
		t.Errorf("expected ErrNoPorts, got %v", err)
	}
}

func TestPortPool(t *testing.T) {
	pool := NewPortPool(1, 4)
	var got []int
	for i := 0; i < 3; i++ {
		port, err := pool.Take()
		if err != nil {
			t.Fatalf("Take() returned an unexpected error: %v", err)
		}
		got = append(got, port)
	}
	if _, err := pool.Take(); !errors.Is(err, ErrNoPorts) {
		t.Errorf("expected ErrNoPorts from an empty pool, got %v", err)
	}
	seen := map[int]bool{}
	for _, p := range got {
		seen[p] = true
	}
	if diff := cmp.Diff(map[int]bool{1: true, 2: true, 3: true}, seen); diff != "" {
		t.Errorf("unexpected ports handed out, diff:\n%s", diff)
	}

	pool.Release(2)
	if port, err := pool.Take(); err != nil || port != 2 {
		t.Errorf("expected the released port back, got %d (%v)", port, err)
	}
}

func TestSignalReady(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() returned an unexpected error: %v", err)
	}
	defer r.Close()
	if err := signalReady(w); err != nil {
		t.Fatalf("signalReady() returned an unexpected error: %v", err)
	}
	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "ready\n" {
		t.Errorf("unexpected readiness message %q", buf[:n])
	}
}
