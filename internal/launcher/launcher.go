// Package launcher starts game server child processes. It owns the pool of
// ports handed to children, spawns them with a readiness pipe, and retries on
// a fresh port when a child fails to come up.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// MaxAttempts is the number of ports tried before a launch gives up.
	MaxAttempts = 5
	// ReadyFD is the descriptor number of the readiness pipe in the child.
	ReadyFD = 3

	readyToken          = "ready"
	defaultReadyTimeout = 10 * time.Second
)

var (
	ErrNoPorts  = errors.New("no free ports in pool")
	ErrNotReady = errors.New("child exited before signalling readiness")
)

// Process is a handle to a spawned child.
type Process interface {
	Pid() int
	// Exited reports whether the child has exited without blocking.
	Exited() bool
	// Wait is closed once the child has exited.
	Wait() <-chan struct{}
	Terminate() error
}

// Spawner starts a child running binary with args. ready is the write end of
// the readiness pipe and must become ReadyFD in the child.
type Spawner interface {
	Spawn(binary string, args []string, ready *os.File) (Process, error)
}

// Request describes the child to launch. Args builds the argument vector for
// the port being tried.
type Request struct {
	Binary string
	Args   func(port int) []string
	// Port, when set, is already taken from the pool and is tried first.
	Port int
	// ReadyTimeout bounds the wait for each attempt. Zero means ten seconds.
	ReadyTimeout time.Duration
}

// PortPool hands out ports in [min, max).
type PortPool struct {
	mu     sync.Mutex
	free   map[int]bool
	random *rand.Rand
}

func NewPortPool(min, max int) *PortPool {
	p := &PortPool{
		free:   make(map[int]bool),
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for port := min; port < max; port++ {
		p.free[port] = true
	}
	return p
}

// Take removes a random free port from the pool.
func (p *PortPool) Take() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrNoPorts
	}
	ports := lo.Keys(p.free)
	port := ports[p.random.Intn(len(ports))]
	delete(p.free, port)
	return port, nil
}

// Release returns port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[port] = true
}

// Available reports whether port is free.
func (p *PortPool) Available(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free[port]
}

// Free returns the number of free ports.
func (p *PortPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Launch spawns req.Binary until a child reports it is listening, trying a
// fresh port from pool on each of up to MaxAttempts attempts. The port of
// the returned process stays taken; the caller releases it when the child is done.
func Launch(ctx context.Context, spawner Spawner, pool *PortPool, req Request) (Process, int, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		port := req.Port
		req.Port = 0
		if port == 0 {
			var err error
			if port, err = pool.Take(); err != nil {
				return nil, 0, err
			}
		}
		proc, err := launchOnce(ctx, spawner, req, port)
		if err == nil {
			return proc, port, nil
		}
		pool.Release(port)
		lastErr = fmt.Errorf("attempt %d on port %d: %w", attempt, port, err)
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, fmt.Errorf("launching %s failed after %d attempts: %w", req.Binary, MaxAttempts, lastErr)
}

// Start spawns req.Binary once, with no port, and waits for it to signal
// readiness. It suits children reached over a pipe; req.Args gets zero.
func Start(ctx context.Context, spawner Spawner, req Request) (Process, error) {
	return launchOnce(ctx, spawner, req, 0)
}

func launchOnce(ctx context.Context, spawner Spawner, req Request, port int) (Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	proc, err := spawner.Spawn(req.Binary, req.Args(port), w)
	// The child holds its own copy; closing ours lets the read see EOF if it dies.
	w.Close()
	if err != nil {
		return nil, err
	}

	readyCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if strings.TrimSpace(line) == readyToken {
			readyCh <- nil
			return
		}
		if err == nil {
			err = fmt.Errorf("unexpected readiness message %q", line)
		}
		readyCh <- fmt.Errorf("%w: %v", ErrNotReady, err)
	}()

	timeout := req.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-readyCh:
	case <-timer.C:
		err = fmt.Errorf("child %d not ready after %v", proc.Pid(), timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = proc.Terminate()
		return nil, err
	}
	return proc, nil
}

// SignalReady is called by a child once it is listening. It writes the
// readiness token to fd and closes it.
func SignalReady(fd int) error {
	f := os.NewFile(uintptr(fd), "ready")
	if f == nil {
		return fmt.Errorf("invalid ready descriptor %d", fd)
	}
	return signalReady(f)
}

func signalReady(w io.WriteCloser) error {
	defer w.Close()
	_, err := io.WriteString(w, readyToken+"\n")
	return err
}
