package launcher

import (
	"io"
	"os"
	"os/exec"
	"sync"
)

// ExecSpawner runs children with os/exec. Their output goes to Stdout and
// Stderr, which may be nil.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *ExecSpawner) Spawn(binary string, args []string, ready *os.File) (Process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// ExtraFiles[0] becomes descriptor 3 in the child.
	cmd.ExtraFiles = []*os.File{ready}
	cmd.SysProcAttr = detached()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	// Wait blocks, so reap on a goroutine and let the owner poll Exited.
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Wait() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	if p.Exited() {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Err returns the exit error once the child has exited.
func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
