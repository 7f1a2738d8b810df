package client

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/ipc"
	"github.com/dcrodman/tbs/internal/launcher"
)

// DefaultPipeCapacity is the size of each direction of a pipe made by
// StartPipeServer.
const DefaultPipeCapacity = 1 << 20

const defaultPoll = 5 * time.Millisecond

// PipeClient is the parent end of a shared memory pipe to a tbs_server run
// with --sharedmem. The child answers on its own heartbeat, so Send polls
// until the first replies show up.
type PipeClient struct {
	Pipe *ipc.Pipe
	// SessionID is the session the child serves the pipe as.
	SessionID int
	// Protocol is sent with every request. Zero means ProtocolVersion.
	Protocol int
	// Poll is the delay between reads. Zero means 5ms.
	Poll time.Duration
}

func NewPipeClient(pipe *ipc.Pipe, sessionID int) *PipeClient {
	return &PipeClient{Pipe: pipe, SessionID: sessionID}
}

// StartPipeServer creates the pipe called name and starts binary serving
// sessionID over it. extra is passed to the child ahead of the session id,
// e.g. "--config" and a game creation document. The pipe is removed again
// if the child never comes up.
func StartPipeServer(ctx context.Context, spawner launcher.Spawner, binary, name string, sessionID int, extra ...string) (*PipeClient, launcher.Process, error) {
	pipe, err := ipc.Create(name, DefaultPipeCapacity)
	if err != nil {
		return nil, nil, err
	}
	args := append([]string{"--sharedmem", name, "--ready-fd", strconv.Itoa(launcher.ReadyFD)}, extra...)
	args = append(args, strconv.Itoa(sessionID))
	proc, err := launcher.Start(ctx, spawner, launcher.Request{
		Binary: binary,
		Args:   func(int) []string { return args },
	})
	if err != nil {
		_ = pipe.Remove()
		return nil, nil, err
	}
	return NewPipeClient(pipe, sessionID), proc, nil
}

func (c *PipeClient) Send(ctx context.Context, msg doc.Map) ([]doc.Map, error) {
	out := doc.Clone(msg).(doc.Map)
	if !doc.Has(out, "protocol") {
		protocol := c.Protocol
		if protocol == 0 {
			protocol = ProtocolVersion
		}
		out["protocol"] = protocol
	}
	payload := doc.MustMarshal(out)

	var got []doc.Map
	for {
		err := c.Pipe.Write(payload)
		if err == nil {
			break
		}
		if !errors.Is(err, ipc.ErrFull) {
			return got, err
		}
		// Keep reading so the child's replies don't back up behind ours.
		msgs, err := c.Drain()
		got = append(got, msgs...)
		if err != nil {
			return got, err
		}
		if err := c.wait(ctx); err != nil {
			return got, err
		}
	}

	for len(got) == 0 {
		if err := c.wait(ctx); err != nil {
			return got, err
		}
		msgs, err := c.Drain()
		got = append(got, msgs...)
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

// Drain returns whatever the child has written since the last read without
// waiting.
func (c *PipeClient) Drain() ([]doc.Map, error) {
	raw, err := c.Pipe.Read()
	var out []doc.Map
	for _, payload := range raw {
		msgs, uerr := gameserver.Unbundle(payload)
		if uerr != nil {
			return out, uerr
		}
		out = append(out, msgs...)
	}
	return out, err
}

// Close unmaps the parent's end and deletes the pipe's backing file.
func (c *PipeClient) Close() error {
	return c.Pipe.Remove()
}

func (c *PipeClient) wait(ctx context.Context) error {
	poll := c.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
