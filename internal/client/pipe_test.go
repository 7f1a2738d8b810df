//go:build unix

package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/game"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/inproc"
	"github.com/dcrodman/tbs/internal/ipc"
)

// servePipe hosts an echo game for session 7 and serves it over a fresh
// pipe of the given capacity from its own goroutine, the way tbs_server
// --sharedmem does. It returns the parent's end.
func servePipe(t *testing.T, ctx context.Context, capacity int) *PipeClient {
	t.Helper()
	name := fmt.Sprintf("client-test-%d", time.Now().UnixNano())
	parent, err := ipc.Create(name, capacity)
	if err != nil {
		t.Fatalf("Create() returned an unexpected error: %v", err)
	}
	child, err := ipc.Open(name)
	if err != nil {
		_ = parent.Remove()
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = child.Close()
		_ = parent.Remove()
	})

	cfg := &core.Config{}
	cfg.GameServer.TickMS = 5
	server := inproc.New(gameserver.NewBase(cfg, game.DefaultRegistry(), core.NewTestLogger()))
	users := doc.List{doc.Map{"user": "alice", "session_id": 7}}
	server.Send(func([]byte) {}, doc.Map{"type": "create_game", "game_type": "echo", "users": users}, -1)
	server.AddPipe(child, 7)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				server.Process()
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewPipeClient(parent, 7)
}

// sendFor sends msg and keeps reading until a message of type typ arrives.
func sendFor(t *testing.T, ctx context.Context, c *PipeClient, msg doc.Map, typ string) doc.Map {
	t.Helper()
	msgs, err := c.Send(ctx, msg)
	for {
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m := Find(msgs, typ); m != nil {
			return m
		}
		if err = c.wait(ctx); err == nil {
			msgs, err = c.Drain()
		}
	}
}

func TestPipeClient_PlaysOverSharedMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := servePipe(t, ctx, 64*1024)

	state := sendFor(t, ctx, c, doc.Map{"type": "request_updates"}, "game")
	if doc.Int(state, "nplayer", -1) != 0 {
		t.Fatalf("expected alice's game state, got %v", state)
	}

	chat := sendFor(t, ctx, c, doc.Map{"type": "chat_message", "message": "hi"}, "chat_message")
	if doc.String(chat, "nick") != "alice" || doc.String(chat, "message") != "hi" {
		t.Errorf("expected alice's chat echoed back, got %v", chat)
	}
}

func TestPipeClient_RepliesSurviveAFullPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Room for about a dozen chat replies.
	c := servePipe(t, ctx, 1024)

	const n = 40
	for i := 0; i < n; i++ {
		payload := doc.MustMarshal(doc.Map{"type": "chat_message", "message": strconv.Itoa(i)})
		for {
			err := c.Pipe.Write(payload)
			if err == nil {
				break
			}
			if !errors.Is(err, ipc.ErrFull) {
				t.Fatalf("Write() returned an unexpected error: %v", err)
			}
			if err := c.wait(ctx); err != nil {
				t.Fatalf("timed out writing message %d", i)
			}
		}
	}

	var got []string
	for len(got) < n {
		if err := c.wait(ctx); err != nil {
			t.Fatalf("timed out with %d of %d replies: %v", len(got), n, got)
		}
		msgs, err := c.Drain()
		if err != nil {
			t.Fatalf("Drain() returned an unexpected error: %v", err)
		}
		for _, m := range msgs {
			if doc.String(m, "type") == "chat_message" {
				got = append(got, doc.String(m, "message"))
			}
		}
	}
	var want []string
	for i := 0; i < n; i++ {
		want = append(want, strconv.Itoa(i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected replies, diff:\n%s", diff)
	}
}
