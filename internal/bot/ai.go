package bot

import (
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/game"
)

// ScriptedAI is a computer player that plays a fixed list of command
// documents, one per turn, and then passes.
type ScriptedAI struct {
	Moves doc.List
	next  int
}

func (a *ScriptedAI) Play(*game.Context) (game.Command, error) {
	if a.next >= len(a.Moves) {
		return nil, nil
	}
	move := a.Moves[a.next]
	a.next++
	return game.ParseCommand(move)
}

// Remaining returns the number of moves left to play.
func (a *ScriptedAI) Remaining() int { return len(a.Moves) - a.next }

type withBots struct {
	game.Type
}

// WithBots wraps t so that AI players seated with a "moves" list in their
// user entry are played by a ScriptedAI. Seats without moves fall back to
// t's own ai_play handling.
func WithBots(t game.Type) game.Type {
	return withBots{Type: t}
}

func (w withBots) NewAI(ctx *game.Context, info doc.Value) game.AI {
	m, _ := info.(doc.Map)
	moves := doc.Items(m, "moves")
	if moves == nil {
		if provider, ok := w.Type.(game.AIProvider); ok {
			return provider.NewAI(ctx, info)
		}
		return nil
	}
	return &ScriptedAI{Moves: doc.Clone(moves).(doc.List)}
}
