package game

import "github.com/dcrodman/tbs/internal/core/doc"

// Echo is a trivial game type: every message a player sends is appended to
// the state's "messages" list and echoed to everyone.
type Echo struct{}

func (Echo) Handle(ctx *Context, event string, arg doc.Value) (Command, error) {
	switch event {
	case EventCreate:
		return SetState{Value: doc.Map{"messages": doc.List{}}}, nil

	case EventMessage:
		m, _ := arg.(doc.Map)
		msg := m["message"]
		var messages doc.List
		if state, ok := ctx.Doc().(doc.Map); ok {
			messages = append(messages, doc.Items(state, "messages")...)
		}
		messages = append(messages, doc.Map{"player": ctx.PlayerName(), "message": msg})
		return Commands{
			SetState{Path: doc.List{"messages"}, Value: messages},
			Send{Message: doc.Map{"type": "echo", "nick": ctx.PlayerName(), "message": msg}},
		}, nil
	}
	return nil, nil
}
