package gameserver

import (
	"github.com/dcrodman/tbs/internal/core/doc"
)

// getStatus answers at once when the caller's last_seen status is stale and
// otherwise parks t until the next status change.
func (b *Base) getStatus(t Transport, msg doc.Map) {
	if doc.Int(msg, "last_seen", -1) < b.statusID {
		b.reply(t, b.StatusDoc())
		return
	}
	b.statusWaiters = append(b.statusWaiters, t)
}

// statusChange bumps the status id and answers every parked status poll.
func (b *Base) statusChange() {
	b.statusID++
	waiters := b.statusWaiters
	b.statusWaiters = nil
	if len(waiters) == 0 {
		return
	}
	status := b.StatusDoc()
	for _, t := range waiters {
		b.reply(t, status)
	}
}

// StatusDoc describes every registered game for the lobby.
func (b *Base) StatusDoc() doc.Map {
	games := doc.List{}
	for _, id := range b.GameIDs() {
		gi := b.games[id]
		g := gi.Game
		players := doc.List{}
		for i := 0; i < g.NumPlayers(); i++ {
			p, _ := g.Player(i)
			players = append(players, doc.Map{"name": p.Name, "human": p.IsHuman, "disconnected": g.Disconnected(i)})
		}
		entry := doc.Map{
			"id":        g.ID,
			"game_type": g.Type,
			"started":   g.Started(),
			"state_id":  g.StateID(),
			"players":   players,
			"observers": toList(g.Observers()),
			"clients":   len(gi.Clients),
		}
		if err := g.Err(); err != nil {
			entry["errored"] = true
			entry["error"] = err.Error()
		}
		games = append(games, entry)
	}
	return doc.Map{"type": "status", "status_id": b.statusID, "games": games}
}
