package gameserver

import (
	"errors"
	"sort"
	"time"

	"github.com/dcrodman/tbs/internal/game"
)

// Heartbeat advances the server by one tick: every game is processed and
// flushed, idle games and silent clients are reaped, and every 100th tick
// the parked transports get a heartbeat and disconnect status is recomputed.
func (b *Base) Heartbeat() {
	defer b.deliverPending()
	b.tick++

	for _, id := range b.GameIDs() {
		gi := b.games[id]
		if err := b.safely(gi, gi.Game.Process); err != nil && !errors.Is(err, game.ErrCancelled) {
			b.Logger.Debugf("[GAMESERVER] game %d process failed: %v", id, err)
		}
		b.flushGameMessages(gi)
		if len(gi.Clients) == 0 && b.tick-gi.LastTouched > gameIdleTicks {
			b.Logger.Infof("[GAMESERVER] game %d idle for %d ticks, removing", id, gameIdleTicks)
			b.deleteGame(gi)
		}
	}

	b.timeoutClients()

	if b.tick%slowTickInterval == 0 {
		b.pushHeartbeats()
		b.updateDisconnects()
	}
}

func (b *Base) sessionIDs() []int {
	ids := make([]int, 0, len(b.clients))
	for sid := range b.clients {
		ids = append(ids, sid)
	}
	sort.Ints(ids)
	return ids
}

// timeoutClients drops every session silent for longer than ClientTimeout.
// A session with a parked transport is in contact.
func (b *Base) timeoutClients() {
	for _, sid := range b.sessionIDs() {
		c := b.clients[sid]
		if c.waiting != nil {
			c.LastContact = b.tick
			continue
		}
		if b.ClientTimeout <= 0 || b.tick-c.LastContact <= b.ClientTimeout {
			continue
		}

		b.Logger.Infof("[GAMESERVER] session %d (%s) timed out", sid, c.User)
		b.removeClient(c)
		gi := b.games[c.GameID]
		if gi == nil {
			continue
		}
		if c.NPlayer >= 0 {
			gi.lostAt[c.NPlayer] = c.LastContact
			gi.Game.PlayerDisconnect(c.NPlayer)
		} else {
			gi.Game.ObserverLeft(c.User)
		}
		b.flushGameMessages(gi)
	}
}

// pushHeartbeats answers parked ajax polls so clients re-poll, and pings
// persistent transports.
func (b *Base) pushHeartbeats() {
	for _, sid := range b.sessionIDs() {
		c := b.clients[sid]
		t := c.waiting
		if t == nil {
			continue
		}
		if !persistent(t) {
			c.waiting = nil
		}
		b.reply(t, heartbeatMsg)
	}
}

// updateDisconnects compares each human player's silence against the
// disconnect threshold and reports transitions to the game.
func (b *Base) updateDisconnects() {
	if b.DisconnectThreshold <= 0 {
		return
	}
	for _, id := range b.GameIDs() {
		gi := b.games[id]
		g := gi.Game
		seated := make(map[int]*ClientInfo)
		for _, sid := range gi.Clients {
			if c := b.clients[sid]; c != nil && c.NPlayer >= 0 {
				seated[c.NPlayer] = c
			}
		}

		for n := 0; n < g.NumPlayers(); n++ {
			if p, _ := g.Player(n); !p.IsHuman {
				continue
			}
			var silence time.Duration
			var disconnected bool
			if c := seated[n]; c != nil {
				silence = time.Duration(b.tick-c.LastContact) * b.TickDuration
				disconnected = silence > b.DisconnectThreshold
			} else if lost, ok := gi.lostAt[n]; ok {
				// The session is gone, so the player can only come back by reseating.
				silence = time.Duration(b.tick-lost) * b.TickDuration
				disconnected = true
			} else {
				continue
			}

			switch {
			case disconnected && !g.Disconnected(n):
				g.PlayerDisconnect(n)
			case !disconnected && g.Disconnected(n):
				g.PlayerReconnect(n)
			}
			if disconnected {
				n := n
				if err := b.safely(gi, func() error { return g.PlayerDisconnectedFor(n, silence) }); err != nil {
					b.Logger.Warnf("[GAMESERVER] game %d: player_disconnected handler failed: %v", id, err)
				}
			}
		}
		b.flushGameMessages(gi)
	}
}
