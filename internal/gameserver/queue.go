package gameserver

import (
	"github.com/dcrodman/tbs/internal/core/doc"
)

type queuedMsg struct {
	contents string
	priority bool
}

var heartbeatMsg = doc.Map{"type": "heartbeat"}

// QueueMsg appends contents to the session's outbound queue. Messages leave
// in FIFO order, except that priority messages go ahead of every
// non-priority message. Delivery to a parked transport happens once the
// current request or heartbeat finishes.
func (b *Base) QueueMsg(sessionID int, contents string, priority bool) {
	c := b.clients[sessionID]
	if c == nil {
		return
	}
	enqueue(c, queuedMsg{contents: contents, priority: priority})
	b.pending[sessionID] = true
}

func enqueue(c *ClientInfo, m queuedMsg) {
	if !m.priority {
		c.queue = append(c.queue, m)
		return
	}
	i := 0
	for i < len(c.queue) && c.queue[i].priority {
		i++
	}
	c.queue = append(c.queue, queuedMsg{})
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = m
}

// requeue puts messages that failed to send back at the head of the queue.
func requeue(c *ClientInfo, msgs []queuedMsg) {
	head := make([]queuedMsg, 0, len(msgs)+len(c.queue))
	for _, m := range msgs {
		head = append(head, queuedMsg{contents: m.contents, priority: true})
	}
	c.queue = append(head, c.queue...)
}

// Requeue puts a payload that a transport accepted but never got to its
// client back at the head of the session's queue, with priority.
func (b *Base) Requeue(sessionID int, payload []byte) {
	c := b.clients[sessionID]
	if c == nil {
		return
	}
	var msgs []queuedMsg
	for _, item := range Split(payload) {
		if item == string(doc.MustMarshal(heartbeatMsg)) {
			continue
		}
		msgs = append(msgs, queuedMsg{contents: item})
	}
	if len(msgs) == 0 {
		return
	}
	requeue(c, msgs)
	b.pending[sessionID] = true
}

// attach hands t whatever is queued for c, or parks it as c's waiting
// transport until something is.
func (b *Base) attach(c *ClientInfo, t Transport) {
	if len(c.queue) > 0 {
		b.sendQueued(c, t)
		return
	}
	if old := c.waiting; old != nil && old != t {
		// A newer poll supersedes the parked one; release it.
		c.waiting = nil
		if !persistent(old) {
			b.reply(old, heartbeatMsg)
		}
	}
	c.waiting = t
}

// sendQueued writes c's queue to t, bundled into a multimessage when the
// transport allows it. An ajax transport is consumed by one write; a
// persistent one drains the queue and stays attached. A failed write puts
// the messages back with priority and closes the transport.
func (b *Base) sendQueued(c *ClientInfo, t Transport) {
	info := t.SocketInfo()
	for len(c.queue) > 0 {
		n := 1
		var payload []byte
		if info != nil && info.SupportsMultimessage && len(c.queue) > 1 {
			n = len(c.queue)
			items := make([]string, 0, n)
			for _, m := range c.queue {
				items = append(items, m.contents)
			}
			payload = Multimessage(items)
		} else {
			payload = []byte(c.queue[0].contents)
		}
		sent := append([]queuedMsg(nil), c.queue[:n]...)
		c.queue = c.queue[n:]

		if err := t.Send(payload); err != nil {
			b.Logger.Warnf("[GAMESERVER] failed to deliver to session %d: %v", c.SessionID, err)
			requeue(c, sent)
			if c.waiting == t {
				c.waiting = nil
			}
			t.Close()
			return
		}
		if !persistent(t) {
			if c.waiting == t {
				c.waiting = nil
			}
			return
		}
	}
	c.waiting = t
}

// deliverPending flushes sessions that received messages to their parked transports.
func (b *Base) deliverPending() {
	for sid := range b.pending {
		delete(b.pending, sid)
		if c := b.clients[sid]; c != nil && c.waiting != nil && len(c.queue) > 0 {
			b.sendQueued(c, c.waiting)
		}
	}
}

// reply writes msg straight to t without going through a session queue.
func (b *Base) reply(t Transport, msg doc.Map) {
	if err := t.Send(doc.MustMarshal(msg)); err != nil {
		b.Logger.Warnf("[GAMESERVER] failed to send %s reply: %v", doc.String(msg, "type"), err)
		t.Close()
	}
}

// Detach forgets t wherever it is parked. Transports call it when the peer
// goes away before receiving a reply.
func (b *Base) Detach(t Transport) {
	for _, c := range b.clients {
		if c.waiting == t {
			c.waiting = nil
		}
	}
	for i, w := range b.statusWaiters {
		if w == t {
			b.statusWaiters = append(b.statusWaiters[:i], b.statusWaiters[i+1:]...)
			break
		}
	}
}

func persistent(t Transport) bool {
	info := t.SocketInfo()
	return info != nil && info.Persistent
}
