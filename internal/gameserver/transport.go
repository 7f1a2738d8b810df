package gameserver

import "github.com/dcrodman/tbs/internal/core/doc"

// SocketInfo describes the physical connection a request arrived on. It is
// transient and re-created per connection attempt; the session table is the
// authoritative state.
type SocketInfo struct {
	SessionID int
	Nick      string
	// SupportsMultimessage allows several queued messages to be bundled
	// into one multimessage envelope.
	SupportsMultimessage bool
	// Persistent transports (websockets, pipes, in-process callers) stay
	// attached after a reply; an ajax request is consumed by its first reply.
	Persistent bool
}

// Transport is one way of delivering replies to a client: a long-polling
// HTTP request, a websocket, a shared-memory pipe or an in-process caller.
type Transport interface {
	Send(msg []byte) error
	SocketInfo() *SocketInfo
	Close()
}

// Multimessage bundles serialized messages into one envelope.
func Multimessage(items []string) []byte {
	list := make(doc.List, 0, len(items))
	for _, item := range items {
		list = append(list, item)
	}
	return doc.MustMarshal(doc.Map{"__type": "multimessage", "items": list})
}

// Unbundle returns the messages carried by payload, which is either a single
// message or a multimessage envelope.
func Unbundle(payload []byte) ([]doc.Map, error) {
	m, err := doc.ParseMap(payload)
	if err != nil {
		return nil, err
	}
	if doc.String(m, "__type") != "multimessage" {
		return []doc.Map{m}, nil
	}
	var msgs []doc.Map
	for _, item := range doc.Items(m, "items") {
		s, _ := item.(string)
		sub, err := doc.ParseMap([]byte(s))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, sub)
	}
	return msgs, nil
}

// Split returns the serialized messages carried by payload without decoding
// them: the items of a multimessage envelope, or payload itself.
func Split(payload []byte) []string {
	m, err := doc.ParseMap(payload)
	if err != nil || doc.String(m, "__type") != "multimessage" {
		return []string{string(payload)}
	}
	var items []string
	for _, item := range doc.Items(m, "items") {
		if s, ok := item.(string); ok {
			items = append(items, s)
		}
	}
	return items
}
