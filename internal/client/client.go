// Package client speaks the game server protocol from the player's side,
// either over HTTP or directly to an in-process server.
package client

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
	"github.com/dcrodman/tbs/internal/inproc"
)

// ProtocolVersion is the highest protocol version this client understands.
// Version 2 allows the server to bundle replies into a multimessage.
const ProtocolVersion = 2

// Conn sends one request and returns every message received in reply.
type Conn interface {
	Send(ctx context.Context, msg doc.Map) ([]doc.Map, error)
}

// Decode turns a response body into the messages it carries. encoding is the
// response's Content-Encoding; "deflate" bodies are inflated first.
func Decode(body []byte, encoding string) ([]doc.Map, error) {
	if strings.Contains(encoding, "deflate") {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("inflating response: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("inflating response: %w", err)
		}
	}
	return gameserver.Unbundle(body)
}

// HTTPClient talks to a game or matchmaking server with POST requests.
type HTTPClient struct {
	URL string
	// SessionID is sent as the session cookie when it isn't -1.
	SessionID int
	// Protocol is sent with every request. Zero means ProtocolVersion.
	Protocol int
	HTTP     *http.Client
}

func NewHTTPClient(url string, sessionID int) *HTTPClient {
	return &HTTPClient{
		URL:       url,
		SessionID: sessionID,
		HTTP:      &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *HTTPClient) Send(ctx context.Context, msg doc.Map) ([]doc.Map, error) {
	out := doc.Clone(msg).(doc.Map)
	if !doc.Has(out, "protocol") {
		protocol := c.Protocol
		if protocol == 0 {
			protocol = ProtocolVersion
		}
		out["protocol"] = protocol
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(doc.MustMarshal(out)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "deflate")
	if c.SessionID != -1 {
		req.AddCookie(&http.Cookie{Name: "session", Value: strconv.Itoa(c.SessionID)})
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return Decode(body, resp.Header.Get("Content-Encoding"))
}

// InProcClient drives an in-process server. Every message the server
// pushes to the session is collected and returned from the next Send.
type InProcClient struct {
	Server    *inproc.Server
	SessionID int

	inbox []doc.Map
	err   error
}

func NewInProcClient(server *inproc.Server, sessionID int) *InProcClient {
	return &InProcClient{Server: server, SessionID: sessionID}
}

func (c *InProcClient) Send(_ context.Context, msg doc.Map) ([]doc.Map, error) {
	c.Server.Send(c.receive, msg, c.SessionID)
	c.Server.Process()
	return c.Drain()
}

// Drain returns whatever has been pushed since the last Send or Drain.
func (c *InProcClient) Drain() ([]doc.Map, error) {
	msgs, err := c.inbox, c.err
	c.inbox, c.err = nil, nil
	return msgs, err
}

func (c *InProcClient) receive(payload []byte) {
	msgs, err := gameserver.Unbundle(payload)
	if err != nil {
		c.err = err
		return
	}
	c.inbox = append(c.inbox, msgs...)
}

// Find returns the first message of type typ, or nil.
func Find(msgs []doc.Map, typ string) doc.Map {
	for _, m := range msgs {
		if doc.String(m, "type") == typ {
			return m
		}
	}
	return nil
}

// Tracker keeps a client side copy of a game's state by applying the full
// states and deltas the server sends.
type Tracker struct {
	StateID int
	State   doc.Value
}

func NewTracker() *Tracker {
	return &Tracker{StateID: -1}
}

// Update applies a "game" message. A delta whose basis isn't the state the
// tracker holds is an error; the caller should request a full state.
func (t *Tracker) Update(msg doc.Map) error {
	if doc.String(msg, "type") != "game" {
		return nil
	}
	if doc.Has(msg, "delta") {
		basis := doc.Int(msg, "delta_basis", -1)
		if basis != t.StateID {
			return fmt.Errorf("delta against state %d but holding state %d", basis, t.StateID)
		}
		state, err := doc.Apply(t.State, doc.Items(msg, "delta"))
		if err != nil {
			return fmt.Errorf("applying delta: %w", err)
		}
		t.State = state
	} else {
		t.State = doc.Clone(msg["state"])
	}
	t.StateID = doc.Int(msg, "state_id", -1)
	return nil
}

// RequestUpdates builds the message that confirms the tracked state.
func (t *Tracker) RequestUpdates(allowDeltas bool) doc.Map {
	m := doc.Map{"type": "request_updates", "allow_deltas": allowDeltas}
	if t.StateID >= 0 {
		m["state_id"] = t.StateID
	}
	return m
}
