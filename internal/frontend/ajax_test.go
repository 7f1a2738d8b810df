package frontend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/doc"
	"github.com/dcrodman/tbs/internal/gameserver"
)

func TestAjaxTransport_AcceptedPayloadSurvivesCancel(t *testing.T) {
	payload := []byte(`{"type":"state"}`)
	for i := 0; i < 200; i++ {
		tr := NewAjaxTransport(gameserver.SocketInfo{SessionID: 1})
		if err := tr.Send(payload); err != nil {
			t.Fatalf("Send() returned an unexpected error: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got, _ := tr.Await(ctx)
		if diff := cmp.Diff(payload, got); diff != "" {
			t.Fatalf("iteration %d: accepted payload was not handed back, diff:\n%s", i, diff)
		}
	}
}

func TestAjaxTransport_SendAfterCancelFails(t *testing.T) {
	tr := NewAjaxTransport(gameserver.SocketInfo{SessionID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, err := tr.Await(ctx); got != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nothing and context.Canceled, got %q, %v", got, err)
	}
	if err := tr.Send([]byte(`{}`)); !errors.Is(err, errGone) {
		t.Errorf("expected errGone once the requester has left, got %v", err)
	}
}

type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header { return w.header }
func (w *brokenWriter) WriteHeader(int)      {}
func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestWriteResponse_ReportsWriteErrors(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := WriteResponse(&brokenWriter{header: http.Header{}}, r, []byte(`{}`), 0, core.NewTestLogger()); err == nil {
		t.Errorf("expected WriteResponse to report the failed write")
	}
	if err := WriteResponse(httptest.NewRecorder(), r, []byte(`{}`), 0, core.NewTestLogger()); err != nil {
		t.Errorf("WriteResponse() returned an unexpected error: %v", err)
	}
}

func TestServe_UndeliveredReplyIsRequeued(t *testing.T) {
	s, ts := startTestServer(t)
	createGame(t, ts, 1)

	lost := NewAjaxTransport(gameserver.SocketInfo{SessionID: 1})
	s.requeue(lost, gameserver.Multimessage([]string{`{"type":"lost","n":1}`, `{"type":"lost","n":2}`}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := NewAjaxTransport(gameserver.SocketInfo{SessionID: 1, SupportsMultimessage: true})
	if !s.Do(ctx, func() { s.Base.HandleMessage(tr, 1, doc.Map{"type": "request_updates"}) }) {
		t.Fatal("server loop stopped")
	}
	payload, err := tr.Await(ctx)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	msgs, err := gameserver.Unbundle(payload)
	if err != nil {
		t.Fatalf("malformed reply %q: %v", payload, err)
	}
	var got []int
	for _, m := range msgs {
		if doc.String(m, "type") == "lost" {
			got = append(got, doc.Int(m, "n", 0))
		}
	}
	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Errorf("expected the undelivered messages back first, diff:\n%s", diff)
	}
}
