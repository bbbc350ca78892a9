package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floodServer pushes envelopes at the client as fast as the socket accepts
// them, until the connection drops.
func floodServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for seq := uint64(1); ; seq++ {
			env := validMsgEnvelope()
			env.Seq = seq
			if err := conn.WriteJSON(Event{Name: EventMsgReceive, Envelope: env}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURLOf(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSRelayCloseDuringReception(t *testing.T) {
	srv := floodServer(t)

	rc, err := DialRelay(context.Background(), wsURLOf(srv), "", "")
	require.NoError(t, err)

	// Reception is in full swing when the client shuts down.
	select {
	case env := <-rc.Inbound():
		require.NotNil(t, env)
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope received")
	}
	require.NoError(t, rc.Close())

	// The inbound channel drains and closes; no send hits a closed channel
	// and no read hits a nil conn.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-rc.Inbound():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("inbound channel never closed after Close")
		}
	}
}

func TestWSRelayCloseIsIdempotent(t *testing.T) {
	srv := floodServer(t)

	rc, err := DialRelay(context.Background(), wsURLOf(srv), "", "")
	require.NoError(t, err)

	require.NoError(t, rc.Close())
	assert.NoError(t, rc.Close())
	assert.NoError(t, rc.Close())
}

func TestWSRelaySendAfterCloseFallsBack(t *testing.T) {
	srv := floodServer(t)

	rc, err := DialRelay(context.Background(), wsURLOf(srv), "", "")
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	// No socket and no fallback configured: a classified transport error,
	// never a panic.
	err = rc.Send(context.Background(), validMsgEnvelope())
	require.Error(t, err)
}
