package wsdir

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// dialConn spins up a tiny websocket server that reads and discards every
// frame, and returns a client-side
// *websocket.Conn usable to construct wsdir.Conn in tests, the same
// httptest.Server + gorilla/websocket.Dialer pairing used throughout the
// pack's own websocket tests.
func dialConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLocal_PutGetDelete(t *testing.T) {
	l := NewLocal()
	c := NewConn("client-1", "127.0.0.1", dialConn(t))
	defer c.Close()

	l.Put("client-1", c)
	got, ok := l.Get("client-1")
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, 1, l.Len())

	l.Delete("client-1", c)
	_, ok = l.Get("client-1")
	require.False(t, ok)
}

func TestLocal_Delete_IgnoresStaleBinding(t *testing.T) {
	l := NewLocal()
	c1 := NewConn("client-1", "127.0.0.1", dialConn(t))
	c2 := NewConn("client-1", "127.0.0.1", dialConn(t))
	defer c1.Close()
	defer c2.Close()

	l.Put("client-1", c1)
	l.Put("client-1", c2) // reconnect rebinds to a new conn

	l.Delete("client-1", c1) // stale conn's own cleanup must not evict c2
	got, ok := l.Get("client-1")
	require.True(t, ok)
	require.Same(t, c2, got)
}

func TestLocal_Rebind(t *testing.T) {
	l := NewLocal()
	c := NewConn("provisional", "127.0.0.1", dialConn(t))
	defer c.Close()

	l.Put("provisional", c)
	l.Rebind("provisional", "claimed", c)

	_, ok := l.Get("provisional")
	require.False(t, ok)
	got, ok := l.Get("claimed")
	require.True(t, ok)
	require.Same(t, c, got)
}

func TestConn_SendAndClose(t *testing.T) {
	c := NewConn("client-1", "127.0.0.1", dialConn(t))
	require.True(t, c.Alive())
	require.True(t, c.Send([]byte(`{"typ":"ping"}`)))

	c.Close()
	require.False(t, c.Alive())
	require.False(t, c.Send([]byte("after-close")), "Send after Close must fail")
}
