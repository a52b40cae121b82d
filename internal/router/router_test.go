package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-hydra/gateway/internal/codec"
	"github.com/go-hydra/gateway/internal/issuelog"
	"github.com/go-hydra/gateway/internal/registry"
	"github.com/go-hydra/gateway/internal/routing"
	"github.com/go-hydra/gateway/internal/stats"
	"github.com/go-hydra/gateway/internal/wsdir"
)

// fakeRegistry is a hand-rolled stand-in for registry.Client recording every
// call the router makes to it, the same shape used across this module's
// other package tests.
type fakeRegistry struct {
	registry.Client
	published []codec.Message
	sent      []codec.Message
	instances []registry.Instance
}

func (f *fakeRegistry) Publish(_ context.Context, msg codec.Message) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRegistry) SendMessage(_ context.Context, msg codec.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeRegistry) FetchInstances(_ context.Context, _ string) ([]registry.Instance, error) {
	return f.instances, nil
}

type fakeQueue struct {
	byClient map[string][]codec.Message
}

func newFakeQueue() *fakeQueue { return &fakeQueue{byClient: map[string][]codec.Message{}} }

func (q *fakeQueue) Enqueue(_ context.Context, id string, msg codec.Message) error {
	q.byClient[id] = append(q.byClient[id], msg)
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context, id string) (codec.Message, bool, error) {
	items := q.byClient[id]
	if len(items) == 0 {
		return codec.Message{}, false, nil
	}
	q.byClient[id] = items[1:]
	return items[0], true, nil
}

func (q *fakeQueue) Complete(context.Context, string, codec.Message) error { return nil }

type fakeAdmin struct{ called bool }

func (a *fakeAdmin) Dispatch(_ context.Context, msg codec.Message) (codec.Message, error) {
	a.called = true
	return codec.Message{To: msg.From, Type: "admin-reply", Body: json.RawMessage(`{}`)}, nil
}

func newTestRouter(reg *fakeRegistry, q *fakeQueue, admin LocalAdmin) *Router {
	routes := routing.New(reg)
	return New(reg, routes, wsdir.NewLocal(), wsdir.NewGlobal(time.Minute, 100), q,
		issuelog.New(), stats.NewManager(), admin, "hydra-router", "self-1", false, "", time.Second)
}

func newSignedTestRouter(reg *fakeRegistry, q *fakeQueue, admin LocalAdmin, secret string) *Router {
	routes := routing.New(reg)
	return New(reg, routes, wsdir.NewLocal(), wsdir.NewGlobal(time.Minute, 100), q,
		issuelog.New(), stats.NewManager(), admin, "hydra-router", "self-1", true, secret, time.Second)
}

// dialPair upgrades one end of a websocket connection to pass to the router
// (the server side, which is what ServeWS wraps in production) while
// keeping the client side in the test, so the test can read back whatever
// the router delivers through Conn.Send. Mirrors the httptest.Server +
// gorilla/websocket.Dialer pairing used by internal/wsdir's tests.
func dialPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
		t.Cleanup(func() { server.Close() })
		return server, client
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server-side websocket")
		return nil, nil
	}
}

func recvFrame(t *testing.T, client *websocket.Conn) codec.Message {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var msg codec.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHandleClient_Ping(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	server, client := dialPair(t)
	conn := wsdir.NewConn("client-1", "127.0.0.1", server)
	defer conn.Close()

	raw, err := json.Marshal(codec.Message{To: "hydra-router:/", From: "client-1@hydra-router:/", Type: "ping", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	r.HandleClient(context.Background(), "client-1", conn, raw)

	reply := recvFrame(t, client)
	require.Equal(t, "pong", reply.Type)
}

func TestHandleClient_BracketMethodToSelf(t *testing.T) {
	reg := &fakeRegistry{}
	admin := &fakeAdmin{}
	r := newTestRouter(reg, newFakeQueue(), admin)

	server, client := dialPair(t)
	conn := wsdir.NewConn("client-1", "127.0.0.1", server)
	defer conn.Close()

	raw, err := json.Marshal(codec.Message{To: "hydra-router:[get]/v1/router/health", From: "client-1@hydra-router:/", MID: "m1", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	r.HandleClient(context.Background(), "client-1", conn, raw)

	require.True(t, admin.called)
	reply := recvFrame(t, client)
	require.Equal(t, "m1", reply.RMID)
}

func TestHandleClient_ForceSignature_RejectsUnsignedFrame(t *testing.T) {
	reg := &fakeRegistry{}
	r := newSignedTestRouter(reg, newFakeQueue(), &fakeAdmin{}, "sekret")

	server, client := dialPair(t)
	conn := wsdir.NewConn("client-1", "127.0.0.1", server)
	defer conn.Close()

	raw, err := json.Marshal(codec.Message{To: "hydra-router:/", From: "client-1@hydra-router:/", Type: "ping", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	r.HandleClient(context.Background(), "client-1", conn, raw)

	reply := recvFrame(t, client)
	require.Equal(t, "error", reply.Type)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(reply.Body, &body))
	require.Equal(t, "Not a signed UMF message", body.Error)
	require.False(t, conn.Alive(), "an unsigned frame under forceMessageSignature must close the connection")
}

func TestHandleClient_InvalidMessageIsRejectedAndClosed(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	server, client := dialPair(t)
	conn := wsdir.NewConn("client-1", "127.0.0.1", server)
	defer conn.Close()

	r.HandleClient(context.Background(), "client-1", conn, []byte(`{"to":"","from":"","bdy":{}}`))

	reply := recvFrame(t, client)
	require.Equal(t, "error", reply.Type)
	require.False(t, conn.Alive(), "a malformed message must close the connection")
}

func TestDispatchToService_DirectedSendsViaTag(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	to, err := codec.ParseRoute("inst-2@billing:/v1/x")
	require.NoError(t, err)
	r.dispatchToService(context.Background(), "client-1", to, codec.Message{To: "inst-2@billing:/v1/x", From: "client-1@hydra-router:/", Body: json.RawMessage(`{}`)})

	require.Len(t, reg.sent, 1)
	require.Equal(t, "self-1-client-1@hydra-router:/", reg.sent[0].Via)
}

func TestDispatchToService_PicksFirstInstanceWhenUndirected(t *testing.T) {
	reg := &fakeRegistry{instances: []registry.Instance{{ID: "inst-a"}, {ID: "inst-b"}}}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	to, err := codec.ParseRoute("billing:/v1/x")
	require.NoError(t, err)
	r.dispatchToService(context.Background(), "client-1", to, codec.Message{To: "billing:/v1/x", From: "client-1@hydra-router:/", Body: json.RawMessage(`{}`)})

	require.Len(t, reg.sent, 1)
	sentTo, err := codec.ParseRoute(reg.sent[0].To)
	require.NoError(t, err)
	require.Equal(t, "inst-a", sentTo.Instance)
}

func TestHandleGossip_AddAndRemove(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	addBody, _ := json.Marshal(struct {
		RouterID string `json:"routerID"`
		ClientID string `json:"clientID"`
	}{RouterID: "replica-b", ClientID: "client-9"})
	r.handleGossip(context.Background(), codec.Message{Type: "wsdir.add", Body: addBody})

	owner, ok := r.Global.Locate("client-9")
	require.True(t, ok)
	require.Equal(t, "replica-b", owner)

	r.handleGossip(context.Background(), codec.Message{Type: "wsdir.del", Body: addBody})
	_, ok = r.Global.Locate("client-9")
	require.False(t, ok)
}

func TestHandleGossip_IgnoresOwnEcho(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	selfBody, _ := json.Marshal(struct {
		RouterID string `json:"routerID"`
		ClientID string `json:"clientID"`
	}{RouterID: "self-1", ClientID: "client-9"})
	r.handleGossip(context.Background(), codec.Message{Type: "wsdir.add", Body: selfBody})

	_, ok := r.Global.Locate("client-9")
	require.False(t, ok, "a replica must ignore its own gossip echoed back")
}

func TestBroadcastShareAndRemove(t *testing.T) {
	reg := &fakeRegistry{}
	r := newTestRouter(reg, newFakeQueue(), &fakeAdmin{})

	r.BroadcastShare(context.Background())
	r.BroadcastRemove(context.Background())

	require.Len(t, reg.published, 2)
	require.Equal(t, "wsdir.sha", reg.published[0].Type)
	require.Equal(t, "wsdir.rem", reg.published[1].Type)
}

func TestDrainQueue_DeliversInOrder(t *testing.T) {
	reg := &fakeRegistry{}
	q := newFakeQueue()
	r := newTestRouter(reg, q, &fakeAdmin{})

	server, client := dialPair(t)
	conn := wsdir.NewConn("client-1", "127.0.0.1", server)
	defer conn.Close()

	require.NoError(t, q.Enqueue(context.Background(), "client-1", codec.Message{MID: "m1", Type: "queued", Body: json.RawMessage(`{}`)}))
	require.NoError(t, q.Enqueue(context.Background(), "client-1", codec.Message{MID: "m2", Type: "queued", Body: json.RawMessage(`{}`)}))

	r.drainQueue(context.Background(), "client-1", conn)

	first := recvFrame(t, client)
	second := recvFrame(t, client)
	require.Equal(t, "m1", first.MID)
	require.Equal(t, "m2", second.MID)
}
