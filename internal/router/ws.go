package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/go-hydra/gateway/internal/codec"
	"github.com/go-hydra/gateway/internal/wsdir"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	shutdownGrace = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to the persistent framed-message channel
// (spec.md §6.3/§4.5): it assigns a client-id, announces it, and runs the
// connection's read pump until it closes.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	ip := clientIP(req)
	conn := wsdir.NewConn(clientID, ip, ws)
	r.Local.Put(clientID, conn)

	ctx := context.Background()
	r.broadcastGossip(ctx, "wsdir.add", clientID)

	welcome, _ := json.Marshal(struct {
		ID string `json:"id"`
		IP string `json:"ip"`
	}{ID: clientID, IP: ip})
	r.deliverLocal(conn, codec.Message{Type: "connection", Body: welcome})

	r.readPump(ctx, conn)
}

func (r *Router) readPump(ctx context.Context, conn *wsdir.Conn) {
	defer func() {
		conn.Close()
		r.Local.Delete(conn.ID, conn)
		r.broadcastGossip(ctx, "wsdir.del", conn.ID)
	}()

	ws := conn.WS()
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !conn.Alive() {
					return
				}
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	defer close(stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		r.HandleClient(ctx, conn.ID, conn, data)
	}
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("x-forwarded-for"); xff != "" {
		return xff
	}
	if req.RemoteAddr != "" {
		return req.RemoteAddr
	}
	return "unknown"
}

// Shutdown announces this replica's departure and waits a grace period so
// peers can prune their GlobalDirectory (spec.md §4.5).
func (r *Router) Shutdown(ctx context.Context) {
	r.BroadcastRemove(ctx)
	time.Sleep(shutdownGrace)
}
