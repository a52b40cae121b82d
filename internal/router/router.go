// Package router implements MessageRouter (spec.md §4.4): dispatch for
// framed messages arriving over the persistent client channel (source A)
// and over the registry's broadcast channel (source B).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/go-hydra/gateway/internal/codec"
	"github.com/go-hydra/gateway/internal/issuelog"
	"github.com/go-hydra/gateway/internal/queue"
	"github.com/go-hydra/gateway/internal/registry"
	"github.com/go-hydra/gateway/internal/routing"
	"github.com/go-hydra/gateway/internal/stats"
	"github.com/go-hydra/gateway/internal/wsdir"
)

// DefaultAPITimeout bounds envelope-reply dispatch (Step 3) when the caller
// doesn't override it.
const DefaultAPITimeout = 5 * time.Second

// LocalAdmin is the capability the router needs from the admin surface to
// dispatch a bracket-method message addressed to this gateway itself
// (spec.md §4.4 Step 3).
type LocalAdmin interface {
	Dispatch(ctx context.Context, msg codec.Message) (codec.Message, error)
}

// Router is the MessageRouter component.
type Router struct {
	Registry       registry.Client
	Routes         *routing.Table
	Local          *wsdir.Local
	Global         *wsdir.Global
	Queue          queue.Queue
	Issues         *issuelog.Log
	Stats          *stats.Manager
	Admin          LocalAdmin
	SelfService    string
	SelfInstance   string // also used as this replica's routerID for gossip
	ForceSignature bool
	Secret         string
	APITimeout     time.Duration
}

// New builds a Router; apiTimeout defaults to DefaultAPITimeout when zero.
func New(reg registry.Client, routes *routing.Table, local *wsdir.Local, global *wsdir.Global,
	q queue.Queue, issues *issuelog.Log, st *stats.Manager, admin LocalAdmin,
	selfService, selfInstance string, forceSignature bool, secret string, apiTimeout time.Duration) *Router {
	if apiTimeout <= 0 {
		apiTimeout = DefaultAPITimeout
	}
	return &Router{
		Registry: reg, Routes: routes, Local: local, Global: global, Queue: q,
		Issues: issues, Stats: st, Admin: admin, SelfService: selfService,
		SelfInstance: selfInstance, ForceSignature: forceSignature, Secret: secret,
		APITimeout: apiTimeout,
	}
}

// HandleClient processes one inbound message from source A, the client
// connection identified by clientID. conn is used to deliver replies.
func (r *Router) HandleClient(ctx context.Context, clientID string, conn *wsdir.Conn, raw []byte) {
	var msg codec.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError(conn, "malformed frame: "+err.Error())
		conn.Close()
		return
	}
	if err := msg.Validate(); err != nil {
		r.sendError(conn, err.Error())
		conn.Close()
		return
	}

	// Step 1: optional signature enforcement.
	if r.ForceSignature {
		if msg.Signature == "" {
			r.sendError(conn, "Not a signed UMF message")
			conn.Close()
			return
		}
		ok, err := codec.Verify(msg, r.Secret)
		if err != nil || !ok {
			r.sendError(conn, "signature mismatch")
			conn.Close()
			return
		}
	}

	// Step 2: parse `to`, bump wsStats.
	to, err := codec.ParseRoute(msg.To)
	if err != nil {
		r.sendError(conn, "invalid to: "+err.Error())
		return
	}
	if r.Stats != nil {
		r.Stats.Log("ws:" + to.Service)
	}

	// Step 3: bracketed method tag.
	if to.Method != "" {
		if to.Service == r.SelfService {
			reply, derr := r.Admin.Dispatch(ctx, msg)
			if derr != nil {
				r.sendError(conn, derr.Error())
				return
			}
			reply.RMID = msg.MID
			r.deliverLocal(conn, reply)
			return
		}

		apiCtx, cancel := context.WithTimeout(ctx, r.APITimeout)
		reply, rerr := r.Registry.MakeAPIRequest(apiCtx, msg, r.APITimeout)
		cancel()
		if rerr != nil {
			r.sendError(conn, rerr.Error())
			return
		}
		reply.RMID = msg.MID
		r.deliverLocal(conn, reply)
		return
	}

	// Step 4: self-addressed, untagged message types.
	if to.Service == r.SelfService {
		switch msg.Type {
		case "log":
			r.Issues.Append("info", string(msg.Body))
			return
		case "ping":
			r.deliverLocal(conn, codec.Message{To: msg.From, From: msg.To, Type: "pong", RMID: msg.MID, Body: json.RawMessage("{}")})
			return
		case "reconnect":
			r.handleReconnect(ctx, clientID, conn, msg)
			return
		case "wsdir.loc":
			r.handleLocate(conn, msg)
			return
		}
	}

	// Step 5: explicit forward field.
	if msg.Forward != "" {
		r.dispatchForward(ctx, msg)
		return
	}

	// Step 6: dispatch to a service.
	r.dispatchToService(ctx, clientID, to, msg)
}

// HandleBroadcast processes one inbound message from source B, the
// registry's broadcast channel.
func (r *Router) HandleBroadcast(ctx context.Context, msg codec.Message) {
	// B1: refresh action.
	var action struct {
		Action      string `json:"action"`
		ServiceName string `json:"serviceName"`
	}
	if len(msg.Body) > 0 {
		_ = json.Unmarshal(msg.Body, &action)
	}
	if action.Action == "refresh" {
		if err := r.Routes.Refresh(ctx, action.ServiceName); err != nil {
			log.Printf("[WARN] broadcast-triggered route refresh failed: %v", err)
		}
		return
	}

	// B2: directory gossip.
	if strings.HasPrefix(msg.Type, "wsdir.") {
		r.handleGossip(ctx, msg)
		return
	}

	// B3: via-addressed reply.
	if msg.Via != "" {
		r.deliverVia(ctx, msg)
		return
	}

	// B4: forward field, same policy as Step 5.
	if msg.Forward != "" {
		r.dispatchForward(ctx, msg)
	}
}

func (r *Router) handleReconnect(ctx context.Context, oldID string, conn *wsdir.Conn, msg codec.Message) {
	var body struct {
		ClientID string `json:"clientID"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.ClientID == "" {
		r.sendError(conn, "reconnect body must carry clientID")
		return
	}
	newID := body.ClientID

	r.Local.Rebind(oldID, newID, conn)
	conn.ID = newID

	r.broadcastGossip(ctx, "wsdir.del", oldID)
	r.broadcastGossip(ctx, "wsdir.add", newID)

	r.drainQueue(ctx, newID, conn)
}

func (r *Router) drainQueue(ctx context.Context, clientID string, conn *wsdir.Conn) {
	if r.Queue == nil {
		return
	}
	for {
		msg, ok, err := r.Queue.Dequeue(ctx, clientID)
		if err != nil {
			log.Printf("[WARN] queue drain failed for %s: %v", clientID, err)
			return
		}
		if !ok {
			return
		}
		if !r.deliverLocal(conn, msg) {
			return // connection died mid-drain: this entry stays in processing and is not re-drained; later entries stay queued
		}
		if err := r.Queue.Complete(ctx, clientID, msg); err != nil {
			log.Printf("[WARN] queue complete failed for %s: %v", clientID, err)
		}
	}
}

func (r *Router) handleLocate(conn *wsdir.Conn, msg codec.Message) {
	var body struct {
		ClientID string `json:"clientID"`
	}
	_ = json.Unmarshal(msg.Body, &body)

	routerID := ""
	if _, ok := r.Local.Get(body.ClientID); ok {
		routerID = r.SelfInstance
	} else if owner, ok := r.Global.Locate(body.ClientID); ok {
		routerID = owner
	}

	reply, _ := json.Marshal(struct {
		RouterID string `json:"routerID"`
		ClientID string `json:"clientID"`
	}{RouterID: routerID, ClientID: body.ClientID})
	r.deliverLocal(conn, codec.Message{To: msg.From, From: msg.To, Type: "wsdir.loc", RMID: msg.MID, Body: reply})
}

func (r *Router) handleGossip(ctx context.Context, msg codec.Message) {
	var body struct {
		RouterID string   `json:"routerID"`
		ClientID string   `json:"clientID"`
		Clients  []string `json:"clients"`
	}
	_ = json.Unmarshal(msg.Body, &body)
	if body.RouterID == r.SelfInstance {
		return // ignore our own gossip echoed back
	}

	switch msg.Type {
	case "wsdir.add":
		r.Global.Add(body.RouterID, body.ClientID)
	case "wsdir.del":
		r.Global.Remove(body.RouterID, body.ClientID)
	case "wsdir.rem":
		r.Global.DropReplica(body.RouterID)
	case "wsdir.sha":
		// wsdir.sha carries an empty body; the requester is the instance in From.
		requester := body.RouterID
		if from, err := codec.ParseRoute(msg.From); err == nil && from.Instance != "" {
			requester = from.Instance
		}
		reply, _ := json.Marshal(struct {
			RouterID string   `json:"routerID"`
			Clients  []string `json:"clients"`
		}{RouterID: r.SelfInstance, Clients: r.Local.IDs()})
		replyMsg := codec.Message{
			To:   fmt.Sprintf("%s@%s:/", requester, r.SelfService),
			From: fmt.Sprintf("%s@%s:/", r.SelfInstance, r.SelfService),
			Type: "wsdir.dir",
			Body: reply,
		}
		if err := r.Registry.Publish(ctx, replyMsg); err != nil {
			log.Printf("[WARN] failed to reply wsdir.dir: %v", err)
		}
	case "wsdir.dir":
		r.Global.AdoptReplica(body.RouterID, body.Clients)
	}
}

// dispatchForward implements Step 5 / B4.
func (r *Router) dispatchForward(ctx context.Context, msg codec.Message) {
	fwd, err := codec.ParseRoute(msg.Forward)
	if err != nil {
		log.Printf("[WARN] malformed forward route %q: %v", msg.Forward, err)
		return
	}
	clientID := fwd.Instance

	if conn, ok := r.Local.Get(clientID); ok {
		r.deliverLocal(conn, msg)
		return
	}
	if owner, ok := r.Global.Locate(clientID); ok {
		rewritten := msg
		rewritten.To = fmt.Sprintf("%s@%s:/", owner, r.SelfService)
		if err := r.Registry.Publish(ctx, rewritten); err != nil {
			log.Printf("[WARN] failed to relay forward to replica %s: %v", owner, err)
		}
		return
	}
	if r.Queue != nil {
		if err := r.Queue.Enqueue(ctx, clientID, msg); err != nil {
			log.Printf("[WARN] failed to enqueue forward for %s: %v", clientID, err)
		}
	}
}

// deliverVia implements B3.
func (r *Router) deliverVia(ctx context.Context, msg codec.Message) {
	via, err := codec.ParseRoute(msg.Via)
	if err != nil {
		log.Printf("[WARN] malformed via route %q: %v", msg.Via, err)
		return
	}
	prefix := r.SelfInstance + "-"
	if !strings.HasPrefix(via.Instance, prefix) {
		return // addressed to a different replica's client
	}
	clientID := strings.TrimPrefix(via.Instance, prefix)

	stripped := msg
	stripped.Via = ""
	if conn, ok := r.Local.Get(clientID); ok {
		r.deliverLocal(conn, stripped)
		return
	}
	if r.Queue != nil {
		if err := r.Queue.Enqueue(ctx, clientID, stripped); err != nil {
			log.Printf("[WARN] failed to enqueue via-reply for %s: %v", clientID, err)
		}
	}
}

// dispatchToService implements Step 6.
func (r *Router) dispatchToService(ctx context.Context, clientID string, to codec.Route, msg codec.Message) {
	viaTag := fmt.Sprintf("%s-%s@%s:/", r.SelfInstance, clientID, r.SelfService)

	if to.Instance != "" {
		msg.Via = viaTag
		if err := r.Registry.SendMessage(ctx, msg); err != nil {
			log.Printf("[WARN] directed send to %s failed: %v", msg.To, err)
		}
		return
	}

	instances, err := r.Registry.FetchInstances(ctx, to.Service)
	if err != nil || len(instances) == 0 {
		if r.Stats != nil {
			r.Stats.Log("error:" + to.Service)
		}
		if conn, ok := r.Local.Get(clientID); ok {
			body, _ := json.Marshal(struct {
				Error string `json:"error"`
			}{Error: fmt.Sprintf("No %s instances available", to.Service)})
			r.deliverLocal(conn, codec.Message{To: msg.From, From: msg.To, RMID: msg.MID, Body: body})
		}
		return
	}

	target := instances[0]
	directed := msg
	directed.To = codec.Route{Instance: target.ID, Service: to.Service, Method: to.Method, APIPath: to.APIPath}.String()
	directed.Via = viaTag
	if err := r.Registry.SendMessage(ctx, directed); err != nil {
		log.Printf("[WARN] directed send to instance %s failed: %v", target.ID, err)
	}
}

func (r *Router) broadcastGossip(ctx context.Context, kind, clientID string) {
	body, _ := json.Marshal(struct {
		RouterID string `json:"routerID"`
		ClientID string `json:"clientID"`
	}{RouterID: r.SelfInstance, ClientID: clientID})
	msg := codec.Message{
		From: fmt.Sprintf("%s@%s:/", r.SelfInstance, r.SelfService),
		To:   fmt.Sprintf("%s:/", r.SelfService),
		Type: kind,
		Body: body,
	}
	if err := r.Registry.Publish(ctx, msg); err != nil {
		log.Printf("[WARN] failed to broadcast %s: %v", kind, err)
	}
}

// BroadcastShare asks peer replicas to share their directories (spec.md
// §4.5 startup gossip).
func (r *Router) BroadcastShare(ctx context.Context) {
	msg := codec.Message{
		From: fmt.Sprintf("%s@%s:/", r.SelfInstance, r.SelfService),
		To:   fmt.Sprintf("%s:/", r.SelfService),
		Type: "wsdir.sha",
		Body: json.RawMessage("{}"),
	}
	if err := r.Registry.Publish(ctx, msg); err != nil {
		log.Printf("[WARN] failed to broadcast wsdir.sha: %v", err)
	}
}

// BroadcastRemove announces this replica is going away (spec.md §4.5
// shutdown gossip).
func (r *Router) BroadcastRemove(ctx context.Context) {
	body, _ := json.Marshal(struct {
		RouterID string `json:"routerID"`
	}{RouterID: r.SelfInstance})
	msg := codec.Message{
		From: fmt.Sprintf("%s@%s:/", r.SelfInstance, r.SelfService),
		To:   fmt.Sprintf("%s:/", r.SelfService),
		Type: "wsdir.rem",
		Body: body,
	}
	if err := r.Registry.Publish(ctx, msg); err != nil {
		log.Printf("[WARN] failed to broadcast wsdir.rem: %v", err)
	}
}

func (r *Router) deliverLocal(conn *wsdir.Conn, msg codec.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WARN] failed to marshal outbound message: %v", err)
		return false
	}
	return conn.Send(data)
}

func (r *Router) sendError(conn *wsdir.Conn, reason string) {
	body, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: reason})
	data, err := json.Marshal(codec.Message{Type: "error", Body: body})
	if err != nil {
		return
	}
	conn.Send(data)
}
