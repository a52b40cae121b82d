// Package registry is a thin capability adapter over the external service
// discovery registry. The registry itself (presence, health, routes,
// pub/sub broadcast channel) is out of scope for this gateway — this
// package only defines the interface the rest of the gateway needs and one
// concrete adapter (RedisClient) built on Redis primitives, so the gateway
// has something real to run and test against.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-hydra/gateway/internal/codec"
)

// RouteSpec is a single route as published by a service.
type RouteSpec struct {
	Service string
	Pattern string // may carry a leading method tag, e.g. "[get]/v1/x/:id"
}

// Instance is one live instance of a service, as reported by the registry.
type Instance struct {
	ID      string
	Service string
	Addr    string // base URL, e.g. http://10.0.0.4:8080
}

// Client is the capability surface the gateway needs from the discovery
// registry. All methods are safe for concurrent use.
type Client interface {
	// FetchRoutes returns routes for one service, or for every known
	// service when service is "".
	FetchRoutes(ctx context.Context, service string) ([]RouteSpec, error)

	// FetchInstances returns the live instances of service, in the
	// registry's own order (selection among them never reorders — see
	// spec.md §9(iii)).
	FetchInstances(ctx context.Context, service string) ([]Instance, error)

	// FetchHealth returns the registry's own health snapshot, passed
	// through verbatim.
	FetchHealth(ctx context.Context) (json.RawMessage, error)

	// Publish broadcasts msg on the registry's shared channel; every
	// gateway replica and every subscribed service receives it.
	Publish(ctx context.Context, msg codec.Message) error

	// Subscribe returns a channel of inbound broadcast messages. The
	// channel closes when ctx is done.
	Subscribe(ctx context.Context) (<-chan codec.Message, error)

	// SendMessage delivers msg directly to the instance/service named in
	// msg.To, fire-and-forget.
	SendMessage(ctx context.Context, msg codec.Message) error

	// MakeAPIRequest delivers msg to the instance/service named in msg.To
	// and blocks for a reply (matched by mid) up to timeout.
	MakeAPIRequest(ctx context.Context, msg codec.Message, timeout time.Duration) (codec.Message, error)

	// RegisterSelf publishes this gateway replica's own route list and
	// presence, so other replicas and services can reach it by name.
	RegisterSelf(ctx context.Context, self Instance, routes []RouteSpec) error

	// ClearStalePresence removes presence entries whose elapsed time
	// exceeds maxElapsed (registry-side housekeeping triggered by the
	// admin "clear" endpoint) and returns the count removed.
	ClearStalePresence(ctx context.Context, maxElapsed time.Duration) (int, error)
}

// APIError is returned by MakeAPIRequest when the registry itself reports a
// transport-shaped failure (timeout, no instance, upstream error) instead of
// a Go-level error, so the forwarder can map it to the right HTTP status.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string { return e.Reason }
