// Package admin implements AdminSurface (spec.md §4.8): the gateway's own
// `/v1/router/*` routes, reachable both over plain HTTP and — for the
// bracket-method-tagged case — as a locally-dispatched framed message.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/google/uuid"

	"github.com/go-hydra/gateway/internal/codec"
	"github.com/go-hydra/gateway/internal/issuelog"
	"github.com/go-hydra/gateway/internal/queue"
	"github.com/go-hydra/gateway/internal/registry"
	"github.com/go-hydra/gateway/internal/routing"
	"github.com/go-hydra/gateway/internal/stats"
	"github.com/go-hydra/gateway/internal/wsdir"
)

// staticSuffixes are always served even when disableRouterEndpoint is set
// (spec.md §4.8).
var staticSuffixes = []string{".css", ".js", ".ttf", ".woff", ".woff2"}

// Config carries the authorization policy for admin routes plus the static
// dashboard assets AdminSurface owns (spec.md §4.8: `[get] /`, `/index.css`,
// `/index.js`, fonts).
type Config struct {
	DisableRouterEndpoint bool
	RouterToken           string // UUIDv4, empty means no token required
	Version               string
	AssetsLocation        string // filesystem directory serving the dashboard, empty disables it
	AssetsWebRoot         string // URL prefix the dashboard is served under, default "/"
}

// Surface is the AdminSurface component.
type Surface struct {
	Cfg      Config
	Registry registry.Client
	Routes   *routing.Table
	Local    *wsdir.Local
	Global   *wsdir.Global
	Queue    queue.Queue
	Issues   *issuelog.Log
	Stats    *stats.Manager
	SelfID   string
}

// New builds a Surface.
func New(cfg Config, reg registry.Client, routes *routing.Table, local *wsdir.Local, global *wsdir.Global,
	q queue.Queue, issues *issuelog.Log, st *stats.Manager, selfID string) *Surface {
	return &Surface{Cfg: cfg, Registry: reg, Routes: routes, Local: local, Global: global, Queue: q, Issues: issues, Stats: st, SelfID: selfID}
}

// Handler builds the http.Handler serving every admin route, wrapped in the
// authorization gate described in spec.md §4.8.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/router/health", s.health)
	mux.HandleFunc("/v1/router/list/", s.list)
	mux.HandleFunc("/v1/router/version", s.version)
	mux.HandleFunc("/v1/router/clear", s.clear)
	mux.HandleFunc("/v1/router/refresh", s.refresh)
	mux.HandleFunc("/v1/router/refresh/", s.refresh)
	mux.HandleFunc("/v1/router/log", s.log)
	mux.HandleFunc("/v1/router/stats", s.statsHandler)
	mux.HandleFunc("/v1/router/message", s.message)
	mux.HandleFunc("/v1/router/send", s.send)
	mux.HandleFunc("/v1/router/queue", s.queueRoute)

	return R.Wrap(mux, R.Recoverer(log.Default()), s.authGate)
}

// AssetsHandler builds the static dashboard file server described by
// AssetsLocation/AssetsWebRoot (spec.md §4.8), grounded on the teacher's
// app/proxy/proxy.go assetsHandler which wraps the same go-pkgz/rest file
// server. Returns false when AssetsLocation is unset, matching the
// teacher's "assets disabled unless configured" behavior.
func (s *Surface) AssetsHandler() (http.Handler, bool) {
	if s.Cfg.AssetsLocation == "" {
		return nil, false
	}
	webRoot := s.Cfg.AssetsWebRoot
	if webRoot == "" {
		webRoot = "/"
	}
	fs, err := R.NewFileServer(webRoot, s.Cfg.AssetsLocation)
	if err != nil {
		log.Printf("[WARN] can't initialize assets server, %v", err)
		return nil, false
	}
	return fs, true
}

// IsDashboardPath reports whether path is the dashboard root or one of its
// static asset suffixes, the set AdminSurface owns regardless of
// disableRouterEndpoint (spec.md §4.8).
func IsDashboardPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, suf := range staticSuffixes {
		if strings.HasSuffix(path, suf) {
			return true
		}
	}
	return false
}

func (s *Surface) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isStaticAsset(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if s.Cfg.DisableRouterEndpoint {
			http.NotFound(w, r)
			return
		}
		if s.Cfg.RouterToken != "" && !isLocalhost(r) {
			token := r.URL.Query().Get("token")
			if token == "" || token != s.Cfg.RouterToken {
				http.NotFound(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Surface) isStaticAsset(path string) bool {
	for _, suf := range staticSuffixes {
		if strings.HasSuffix(path, suf) {
			return true
		}
	}
	return false
}

func isLocalhost(r *http.Request) bool {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

func (s *Surface) health(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Registry.FetchHealth(r.Context())
	if err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to fetch registry health")
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write(snap)
}

func (s *Surface) list(w http.ResponseWriter, r *http.Request) {
	thing := strings.TrimPrefix(r.URL.Path, "/v1/router/list/")
	switch thing {
	case "routes":
		R.RenderJSON(w, s.Routes.Snapshot())
	case "services":
		R.RenderJSON(w, s.Routes.Services())
	case "nodes":
		R.RenderJSON(w, map[string]int{"local": s.Local.Len(), "global": s.Global.Len()})
	case "wsdir":
		R.RenderJSON(w, s.Local.IDs())
	case "config":
		R.RenderJSON(w, s.sanitizedConfig())
	default:
		http.NotFound(w, r)
	}
}

// sanitizedConfig returns the admin-visible config view with secrets
// redacted, per SPEC_FULL.md §4's `/v1/router/list/config` addition.
func (s *Surface) sanitizedConfig() map[string]string {
	token := ""
	if s.Cfg.RouterToken != "" {
		token = "***"
	}
	return map[string]string{
		"version":               s.Cfg.Version,
		"disableRouterEndpoint": fmt.Sprintf("%t", s.Cfg.DisableRouterEndpoint),
		"routerToken":           token,
		"assetsLocation":        s.Cfg.AssetsLocation,
		"assetsWebRoot":         s.Cfg.AssetsWebRoot,
	}
}

func (s *Surface) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "text/plain")
	_, _ = w.Write([]byte(s.Cfg.Version))
}

func (s *Surface) clear(w http.ResponseWriter, r *http.Request) {
	n, err := s.Registry.ClearStalePresence(r.Context(), 5*time.Second)
	if err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to clear stale presence")
		return
	}
	R.RenderJSON(w, map[string]int{"cleared": n})
}

func (s *Surface) refresh(w http.ResponseWriter, r *http.Request) {
	service := strings.TrimPrefix(r.URL.Path, "/v1/router/refresh/")
	if service == "/v1/router/refresh" || service == "refresh" {
		service = ""
	}
	if err := s.Routes.Refresh(r.Context(), service); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to refresh routes")
		return
	}
	R.RenderJSON(w, map[string]string{"status": "ok"})
}

func (s *Surface) log(w http.ResponseWriter, _ *http.Request) {
	R.RenderJSON(w, s.Issues.Entries())
}

func (s *Surface) statsHandler(w http.ResponseWriter, _ *http.Request) {
	res := map[string]stats.Snapshot{}
	for _, t := range s.Stats.Targets() {
		res[t] = s.Stats.Snapshot(t)
	}
	R.RenderJSON(w, res)
}

func (s *Surface) message(w http.ResponseWriter, r *http.Request) {
	var msg codec.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid framed message")
		return
	}
	reply, err := s.Registry.MakeAPIRequest(r.Context(), msg, 5*time.Second)
	if err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadGateway, err, "forward failed")
		return
	}
	R.RenderJSON(w, reply)
}

func (s *Surface) send(w http.ResponseWriter, r *http.Request) {
	var msg codec.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid framed message")
		return
	}
	if msg.MID == "" {
		msg.MID = uuid.NewString()
	}
	if err := s.Registry.SendMessage(r.Context(), msg); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadGateway, err, "send failed")
		return
	}
	R.RenderJSON(w, map[string]string{"mid": msg.MID})
}

func (s *Surface) queueRoute(w http.ResponseWriter, r *http.Request) {
	var msg codec.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid framed message")
		return
	}
	if msg.MID == "" {
		msg.MID = uuid.NewString()
	}
	to, err := codec.ParseRoute(msg.To)
	if err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, err, "invalid to route")
		return
	}
	if err := s.Queue.Enqueue(r.Context(), to.Instance, msg); err != nil {
		R.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "queue failed")
		return
	}
	R.RenderJSON(w, map[string]string{"mid": msg.MID})
}

// Dispatch implements router.LocalAdmin: a bracket-method message addressed
// to the gateway itself over the persistent channel, routed to the same
// logic as the HTTP surface (spec.md §4.4 Step 3).
func (s *Surface) Dispatch(ctx context.Context, msg codec.Message) (codec.Message, error) {
	to, err := codec.ParseRoute(msg.To)
	if err != nil {
		return codec.Message{}, err
	}

	switch to.APIPath {
	case "/v1/router/health":
		snap, err := s.Registry.FetchHealth(ctx)
		if err != nil {
			return codec.Message{}, err
		}
		return codec.Message{To: msg.From, Body: snap}, nil
	case "/v1/router/version":
		body, _ := json.Marshal(s.Cfg.Version)
		return codec.Message{To: msg.From, Body: body}, nil
	case "/v1/router/clear":
		n, err := s.Registry.ClearStalePresence(ctx, 5*time.Second)
		if err != nil {
			return codec.Message{}, err
		}
		body, _ := json.Marshal(map[string]int{"cleared": n})
		return codec.Message{To: msg.From, Body: body}, nil
	default:
		if strings.HasPrefix(to.APIPath, "/v1/router/refresh") {
			svc := strings.TrimPrefix(to.APIPath, "/v1/router/refresh/")
			if svc == "/v1/router/refresh" {
				svc = ""
			}
			if err := s.Routes.Refresh(ctx, svc); err != nil {
				return codec.Message{}, err
			}
			body, _ := json.Marshal(map[string]string{"status": "ok"})
			return codec.Message{To: msg.From, Body: body}, nil
		}
		return codec.Message{}, fmt.Errorf("unknown admin route %q", to.APIPath)
	}
}
