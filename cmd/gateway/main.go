// Command gateway runs the hydra-router-style service gateway: HTTP route
// forwarding, the persistent framed-message channel, and the distributed
// client directory described in SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/didip/tollbooth/v7"
	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	flags "github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-hydra/gateway/internal/admin"
	"github.com/go-hydra/gateway/internal/config"
	"github.com/go-hydra/gateway/internal/forwarder"
	"github.com/go-hydra/gateway/internal/issuelog"
	"github.com/go-hydra/gateway/internal/metrics"
	"github.com/go-hydra/gateway/internal/queue"
	"github.com/go-hydra/gateway/internal/registry"
	"github.com/go-hydra/gateway/internal/router"
	"github.com/go-hydra/gateway/internal/routing"
	"github.com/go-hydra/gateway/internal/stats"
	"github.com/go-hydra/gateway/internal/wsdir"
)

var revision = "unknown"

var opts config.Options

func main() {
	fmt.Printf("hydra-gateway %s\n", revision)

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}
	if err := opts.Finalize(); err != nil {
		log.Printf("[ERROR] invalid options: %v", err)
		os.Exit(2)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	if err := run(); err != nil {
		log.Fatalf("[ERROR] gateway failed, %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{Addr: opts.Redis.Addr, Password: opts.Redis.Password, DB: opts.Redis.DB})
	reg := registry.NewRedisClient(rdb)

	routes := routing.New(reg)
	if err := routes.Refresh(ctx, ""); err != nil {
		log.Printf("[WARN] initial route refresh failed: %v", err)
	}
	if opts.ExternalRoutes != "" {
		extRoutes, extErr := config.LoadExternalRoutes(opts.ExternalRoutes)
		if extErr != nil {
			return fmt.Errorf("failed to load external routes: %w", extErr)
		}
		entries := make([]routing.ExternalEntry, len(extRoutes))
		for i, e := range extRoutes {
			entries[i] = routing.ExternalEntry{BaseURL: e.BaseURL, Patterns: e.Patterns}
		}
		routes.LoadExternal(entries)
	}

	localDir := wsdir.NewLocal()
	globalDir := wsdir.NewGlobal(opts.Directory.TTL, opts.Directory.MaxNodes)
	offlineQueue := queue.New(rdb, opts.Queue.Base, opts.Queue.TTL)
	issues := issuelog.New()
	statsMgr := stats.NewManager()

	adminCfg := admin.Config{
		DisableRouterEndpoint: opts.Router.Disabled,
		RouterToken:           opts.Router.Token,
		Version:               revision,
		AssetsLocation:        opts.Assets.Location,
		AssetsWebRoot:         opts.Assets.WebRoot,
	}
	adminSurface := admin.New(adminCfg, reg, routes, localDir, globalDir, offlineQueue, issues, statsMgr, opts.SelfInstance)

	msgRouter := router.New(reg, routes, localDir, globalDir, offlineQueue, issues, statsMgr, adminSurface,
		opts.SelfService, opts.SelfInstance, opts.Signature.Force, opts.Signature.Secret, opts.RequestTimeout)

	cors, err := opts.CORS()
	if err != nil {
		return fmt.Errorf("invalid cors configuration: %w", err)
	}
	fwd := forwarder.New(reg, opts.SelfService, opts.SelfInstance, revision, opts.RequestTimeout, cors, statsMgr, issues)

	if err := reg.RegisterSelf(ctx, registry.Instance{ID: opts.SelfInstance, Service: opts.SelfService, Addr: opts.Listen}, nil); err != nil {
		log.Printf("[WARN] failed to register self with the registry: %v", err)
	}
	msgRouter.BroadcastShare(ctx)

	go runBroadcastLoop(ctx, reg, msgRouter, issues)

	accessLog, alErr := makeAccessLogWriter()
	if alErr != nil {
		return fmt.Errorf("failed to open access log: %w", alErr)
	}
	defer func() {
		if err := accessLog.Close(); err != nil {
			log.Printf("[WARN] can't close access log, %v", err)
		}
	}()

	met := metrics.New()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", msgRouter.ServeWS)
	mux.Handle("/v1/router/", adminSurface.Handler())
	mux.HandleFunc("/", serveRoot(adminSurface, routes, fwd))

	handler := R.Wrap(mux,
		R.Recoverer(log.Default()),
		R.AppInfo("hydra-gateway", "go-hydra", revision),
		met.Middleware,
		throttleSystemHandler(opts.ThrottleSystem),
	)
	handler = handlers.CombinedLoggingHandler(accessLog, handler)
	handler = handlers.CompressHandler(handler)

	httpServer := &http.Server{
		Addr:              opts.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // persistent channel upgrades must not be cut off
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		msgRouter.Shutdown(context.Background())
		if err := httpServer.Close(); err != nil {
			msg := fmt.Sprintf("failed to close gateway http server, %v", err)
			log.Printf("[ERROR] %s", msg)
			issues.Append("ERROR", msg)
		}
	}()

	log.Printf("[INFO] activate hydra gateway on %s", opts.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway http server failed: %w", err)
	}
	return nil
}

// throttleSystemHandler limits total requests/sec across the whole gateway,
// mirroring the teacher's limiterSystemHandler in app/proxy/handlers.go.
func throttleSystemHandler(reqSec int) func(next http.Handler) http.Handler {
	if reqSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		lmt := tollbooth.NewLimiter(float64(reqSec), nil)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpErr := tollbooth.LimitByKeys(lmt, []string{"system"}); httpErr != nil {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// serveRoot dispatches the gateway's root mux entry: AdminSurface owns the
// dashboard (`/`, `/index.css`, `/index.js`, fonts — spec.md §4.8) whenever
// assets are configured, everything else falls through to service forwarding.
func serveRoot(adminSurface *admin.Surface, routes *routing.Table, fwd *forwarder.Forwarder) http.HandlerFunc {
	assets, assetsEnabled := adminSurface.AssetsHandler()
	forward := serveHTTPForward(routes, fwd)
	return func(w http.ResponseWriter, r *http.Request) {
		if assetsEnabled && admin.IsDashboardPath(r.URL.Path) {
			assets.ServeHTTP(w, r)
			return
		}
		forward(w, r)
	}
}

func serveHTTPForward(routes *routing.Table, fwd *forwarder.Forwarder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := routes.Lookup(r.URL.Path)
		if !ok {
			res, ok = routes.Fallback(r.URL.Path, r.Header.Get("Referer"))
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if res.ExternalBaseURL != "" {
			externalProxy(res.ExternalBaseURL).ServeHTTP(w, r)
			return
		}
		fwd.Forward(w, r, res.Service, res.URL)
	}
}

// externalProxy reverse-proxies straight to an externalRoutes base URL,
// bypassing registry-based service dispatch entirely (spec.md §6.5).
func externalProxy(baseURL string) *httputil.ReverseProxy {
	target, err := url.Parse(baseURL)
	if err != nil {
		log.Printf("[WARN] invalid externalRoutes base url %q: %v", baseURL, err)
		return &httputil.ReverseProxy{Director: func(*http.Request) {}}
	}
	return httputil.NewSingleHostReverseProxy(target)
}

func runBroadcastLoop(ctx context.Context, reg registry.Client, msgRouter *router.Router, issues *issuelog.Log) {
	ch, err := reg.Subscribe(ctx)
	if err != nil {
		msg := fmt.Sprintf("failed to subscribe to registry broadcast channel: %v", err)
		log.Printf("[ERROR] %s", msg)
		issues.Append("ERROR", msg)
		return
	}
	for msg := range ch {
		msgRouter.HandleBroadcast(ctx, msg)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// makeAccessLogWriter returns the rotated access log, or a writer that
// discards everything when logger.enabled is off.
func makeAccessLogWriter() (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    opts.Logger.MaxSize,
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
	}, nil
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
