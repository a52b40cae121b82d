// Package routing holds the current route snapshot (RouteTable) and the
// pattern-matching + fallback lookup logic described in spec.md §4.1/§4.2.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/go-hydra/gateway/internal/pattern"
	"github.com/go-hydra/gateway/internal/registry"
)

// Route is one compiled pattern owned by a service.
type Route struct {
	Service string
	Literal string // pattern string, method tag stripped
	Method  string // lowercase verb this pattern was registered for, if any
	matcher *pattern.Matcher
}

// Result is what Lookup/fallback return on a match.
type Result struct {
	Service  string
	Captures pattern.Captures
	Literal  string
	URL      string // forwarded URL, possibly rewritten by the fallback path

	// ExternalBaseURL is set instead of Service when the match came from an
	// externalRoutes entry (spec.md §6.5): the caller should reverse-proxy
	// straight to this base URL rather than dispatch through the registry.
	ExternalBaseURL string
}

// ExternalEntry is one externalRoutes mapping: an external base-URL and the
// patterns served under it, loaded via config.LoadExternalRoutes and passed
// straight through into the RouteTable (spec.md §6.5).
type ExternalEntry struct {
	BaseURL  string
	Patterns []string
}

type externalRoute struct {
	baseURL string
	matcher *pattern.Matcher
}

// Table is the live routing snapshot: service name -> ordered route list.
// Replacement is atomic per service. Refresh fetches from the registry
// before taking the lock, so reads wait only for the map swap itself.
type Table struct {
	mu       sync.RWMutex
	routes   map[string][]Route
	order    []string // service insertion order, for Lookup's "first match across services in insertion order"
	services map[string]struct{}
	external []externalRoute
	reg      registry.Client
}

// New builds an empty Table backed by reg for refreshes.
func New(reg registry.Client) *Table {
	return &Table{
		routes:   map[string][]Route{},
		services: map[string]struct{}{},
		reg:      reg,
	}
}

// Lookup returns the first matching route across services in insertion
// order, or ok=false if nothing matches.
func (t *Table) Lookup(path string) (res Result, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, svc := range t.order {
		for _, r := range t.routes[svc] {
			if caps, matched := r.matcher.Match(path); matched {
				return Result{Service: r.Service, Captures: caps, Literal: r.Literal, URL: path}, true
			}
		}
	}
	for _, er := range t.external {
		if _, matched := er.matcher.Match(path); matched {
			return Result{ExternalBaseURL: er.baseURL, URL: path}, true
		}
	}
	return Result{}, false
}

// LoadExternal compiles and installs the externalRoutes patterns loaded from
// config, passed straight through to the RouteTable (spec.md §6.5). It
// replaces any previously loaded external routes.
func (t *Table) LoadExternal(entries []ExternalEntry) {
	var compiled []externalRoute
	for _, e := range entries {
		for _, p := range e.Patterns {
			m, err := pattern.Compile(p)
			if err != nil {
				log.Printf("[WARN] skipping malformed externalRoutes pattern %q for %s: %v", p, e.BaseURL, err)
				continue
			}
			compiled = append(compiled, externalRoute{baseURL: e.BaseURL, matcher: m})
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.external = compiled
}

// Fallback applies the referer/first-segment attribution described in
// spec.md §4.2, invoked only once Lookup has already missed.
func (t *Table) Fallback(path, referer string) (res Result, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if referer != "" {
		for svc := range t.services {
			if strings.Contains(referer, "/"+svc) {
				return Result{Service: svc, URL: path}, true
			}
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	seg := trimmed
	if i := strings.Index(trimmed, "/"); i >= 0 {
		seg = trimmed[:i]
	}
	if seg == "" {
		return Result{}, false
	}
	if _, known := t.services[seg]; !known {
		return Result{}, false
	}

	rest := strings.TrimPrefix(trimmed, seg)
	rest = strings.TrimPrefix(rest, "/")
	forwarded := "/" + rest
	if rest == "" {
		forwarded = ""
	}
	return Result{Service: seg, URL: forwarded}, true
}

// Services returns the known service names (RouteTable keys).
func (t *Table) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]string, 0, len(t.services))
	for s := range t.services {
		res = append(res, s)
	}
	return res
}

// Snapshot returns every route currently registered, grouped by service.
func (t *Table) Snapshot() map[string][]Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make(map[string][]Route, len(t.routes))
	for svc, rs := range t.routes {
		cp := make([]Route, len(rs))
		copy(cp, rs)
		res[svc] = cp
	}
	return res
}

// Refresh fetches routes from the registry — for every known service, or
// for a single one when service is non-empty — and atomically replaces
// that service's route list. It grows ServiceNameSet with any newly seen
// service.
func (t *Table) Refresh(ctx context.Context, service string) error {
	specs, err := t.reg.FetchRoutes(ctx, service)
	if err != nil {
		return fmt.Errorf("refresh routes: %w", err)
	}

	byService := map[string][]Route{}
	for _, s := range specs {
		m, cerr := pattern.Compile(s.Pattern)
		if cerr != nil {
			log.Printf("[WARN] skipping malformed route %q for %s: %v", s.Pattern, s.Service, cerr)
			continue
		}
		byService[s.Service] = append(byService[s.Service], Route{
			Service: s.Service,
			Literal: m.String(),
			Method:  m.Method(),
			matcher: m,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if service == "" {
		// full refresh: replace every service we got data for, and drop
		// nothing we didn't hear about this round (a transient fetch gap
		// shouldn't blank out a service's routes).
		for svc, rs := range byService {
			t.setServiceLocked(svc, rs)
		}
		return nil
	}

	// scoped refresh: replace exactly the one service atomically, even if
	// the registry returned zero routes for it (that's a legitimate "this
	// service currently has no routes" state).
	t.setServiceLocked(service, byService[service])
	return nil
}

func (t *Table) setServiceLocked(service string, routes []Route) {
	if _, known := t.services[service]; !known {
		t.services[service] = struct{}{}
		t.order = append(t.order, service)
	}
	t.routes[service] = routes
}
