// Package config defines the gateway's CLI/env-configurable options
// (spec.md §6.5), in the teacher's grouped go-flags struct style.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Options is the top-level CLI/env options struct, parsed with
// github.com/umputun/go-flags the same way the teacher's app/main.go does.
type Options struct {
	Listen       string `short:"l" long:"listen" env:"LISTEN" default:"0.0.0.0:8080" description:"listen on host:port"`
	SelfService  string `long:"self-service" env:"SELF_SERVICE" default:"hydra-router" description:"service name this gateway registers itself under"`
	SelfInstance string `long:"self-instance" env:"SELF_INSTANCE" description:"instance id this gateway registers itself under (default: random uuid)"`

	RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"5s" description:"upstream API request timeout"`

	Router struct {
		Disabled bool   `long:"disabled" env:"DISABLED" description:"disable the /v1/router/* admin surface"`
		Token    string `long:"token" env:"TOKEN" description:"UUIDv4 bearer token required for non-localhost admin callers"`
	} `group:"router" namespace:"router" env-namespace:"ROUTER"`

	Assets struct {
		Location string `long:"location" env:"LOCATION" description:"filesystem directory serving the dashboard static assets, empty disables it"`
		WebRoot  string `long:"web-root" env:"WEB_ROOT" default:"/" description:"URL prefix the dashboard assets are served under"`
	} `group:"assets" namespace:"assets" env-namespace:"ASSETS"`

	CORSHeaders []string `long:"cors" env:"CORS" description:"CORS header overrides, key=value" env-delim:","`

	Signature struct {
		Force  bool   `long:"force" env:"FORCE" description:"require a valid signature on every client-channel message"`
		Secret string `long:"secret" env:"SECRET" description:"shared HMAC-SHA-256 signing secret"`
	} `group:"signature" namespace:"signature" env-namespace:"SIGNATURE"`

	Redis struct {
		Addr     string `long:"addr" env:"ADDR" default:"127.0.0.1:6379" description:"redis address"`
		Password string `long:"password" env:"PASSWORD" description:"redis password"`
		DB       int    `long:"db" env:"DB" default:"0" description:"redis logical db (queuerDB)"`
	} `group:"redis" namespace:"redis" env-namespace:"REDIS"`

	Queue struct {
		Base string        `long:"base" env:"BASE" default:"hydra-router:message:queue" description:"offline queue key base"`
		TTL  time.Duration `long:"ttl" env:"TTL" default:"24h" description:"offline queue entry TTL"`
	} `group:"queue" namespace:"queue" env-namespace:"QUEUE"`

	Directory struct {
		TTL      time.Duration `long:"ttl" env:"TTL" default:"90s" description:"GlobalDirectory entry TTL before a silent replica's bindings age out"`
		MaxNodes int           `long:"max" env:"MAX" default:"100000" description:"GlobalDirectory capacity (tracked client-id bindings)"`
	} `group:"directory" namespace:"directory" env-namespace:"DIRECTORY"`

	ExternalRoutes string `long:"external-routes" env:"EXTERNAL_ROUTES" description:"path to a YAML file mapping external base-URLs to route patterns"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"not read by the gateway; access logs go only to the rotated file set up by logger.enabled"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access and error rotated logs"`
		FileName   string `long:"file" env:"FILE" default:"access.log" description:"location of access log"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	ThrottleSystem int `long:"throttle-system" env:"THROTTLE_SYSTEM" default:"1000" description:"max total requests/sec across the public HTTP surface"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

// Finalize fills in derived defaults (a random self-instance id) and
// validates fields that go-flags' own tags can't express.
func (o *Options) Finalize() error {
	if o.SelfInstance == "" {
		o.SelfInstance = uuid.NewString()
	}
	if o.Router.Token != "" {
		u, err := uuid.Parse(o.Router.Token)
		if err != nil {
			return fmt.Errorf("router.token must be a UUIDv4: %w", err)
		}
		if u.Version() != 4 {
			return fmt.Errorf("router.token must be a UUIDv4, got version %d", u.Version())
		}
	}
	return nil
}

// CORS parses CORSHeaders' key=value pairs into a header-override map.
func (o *Options) CORS() (map[string]string, error) {
	out := map[string]string{}
	for _, kv := range o.CORSHeaders {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid cors header override %q, want key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

// ExternalRoute is one entry of the externalRoutes mapping (spec.md §6.5):
// an external base-URL mapped to the route patterns served under it.
type ExternalRoute struct {
	BaseURL  string   `yaml:"baseUrl"`
	Patterns []string `yaml:"patterns"`
}

// LoadExternalRoutes parses the externalRoutes YAML file named by path, the
// same way the teacher's file-provider rules are loaded with
// gopkg.in/yaml.v3. An empty path returns no routes.
func LoadExternalRoutes(path string) ([]ExternalRoute, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read external routes file: %w", err)
	}
	var routes []ExternalRoute
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("parse external routes file: %w", err)
	}
	return routes, nil
}
