package registry

// This package implements the acceleration proxy for docker registry instances,
// which are services to manage information about docker images and enable their distribution using HTTP API V2 protocol
// detailed protocol description: https://docs.docker.com/registry/spec/api
//
// Requests under /v2/ are classified to a configured upstream (Docker Hub when
// the image reference carries no registry host), a pull-scoped bearer token is
// fetched from the upstream auth server when required, and the upstream answer
// streams back with the WWW-Authenticate realm rewritten so that clients loop
// back through the proxy for re-auth.

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zebox/hub-proxy/app/access"
	"github.com/zebox/hub-proxy/app/cache"

	log "github.com/go-pkgz/lgr"
)

const (
	// Docker Hub is implicit, it has no descriptor entry
	hubUpstream     = "registry-1.docker.io"
	hubAuthEndpoint = "https://auth.docker.io/token"
	hubService      = "registry.docker.io"

	controlTimeout   = 30 * time.Second
	maxBlobRedirects = 20

	tokenCacheCapacity = 500
	tokenTTL           = 15 * time.Minute
)

// AuthDialect selects how the auth URL for an upstream is built.
type AuthDialect int8

const (
	DialectDockerHub AuthDialect = iota // auth.docker.io with service parameter
	DialectGitHub                       // <upstream>/token
	DialectGoogle                       // <upstream>/v2/token
	DialectQuay                         // <upstream>/v2/auth
	DialectAnonymous                    // no token required
	DialectGeneric                      // explicit auth endpoint from settings
)

// ParseAuthDialect maps a settings string to a dialect.
func ParseAuthDialect(s string) (AuthDialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dockerhub", "docker_hub":
		return DialectDockerHub, nil
	case "github":
		return DialectGitHub, nil
	case "google":
		return DialectGoogle, nil
	case "quay":
		return DialectQuay, nil
	case "anonymous", "none", "":
		return DialectAnonymous, nil
	case "generic":
		return DialectGeneric, nil
	}
	return DialectAnonymous, errors.Errorf("unknown registry auth type %q", s)
}

// Descriptor is a configured upstream registry, immutable after load.
type Descriptor struct {
	Host         string // host as it appears in client image references, e.g. ghcr.io
	Upstream     string // origin host to dial, defaults to Host
	AuthEndpoint string // explicit token URL for the generic dialect
	Dialect      AuthDialect
	Enabled      bool
}

// Settings defines registry proxy instance parameters.
type Settings struct {
	// extra or overridden upstreams keyed by host, merged over the defaults
	Registries map[string]Descriptor

	// token cache tuning, zero TTL falls back to the 20 minutes default
	TokenCacheDisabled bool
	TokenCacheTTL      time.Duration

	// dial upstreams over plain http, for private mirrors without TLS
	Insecure bool

	AccessPolicy *access.Policy
}

// Registry is the main instance for proxying pull traffic to upstream registries.
type Registry struct {
	descriptors map[string]Descriptor
	tokens      *cache.TTLMap
	tokensOff   bool
	policy      *access.Policy

	// control requests (token fetch) are bounded, stream requests follow
	// blob CDN redirects and carry no overall deadline
	authClient   *http.Client
	streamClient *http.Client

	scheme  string // upstream scheme, plain http for insecure mirrors
	hubAuth string // hub auth endpoint, redirected to a local server in tests

	l log.L
}

// defaultDescriptors returns the built-in upstream table.
func defaultDescriptors() map[string]Descriptor {
	return map[string]Descriptor{
		"ghcr.io":         {Host: "ghcr.io", Upstream: "ghcr.io", Dialect: DialectGitHub, Enabled: true},
		"gcr.io":          {Host: "gcr.io", Upstream: "gcr.io", Dialect: DialectGoogle, Enabled: true},
		"quay.io":         {Host: "quay.io", Upstream: "quay.io", Dialect: DialectQuay, Enabled: true},
		"registry.k8s.io": {Host: "registry.k8s.io", Upstream: "registry.k8s.io", Dialect: DialectAnonymous, Enabled: true},
	}
}

// NewRegistry creates a registry proxy with the default upstreams merged with
// settings overrides.
func NewRegistry(settings Settings, l log.L) *Registry {
	descriptors := defaultDescriptors()
	for host, d := range settings.Registries {
		if d.Host == "" {
			d.Host = host
		}
		if d.Upstream == "" {
			d.Upstream = d.Host
		}
		descriptors[host] = d
	}
	for host, d := range descriptors {
		if !d.Enabled {
			delete(descriptors, host)
		}
	}

	ttl := settings.TokenCacheTTL
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}

	scheme := "https"
	if settings.Insecure {
		scheme = "http"
	}

	if l == nil {
		l = log.Default()
	}

	return &Registry{
		descriptors: descriptors,
		tokens:      cache.NewTTLMap(tokenCacheCapacity, ttl),
		tokensOff:   settings.TokenCacheDisabled,
		policy:      settings.AccessPolicy,
		authClient:  &http.Client{Timeout: controlTimeout},
		streamClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxBlobRedirects {
					return errors.Errorf("stopped after %d redirects", maxBlobRedirects)
				}
				return nil
			},
		},
		scheme:  scheme,
		hubAuth: hubAuthEndpoint,
		l:       l,
	}
}
