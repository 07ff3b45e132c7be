package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/zebox/hub-proxy/app/registry"

	log "github.com/go-pkgz/lgr"
)

// endpointsHandler contain main endpoints properties for used inside handlers
type endpointsHandler struct {
	l log.L
}

// registryHandlers implement controllers for the docker registry v2 proxy endpoints
type registryHandlers struct {
	endpointsHandler
	registrySvc *registry.Registry
}

// proxyCtrl serves /v2 and /v2/* pull traffic. Registry writes are not
// proxied, anything but GET and HEAD is refused.
func (rh *registryHandlers) proxyCtrl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		SendErrorJSON(w, r, rh.l, http.StatusMethodNotAllowed,
			errors.New("method not allowed"), "registry proxy is read-only")
		return
	}

	parsed, err := rh.registrySvc.ParsePath(r.URL.Path)
	if err != nil {
		SendErrorJSON(w, r, rh.l, http.StatusForbidden, err, "invalid input")
		return
	}

	metricProxied.WithLabelValues("registry").Inc()

	if err = rh.registrySvc.Proxy(w, r, parsed); err != nil {
		var accessErr *registry.AccessError
		if errors.As(err, &accessErr) {
			SendErrorJSON(w, r, rh.l, http.StatusForbidden, err, accessErr.Reason)
			return
		}
		SendErrorJSON(w, r, rh.l, http.StatusInternalServerError, err, "registry request failed")
	}
}

// tokenCtrl proxies /token requests to the hub auth server so docker
// clients re-auth through this service.
func (rh *registryHandlers) tokenCtrl(w http.ResponseWriter, r *http.Request) {
	metricProxied.WithLabelValues("token").Inc()
	if err := rh.registrySvc.TokenEndpoint(w, r); err != nil {
		SendErrorJSON(w, r, rh.l, http.StatusInternalServerError, err, "token request failed")
	}
}
