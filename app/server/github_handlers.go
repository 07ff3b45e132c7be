package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/zebox/hub-proxy/app/github"
)

// githubHandlers implement the catch-all controller for the github/hf accelerator
type githubHandlers struct {
	endpointsHandler
	proxy *github.Proxy
}

// proxyCtrl handles every path no other route claimed, the request URI
// itself carries the upstream URL.
func (gh *githubHandlers) proxyCtrl(w http.ResponseWriter, r *http.Request) {
	metricProxied.WithLabelValues("github").Inc()

	err := gh.proxy.Serve(w, r)
	if err == nil {
		return
	}

	var httpErr *github.HTTPError
	if errors.As(err, &httpErr) {
		SendErrorJSON(w, r, gh.l, httpErr.Code, errors.New("request refused"), httpErr.Reason)
		return
	}
	SendErrorJSON(w, r, gh.l, http.StatusInternalServerError, err, "proxy request failed")
}
