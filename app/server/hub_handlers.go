package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/zebox/hub-proxy/app/hubapi"
)

// hubHandlers implement controllers for the docker hub search and tags passthrough
type hubHandlers struct {
	endpointsHandler
	hub *hubapi.Client
}

// searchCtrl relays GET /search?q=|query=[&page][&page_size]
func (hh *hubHandlers) searchCtrl(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		query = r.URL.Query().Get("query")
	}
	if query == "" {
		SendErrorJSON(w, r, hh.l, http.StatusBadRequest, errors.New("query undefined"), "'q' or 'query' parameter required")
		return
	}

	res, err := hh.hub.Search(r.Context(), query, r.URL.Query().Get("page"), r.URL.Query().Get("page_size"))
	if err != nil {
		SendErrorJSON(w, r, hh.l, http.StatusInternalServerError, err, "hub search failed")
		return
	}
	hh.writeResult(w, res)
}

// tagsCtrl relays GET /tags?namespace=&name=[&page][&page_size]
func (hh *hubHandlers) tagsCtrl(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	name := r.URL.Query().Get("name")
	if namespace == "" || name == "" {
		SendErrorJSON(w, r, hh.l, http.StatusBadRequest, errors.New("target undefined"), "'namespace' and 'name' parameters required")
		return
	}
	hh.serveTags(w, r, namespace, name)
}

// tagsPathCtrl relays GET /tags/:namespace/*name. When the namespace is
// "library" and the wildcard still contains a slash, the first segment of
// the wildcard is the real namespace. Compatibility wart kept bit-exact for
// clients relying on the old path form.
func (hh *hubHandlers) tagsPathCtrl(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	name := strings.Trim(chi.URLParam(r, "*"), "/")

	if namespace == "library" && strings.Contains(name, "/") {
		parts := strings.SplitN(name, "/", 2)
		namespace, name = parts[0], parts[1]
	}

	if name == "" {
		SendErrorJSON(w, r, hh.l, http.StatusBadRequest, errors.New("target undefined"), "image name required")
		return
	}
	hh.serveTags(w, r, namespace, name)
}

func (hh *hubHandlers) serveTags(w http.ResponseWriter, r *http.Request, namespace, name string) {
	res, err := hh.hub.Tags(r.Context(), namespace, name, r.URL.Query().Get("page"), r.URL.Query().Get("page_size"))
	if err != nil {
		SendErrorJSON(w, r, hh.l, http.StatusInternalServerError, err, "hub tags request failed")
		return
	}
	hh.writeResult(w, res)
}

func (hh *hubHandlers) writeResult(w http.ResponseWriter, res hubapi.Result) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		hh.l.Logf("[DEBUG] failed to write hub response: %v", err)
	}
}
