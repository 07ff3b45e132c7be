package server

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/handlers"
	"github.com/pkg/errors"

	"github.com/zebox/hub-proxy/app/github"
	"github.com/zebox/hub-proxy/app/hubapi"
	"github.com/zebox/hub-proxy/app/limiter"
	"github.com/zebox/hub-proxy/app/registry"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
)

//go:embed web
var webAssets embed.FS

// paths served without rate accounting
var exemptPaths = map[string]struct{}{
	"/":            {},
	"/favicon.ico": {},
	"/search.html": {},
	"/images.html": {},
}

// Server the main service instance
type Server struct {
	Hostname  string
	Listen    string // listen on host:port scope
	Port      int    // main service port, 8080 by default in the options
	AccessLog io.Writer
	L         log.L

	Limiter   *limiter.Limiter
	Registry  *registry.Registry
	GitHub    *github.Proxy
	Hub       *hubapi.Client
	Version   string
	StartTime time.Time

	ctx        context.Context
	httpServer *http.Server
	lock       sync.Mutex
}

// responseMessage is the uniform error response pattern
type responseMessage struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Run activates the rest server, returns on listen failure or shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	if s.Listen == "*" {
		s.Listen = ""
	}

	if s.Registry == nil || s.GitHub == nil {
		return errors.New("registry and github proxy instances required")
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now()
	}

	log.Printf("[INFO] activate http proxy server on %s:%d", s.Listen, s.Port)

	s.lock.Lock()
	s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.routes())
	s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
	s.lock.Unlock()

	return s.httpServer.ListenAndServe()
}

// Shutdown http server instance
func (s *Server) Shutdown() {
	log.Print("[WARN] shutdown proxy server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.lock.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] http shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown http server completed")
	}
	s.lock.Unlock()
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Throttle(1000), middleware.RealIP, R.Recoverer(log.Default()))
	router.Use(accessLogHandler(s.AccessLog))
	router.Use(s.rateLimitHandler)

	// static pages and assets, always exempt from accounting
	router.Get("/", s.fileCtrl("web/index.html", "text/html; charset=utf-8"))
	router.Get("/search.html", s.fileCtrl("web/search.html", "text/html; charset=utf-8"))
	router.Get("/images.html", s.fileCtrl("web/images.html", "text/html; charset=utf-8"))
	router.Get("/favicon.ico", s.fileCtrl("web/favicon.ico", "image/x-icon"))
	router.Handle("/public/*", s.publicCtrl())

	rdh := readyHandlers{endpointsHandler{l: s.L}, s.Version, s.StartTime}
	router.Get("/ready", rdh.readyCtrl)

	// hub web API passthrough, throttled per-route on top of the bucket gate
	hh := hubHandlers{endpointsHandler{l: s.L}, s.Hub}
	router.Group(func(r chi.Router) {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		})
		r.Use(corsMiddleware.Handler)
		r.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(10, nil)), middleware.NoCache)

		r.Get("/search", hh.searchCtrl)
		r.Get("/tags", hh.tagsCtrl)
		r.Get("/tags/{namespace}/*", hh.tagsPathCtrl)
	})

	// registry v2 proxy and the token endpoint
	rh := registryHandlers{endpointsHandler{l: s.L}, s.Registry}
	router.HandleFunc("/v2", rh.proxyCtrl)
	router.HandleFunc("/v2/*", rh.proxyCtrl)
	router.HandleFunc("/token", rh.tokenCtrl)
	router.HandleFunc("/token/*", rh.tokenCtrl)

	// every other path falls through to the github/hf accelerator
	gh := githubHandlers{endpointsHandler{l: s.L}, s.GitHub}
	router.NotFound(gh.proxyCtrl)
	router.MethodNotAllowed(gh.proxyCtrl)

	return router
}

// rateLimitHandler runs the admission sequence before routing, exempt paths
// skip accounting entirely.
func (s *Server) rateLimitHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || isExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := limiter.ClientIP(r)
		switch s.Limiter.Allow(ip) {
		case limiter.Denied:
			metricDenied.Inc()
			renderPlainError(w, http.StatusForbidden, "access denied")
			return
		case limiter.Limited:
			metricRateLimited.Inc()
			renderPlainError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isExemptPath(path string) bool {
	if _, ok := exemptPaths[path]; ok {
		return true
	}
	return strings.HasPrefix(path, "/public/")
}

// fileCtrl serves a single embedded asset.
func (s *Server) fileCtrl(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := webAssets.ReadFile(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		if _, err = w.Write(data); err != nil {
			s.L.Logf("[DEBUG] failed to write static asset: %v", err)
		}
	}
}

// publicCtrl serves the /public/* asset tree.
func (s *Server) publicCtrl() http.Handler {
	sub, err := fs.Sub(webAssets, "web/public")
	if err != nil {
		// embedded tree is fixed at build time
		panic(err)
	}
	return http.StripPrefix("/public/", http.FileServer(http.FS(sub)))
}

// accessLogHandler the handler will log all request for access to the server
func accessLogHandler(wr io.Writer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if wr == nil {
			return next
		}
		return handlers.CombinedLoggingHandler(wr, next)
	}
}

func (s *Server) makeHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// no write timeout, blob and archive downloads stream for as long
		// as they need
		IdleTimeout: 30 * time.Second,
	}
}
