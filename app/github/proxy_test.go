package github

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebox/hub-proxy/app/access"
)

// rewriteTransport sends every upstream request to the test server keeping
// the original path and query.
type rewriteTransport struct {
	server *httptest.Server
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.server.URL)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	return t.server.Client().Transport.RoundTrip(req)
}

func newTestProxy(t *testing.T, ts *httptest.Server, fileSize int64, policy *access.Policy) *Proxy {
	p, err := NewProxy(fileSize, policy, "", nil)
	require.NoError(t, err)
	p.client.Transport = &rewriteTransport{server: ts}
	return p
}

func TestProxy_ServeStreams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/a/b/releases/download/v1/f.zip", r.URL.Path)
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Upstream", "yes")
		_, err := w.Write([]byte("zip-bytes"))
		require.NoError(t, err)
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 1<<30, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/f.zip", http.NoBody)
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "zip-bytes", w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Empty(t, w.Header().Get("Content-Security-Policy"), "browser policy headers dropped")
}

func TestProxy_ServeClientHeadersForwarded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token xyz", r.Header.Get("Authorization"))
		assert.NotEqual(t, "client.example", r.Host, "host header not forwarded")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 0, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/f.bin", http.NoBody)
	req.Host = "client.example"
	req.Header.Set("Authorization", "token xyz")
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProxy_ServeRedirectWalk(t *testing.T) {
	var mux http.ServeMux
	ts := httptest.NewServer(&mux)
	defer ts.Close()

	mux.HandleFunc("/a/b/releases/download/v1/f.bin", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/cdn/f.bin", http.StatusFound)
	})
	mux.HandleFunc("/cdn/f.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("final-bytes"))
	})

	p := newTestProxy(t, ts, 1<<30, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/f.bin", http.NoBody)
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "final-bytes", w.Body.String())
}

func TestProxy_ServeRedirectLoop(t *testing.T) {
	var count int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", count), http.StatusFound)
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 0, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/f.bin", http.NoBody)
	w := httptest.NewRecorder()
	err := p.Serve(w, req)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusLoopDetected, httpErr.Code)
	assert.Equal(t, "too many redirects", httpErr.Reason)
	assert.LessOrEqual(t, count, maxRedirects+1, "walk terminates within the hop cap")
}

func TestProxy_ServeBlocksHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 0, nil)

	req := httptest.NewRequest("GET", "/https://raw.githubusercontent.com/a/b/main/index.html", http.NoBody)
	w := httptest.NewRecorder()
	err := p.Serve(w, req)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Contains(t, httpErr.Reason, "content type not allowed")
}

func TestProxy_ServeBlocksOversize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "2048")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 1024, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/big.bin", http.NoBody)
	w := httptest.NewRecorder()
	err := p.Serve(w, req)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, httpErr.Code)
	assert.Contains(t, httpErr.Reason, "size limit")
}

func TestProxy_ServeRejectsUnclassified(t *testing.T) {
	p, err := NewProxy(0, nil, "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/https://github.com/a/b", http.NoBody)
	w := httptest.NewRecorder()
	err = p.Serve(w, req)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Equal(t, "invalid input", httpErr.Reason)
}

func TestProxy_ServeAccessDenied(t *testing.T) {
	policy, err := access.NewPolicy(access.Lists{GitHubAllow: []string{"good/*"}})
	require.NoError(t, err)

	p, err := NewProxy(0, policy, "", nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/https://github.com/evil/b/releases/download/v1/f.zip", http.NoBody)
	w := httptest.NewRecorder()
	err = p.Serve(w, req)
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Equal(t, access.ReasonNotInAllowList, httpErr.Reason)
}

func TestProxy_ServeRewritesInstallScript(t *testing.T) {
	script := "#!/bin/sh\ncurl -sSL https://github.com/a/b/releases/download/v1/x.bin -o x.bin\n" +
		"wget https://raw.githubusercontent.com/a/b/main/setup.sh\n" +
		"echo https://example.com/unrelated\n"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/x-shellscript")
		w.Header().Set("Content-Length", fmt.Sprint(len(script)))
		_, _ = w.Write([]byte(script))
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 1<<20, nil)

	req := httptest.NewRequest("GET", "/https://raw.githubusercontent.com/a/b/main/install.sh", http.NoBody)
	req.Host = "proxy.example"
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "https://proxy.example/https://github.com/a/b/releases/download/v1/x.bin")
	assert.Contains(t, body, "https://proxy.example/https://raw.githubusercontent.com/a/b/main/setup.sh")
	assert.Contains(t, body, "https://example.com/unrelated\n")
	assert.NotContains(t, body, "proxy.example/https://example.com")
	assert.Empty(t, w.Header().Get("Content-Length"), "stale length dropped after rewrite")
}

func TestProxy_ServeRelaysUpstreamStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 0, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/gone.bin", http.NoBody)
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))
	assert.Equal(t, http.StatusNotFound, w.Code, "upstream errors pass through unchanged")
}

func TestProxy_ServeHTMLOnErrorStatusPasses(t *testing.T) {
	// gating applies to successful answers only, an upstream 404 page relays
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	p := newTestProxy(t, ts, 0, nil)

	req := httptest.NewRequest("GET", "/https://github.com/a/b/releases/download/v1/gone.bin", http.NoBody)
	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(w, req))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIsScriptPath(t *testing.T) {
	assert.True(t, isScriptPath("/a/b/install.sh"))
	assert.True(t, isScriptPath("/a/b/Install.SH"))
	assert.True(t, isScriptPath("/a/b/setup.ps1"))
	assert.False(t, isScriptPath("/a/b/archive.tar.gz"))
	assert.False(t, isScriptPath("/a/b/shell"))
}

func TestNewProxy_OutboundProxy(t *testing.T) {
	_, err := NewProxy(0, nil, "http://forward.example:3128", nil)
	require.NoError(t, err)

	_, err = NewProxy(0, nil, "://bad", nil)
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.0 KiB", humanSize(1024))
	assert.True(t, strings.HasSuffix(humanSize(2<<30), "GiB"))
}
