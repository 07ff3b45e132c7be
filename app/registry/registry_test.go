package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebox/hub-proxy/app/access"
)

func TestParseAuthDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    AuthDialect
		wantErr bool
	}{
		{"dockerhub", DialectDockerHub, false},
		{"github", DialectGitHub, false},
		{"GOOGLE", DialectGoogle, false},
		{"quay", DialectQuay, false},
		{"anonymous", DialectAnonymous, false},
		{"", DialectAnonymous, false},
		{"generic", DialectGeneric, false},
		{"bogus", DialectAnonymous, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAuthDialect(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_ParsePath(t *testing.T) {
	r := NewRegistry(Settings{}, nil)

	tests := []struct {
		name    string
		path    string
		want    ParsedPath
		wantErr bool
	}{
		{
			name: "base probe",
			path: "/v2/",
			want: ParsedPath{Kind: KindBase},
		},
		{
			name: "base probe without slash",
			path: "/v2",
			want: ParsedPath{Kind: KindBase},
		},
		{
			name: "unscoped hub image gets library namespace",
			path: "/v2/nginx/manifests/alpine",
			want: ParsedPath{ImageName: "library/nginx", Kind: KindManifests, Reference: "alpine"},
		},
		{
			name: "scoped hub image",
			path: "/v2/grafana/grafana/manifests/latest",
			want: ParsedPath{ImageName: "grafana/grafana", Kind: KindManifests, Reference: "latest"},
		},
		{
			name: "ghcr host stripped and recorded",
			path: "/v2/ghcr.io/owner/image/manifests/v1",
			want: ParsedPath{RegistryHost: "ghcr.io", ImageName: "owner/image", Kind: KindManifests, Reference: "v1"},
		},
		{
			name: "blob by digest",
			path: "/v2/library/nginx/blobs/sha256:0000000000000000000000000000000000000000000000000000000000000000",
			want: ParsedPath{ImageName: "library/nginx", Kind: KindBlobs, Reference: "sha256:0000000000000000000000000000000000000000000000000000000000000000"},
		},
		{
			name: "tags list",
			path: "/v2/nginx/tags/list",
			want: ParsedPath{ImageName: "library/nginx", Kind: KindTags},
		},
		{
			name: "multi-segment quay image",
			path: "/v2/quay.io/prometheus/node-exporter/tags/list",
			want: ParsedPath{RegistryHost: "quay.io", ImageName: "prometheus/node-exporter", Kind: KindTags},
		},
		{
			name:    "unrecognized path",
			path:    "/v2/nginx/unknown/thing",
			wantErr: true,
		},
		{
			name:    "registry host with no image",
			path:    "/v2/ghcr.io",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ParsePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if got.Kind != KindBase {
				assert.NotEmpty(t, got.ImageName)
			}
		})
	}
}

func TestParsedPath_FullImage(t *testing.T) {
	p := ParsedPath{ImageName: "library/nginx"}
	assert.Equal(t, "library/nginx", p.FullImage())

	p = ParsedPath{RegistryHost: "ghcr.io", ImageName: "owner/image"}
	assert.Equal(t, "ghcr.io/owner/image", p.FullImage())
}

func TestParsedPath_IsDigest(t *testing.T) {
	p := ParsedPath{Reference: "sha256:0000000000000000000000000000000000000000000000000000000000000000"}
	assert.True(t, p.IsDigest())
	p = ParsedPath{Reference: "alpine"}
	assert.False(t, p.IsDigest())
}

func TestRegistry_authURL(t *testing.T) {
	r := NewRegistry(Settings{}, nil)
	scope := "repository:library/nginx:pull"

	u, err := r.authURL(Descriptor{Dialect: DialectDockerHub}, scope)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.docker.io/token?service=registry.docker.io&scope="+url.QueryEscape(scope), u)

	u, err = r.authURL(Descriptor{Host: "ghcr.io", Upstream: "ghcr.io", Dialect: DialectGitHub}, "repository:owner/image:pull")
	require.NoError(t, err)
	assert.Equal(t, "https://ghcr.io/token?scope="+url.QueryEscape("repository:owner/image:pull"), u)

	u, err = r.authURL(Descriptor{Host: "gcr.io", Upstream: "gcr.io", Dialect: DialectGoogle}, scope)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://gcr.io/v2/token?scope="))

	u, err = r.authURL(Descriptor{Host: "quay.io", Upstream: "quay.io", Dialect: DialectQuay}, scope)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://quay.io/v2/auth?scope="))

	u, err = r.authURL(Descriptor{Dialect: DialectAnonymous}, scope)
	require.NoError(t, err)
	assert.Empty(t, u)

	_, err = r.authURL(Descriptor{Host: "x", Dialect: DialectGeneric}, scope)
	assert.Error(t, err, "generic dialect requires an endpoint")

	u, err = r.authURL(Descriptor{Host: "x", AuthEndpoint: "https://auth.example/token", Dialect: DialectGeneric}, scope)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://auth.example/token?scope="))
}

func TestRegistry_Token(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "repository:owner/image:pull", r.URL.Query().Get("scope"))
		resp := ClientToken{Token: "test-token"}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"test.example": {Upstream: "test.example", AuthEndpoint: ts.URL, Dialect: DialectGeneric, Enabled: true},
		},
	}, nil)

	parsed := ParsedPath{RegistryHost: "test.example", ImageName: "owner/image", Kind: KindManifests, Reference: "v1"}

	token := r.Token(context.Background(), parsed)
	assert.Equal(t, "test-token", token)
	assert.Equal(t, 1, calls)

	// second call served from cache
	token = r.Token(context.Background(), parsed)
	assert.Equal(t, "test-token", token)
	assert.Equal(t, 1, calls)
}

func TestRegistry_TokenAccessTokenField(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"access_token":"oauth-style"}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"test.example": {Upstream: "test.example", AuthEndpoint: ts.URL, Dialect: DialectGeneric, Enabled: true},
		},
	}, nil)

	token := r.Token(context.Background(), ParsedPath{RegistryHost: "test.example", ImageName: "a/b"})
	assert.Equal(t, "oauth-style", token)
}

func TestRegistry_TokenDegradedOnFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"test.example": {Upstream: "test.example", AuthEndpoint: ts.URL, Dialect: DialectGeneric, Enabled: true},
		},
	}, nil)

	token := r.Token(context.Background(), ParsedPath{RegistryHost: "test.example", ImageName: "a/b"})
	assert.Empty(t, token, "failed token fetch degrades to anonymous")

	// anonymous upstreams never fetch
	token = r.Token(context.Background(), ParsedPath{RegistryHost: "registry.k8s.io", ImageName: "pause"})
	assert.Empty(t, token)
}

func TestRegistry_Proxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/owner/image/manifests/v1", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Accept"), "manifest media types injected")
		assert.Contains(t, r.Header.Values("Accept"), "application/vnd.docker.distribution.manifest.v2+json")
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Header().Set("Docker-Content-Digest", "sha256:abc")
		_, err := w.Write([]byte(`{"schemaVersion":2}`))
		require.NoError(t, err)
	}))
	defer upstream.Close()

	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"test.example": {Upstream: upstream.Listener.Addr().String(), Dialect: DialectAnonymous, Enabled: true},
		},
		Insecure: true,
	}, nil)

	req := httptest.NewRequest("GET", "http://proxy.example/v2/test.example/owner/image/manifests/v1", http.NoBody)
	parsed, err := r.ParsePath(req.URL.Path)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	require.NoError(t, r.Proxy(w, req, parsed))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.docker.distribution.manifest.v2+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "sha256:abc", w.Header().Get("Docker-Content-Digest"))
	assert.Equal(t, `{"schemaVersion":2}`, w.Body.String())
}

func TestRegistry_ProxyAccessDenied(t *testing.T) {
	policy, err := access.NewPolicy(access.Lists{DockerDeny: []string{"ghcr.io/banned/*"}})
	require.NoError(t, err)

	r := NewRegistry(Settings{AccessPolicy: policy}, nil)

	req := httptest.NewRequest("GET", "http://proxy.example/v2/ghcr.io/banned/image/manifests/v1", http.NoBody)
	parsed, err := r.ParsePath(req.URL.Path)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	err = r.Proxy(w, req, parsed)
	require.Error(t, err)
	var accessErr *AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, access.ReasonInDenyList, accessErr.Reason)
}

func TestRegistry_ProxyRelaysUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"test.example": {Upstream: upstream.Listener.Addr().String(), Dialect: DialectAnonymous, Enabled: true},
		},
		Insecure: true,
	}, nil)

	req := httptest.NewRequest("GET", "http://proxy.example/v2/test.example/library/nginx/manifests/latest", http.NoBody)
	req.Host = "proxy.example"
	req.Header.Set("X-Forwarded-Proto", "https")

	parsed, err := r.ParsePath(req.URL.Path)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	require.NoError(t, r.Proxy(w, req, parsed))

	assert.Equal(t, http.StatusUnauthorized, w.Code, "upstream status relayed unchanged")
	challenge := w.Header().Get("Www-Authenticate")
	assert.Contains(t, challenge, `realm="https://proxy.example/token"`)
	assert.Contains(t, challenge, `service="registry.docker.io"`)
	assert.Contains(t, challenge, `scope="repository:library/nginx:pull"`)
}

func TestRewriteAuthChallenge(t *testing.T) {
	in := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`
	out := rewriteAuthChallenge(in, "https://proxy.example")
	assert.Equal(t, `Bearer realm="https://proxy.example/token",service="registry.docker.io",scope="repository:library/nginx:pull"`, out)

	// no realm is left untouched
	assert.Equal(t, "Basic", rewriteAuthChallenge("Basic", "https://proxy.example"))
}

func TestProxyBase(t *testing.T) {
	req := httptest.NewRequest("GET", "http://x/", http.NoBody)
	req.Host = "proxy.example"
	assert.Equal(t, "https://proxy.example", proxyBase(req), "scheme defaults to https")

	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set("X-Forwarded-Host", "public.example")
	assert.Equal(t, "http://public.example", proxyBase(req))
}

func TestRegistry_TokenEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "registry.docker.io", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:library/nginx:pull", r.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"token":"hub-token"}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	r := NewRegistry(Settings{}, nil)
	r.hubAuth = ts.URL

	req := httptest.NewRequest("GET", "http://proxy.example/token?scope=repository:library/nginx:pull", http.NoBody)
	w := httptest.NewRecorder()
	require.NoError(t, r.TokenEndpoint(w, req))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"token":"hub-token"}`, w.Body.String())
}

func TestNewRegistry_Descriptors(t *testing.T) {
	r := NewRegistry(Settings{
		Registries: map[string]Descriptor{
			"ghcr.io":      {Host: "ghcr.io", Upstream: "mirror.example", Dialect: DialectGitHub, Enabled: true},
			"disabled.io":  {Dialect: DialectAnonymous, Enabled: false},
			"private.corp": {AuthEndpoint: "https://auth.private.corp/token", Dialect: DialectGeneric, Enabled: true},
		},
		TokenCacheTTL: 5 * time.Minute,
	}, nil)

	assert.Equal(t, "mirror.example", r.descriptors["ghcr.io"].Upstream, "override replaces default")
	_, ok := r.descriptors["disabled.io"]
	assert.False(t, ok, "disabled registries dropped")

	d := r.descriptors["private.corp"]
	assert.Equal(t, "private.corp", d.Host, "host defaults to the map key")
	assert.Equal(t, "private.corp", d.Upstream)

	_, ok = r.descriptors["quay.io"]
	assert.True(t, ok, "defaults survive the merge")
}
