package registry

// Upstream dispatch for classified /v2/ requests and the /token passthrough.

import (
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"
)

// headers meaningful only on a single connection, never forwarded
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

// manifest media types injected into Accept when the client sent none
var manifestAccepts = []string{
	schema2.MediaTypeManifest,
	manifestlist.MediaTypeManifestList,
	ociv1.MediaTypeImageManifest,
	ociv1.MediaTypeImageIndex,
}

var realmRe = regexp.MustCompile(`realm="[^"]*"`)

// copyHeaders copies client headers to the upstream request skipping hop headers.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// Proxy serves a classified /v2/ request: access check, token acquisition,
// upstream round-trip and streamed response with rewritten headers.
// Returns an error only for failures the caller should map to a status, a
// relayed upstream status is not an error.
func (r *Registry) Proxy(w http.ResponseWriter, req *http.Request, parsed ParsedPath) error {
	if parsed.Kind != KindBase {
		if ok, reason := r.policy.CheckDocker(parsed.FullImage()); !ok {
			return &AccessError{Subject: parsed.FullImage(), Reason: reason}
		}
	}

	upstreamURL, err := r.upstreamURL(parsed)
	if err != nil {
		return err
	}

	upReq, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL, req.Body)
	if err != nil {
		return errors.Wrap(err, "failed to create upstream request")
	}

	copyHeaders(upReq.Header, req.Header)

	if parsed.Kind != KindBase {
		if token := r.Token(req.Context(), parsed); token != "" {
			upReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if parsed.Kind == KindManifests && req.Header.Get("Accept") == "" {
		for _, mt := range manifestAccepts {
			upReq.Header.Add("Accept", mt)
		}
	}

	resp, err := r.streamClient.Do(upReq)
	if err != nil {
		return errors.Wrap(err, "upstream registry request failed")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.l.Logf("[DEBUG] failed to close upstream body: %v", closeErr)
		}
	}()

	r.writeResponse(w, req, resp)
	return nil
}

// upstreamURL reconstructs the origin URL for a parsed path.
func (r *Registry) upstreamURL(parsed ParsedPath) (string, error) {
	upstream := hubUpstream
	if parsed.RegistryHost != "" {
		d, ok := r.descriptors[parsed.RegistryHost]
		if !ok {
			return "", errors.Errorf("registry %s is not configured", parsed.RegistryHost)
		}
		upstream = d.Upstream
	}

	var sb strings.Builder
	sb.WriteString(r.scheme + "://")
	sb.WriteString(upstream)
	sb.WriteString("/v2/")

	switch parsed.Kind {
	case KindBase:
		return sb.String(), nil
	case KindManifests:
		sb.WriteString(parsed.ImageName + "/manifests/" + parsed.Reference)
	case KindBlobs:
		sb.WriteString(parsed.ImageName + "/blobs/" + parsed.Reference)
	case KindTags:
		sb.WriteString(parsed.ImageName + "/tags/list")
	}
	return sb.String(), nil
}

// writeResponse relays the upstream answer: headers minus hop and
// www-authenticate (rewritten), upstream status unchanged, body streamed.
func (r *Registry) writeResponse(w http.ResponseWriter, req *http.Request, resp *http.Response) {
	for name, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		if strings.EqualFold(name, "Www-Authenticate") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	if challenge := resp.Header.Get("Www-Authenticate"); challenge != "" {
		w.Header().Set("Www-Authenticate", rewriteAuthChallenge(challenge, proxyBase(req)))
	}

	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body, r.l)
}

// rewriteAuthChallenge replaces the realm of a WWW-Authenticate challenge
// with the proxy's own token endpoint so the docker client reissues auth
// through the proxy, service and scope parameters stay verbatim.
func rewriteAuthChallenge(challenge, base string) string {
	return realmRe.ReplaceAllString(challenge, `realm="`+base+`/token"`)
}

// proxyBase derives the externally visible URL root of this service.
func proxyBase(req *http.Request) string {
	scheme := req.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	host := req.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = req.Host
	}
	return scheme + "://" + host
}

// streamBody copies the upstream body to the client flushing as data
// arrives, large blob downloads must not require full buffering.
func streamBody(w http.ResponseWriter, body io.Reader, l log.L) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				l.Logf("[DEBUG] client write failed: %v", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				l.Logf("[DEBUG] upstream read failed: %v", err)
			}
			return
		}
	}
}

// TokenEndpoint proxies /token requests to the Docker Hub auth server
// passing through all query parameters, service defaults to the hub service.
func (r *Registry) TokenEndpoint(w http.ResponseWriter, req *http.Request) error {
	query := req.URL.Query()
	if query.Get("service") == "" {
		query.Set("service", hubService)
	}

	upReq, err := http.NewRequestWithContext(req.Context(), http.MethodGet, r.hubAuth+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return errors.Wrap(err, "failed to create token request")
	}

	resp, err := r.authClient.Do(upReq)
	if err != nil {
		return errors.Wrap(err, "token endpoint request failed")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.l.Logf("[DEBUG] failed to close token body: %v", closeErr)
		}
	}()

	for name, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body, r.l)
	return nil
}

// AccessError is a denial from the image allow/deny lists.
type AccessError struct {
	Subject string
	Reason  string
}

func (e *AccessError) Error() string {
	return "access denied for " + e.Subject + ": " + e.Reason
}
