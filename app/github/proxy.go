package github

// Streaming proxy for GitHub and Hugging Face downloads. Redirect chains are
// walked by hand so that content gating applies to the final answer only,
// webpage content types are refused, oversize payloads cut off before any
// byte is transferred, and install scripts get their download URLs rewritten
// to point back through the proxy.

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zebox/hub-proxy/app/access"

	log "github.com/go-pkgz/lgr"
)

const maxRedirects = 20

// response header timeout keeps a dead upstream from hanging the walk, the
// body itself streams with no overall deadline
const responseHeaderTimeout = 30 * time.Second

// content types refused on successful GETs, the proxy accelerates downloads
// and is not a browsing relay
var blockedTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
	"text/xml":              {},
	"application/xml":       {},
}

// browser policy headers dropped from relayed answers
var policyHeaders = []string{
	"Content-Security-Policy",
	"Referrer-Policy",
	"Strict-Transport-Security",
}

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

var scriptURLRe = regexp.MustCompile(`https?://(?:github\.com|raw\.githubusercontent\.com)/\S+`)

// HTTPError carries the status and reason for a refused request.
type HTTPError struct {
	Code   int
	Reason string
}

func (e *HTTPError) Error() string { return e.Reason }

// Proxy is the GitHub/HF acceleration instance.
type Proxy struct {
	fileSizeLimit int64
	policy        *access.Policy
	client        *http.Client
	l             log.L
}

// NewProxy creates the proxy. outboundProxy optionally routes upstream
// traffic through a forward proxy URL.
func NewProxy(fileSizeLimit int64, policy *access.Policy, outboundProxy string, l log.L) (*Proxy, error) {
	if l == nil {
		l = log.Default()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: responseHeaderTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if outboundProxy != "" {
		proxyURL, err := url.Parse(outboundProxy)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid outbound proxy url %q", outboundProxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Proxy{
		fileSizeLimit: fileSizeLimit,
		policy:        policy,
		client: &http.Client{
			Transport: transport,
			// redirects are walked manually
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		l: l,
	}, nil
}

// Serve handles a fallback request. The raw request URI carries the upstream
// URL. Returns an *HTTPError for refusals the caller maps onto the response,
// nil once the answer has been (or started being) relayed.
func (p *Proxy) Serve(w http.ResponseWriter, req *http.Request) error {
	target, ok := Classify(NormalizeRawURL(req.RequestURI))
	if !ok {
		return &HTTPError{Code: http.StatusForbidden, Reason: "invalid input"}
	}

	if allowed, reason := p.policy.CheckGitHub(target.Subject); !allowed {
		return &HTTPError{Code: http.StatusForbidden, Reason: reason}
	}

	resp, err := p.walk(req, target.URL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.l.Logf("[DEBUG] failed to close upstream body: %v", closeErr)
		}
	}()

	// content gating applies to successful GET answers only
	if req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if gateErr := p.gate(resp); gateErr != nil {
			return gateErr
		}
	}

	p.relay(w, req, resp)
	return nil
}

// walk issues the upstream request and follows Location answers by hand, the
// chain bounded at maxRedirects hops.
func (p *Proxy) walk(req *http.Request, targetURL string) (*http.Response, error) {
	current := targetURL
	var body io.Reader = http.NoBody
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
	}

	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, &HTTPError{Code: http.StatusLoopDetected, Reason: "too many redirects"}
		}

		upReq, err := http.NewRequestWithContext(req.Context(), req.Method, current, body)
		if err != nil {
			return nil, &HTTPError{Code: http.StatusBadRequest, Reason: "malformed upstream url"}
		}
		// the original body is consumed on the first hop
		body = http.NoBody

		if hop == 0 {
			copyRequestHeaders(upReq.Header, req.Header)
		}

		resp, err := p.client.Do(upReq)
		if err != nil {
			p.l.Logf("[WARN] upstream request to %s failed: %v", current, err)
			return nil, &HTTPError{Code: http.StatusInternalServerError, Reason: "upstream request failed"}
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			if location != "" {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.l.Logf("[DEBUG] failed to close redirect body: %v", closeErr)
				}
				if next, resolveErr := resolveLocation(current, location); resolveErr == nil {
					current = next
					continue
				}
				return nil, &HTTPError{Code: http.StatusInternalServerError, Reason: "bad redirect location"}
			}
		}
		return resp, nil
	}
}

// gate refuses webpage content types and payloads over the size cap.
func (p *Proxy) gate(resp *http.Response) *HTTPError {
	contentType := resp.Header.Get("Content-Type")
	if idx := strings.IndexAny(contentType, "; "); idx >= 0 {
		contentType = contentType[:idx]
	}
	if _, blocked := blockedTypes[strings.ToLower(contentType)]; blocked {
		return &HTTPError{Code: http.StatusForbidden, Reason: "content type not allowed, webpages are not proxied"}
	}

	if p.fileSizeLimit > 0 && resp.ContentLength > p.fileSizeLimit {
		return &HTTPError{
			Code:   http.StatusRequestEntityTooLarge,
			Reason: "file exceeds the size limit of " + humanSize(p.fileSizeLimit),
		}
	}
	return nil
}

// relay copies the answer to the client. Install scripts are buffered and
// their github download URLs rewritten through the proxy, everything else
// streams with flushing.
func (p *Proxy) relay(w http.ResponseWriter, req *http.Request, resp *http.Response) {
	for name, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		if isPolicyHeader(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	if isScriptPath(resp.Request.URL.Path) {
		p.relayRewrittenScript(w, req, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				p.l.Logf("[DEBUG] client write failed: %v", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				p.l.Logf("[DEBUG] upstream read failed: %v", err)
			}
			return
		}
	}
}

// relayRewrittenScript buffers the whole body (bounded by the size gate),
// points every github download URL back through the proxy and sends the
// result in one piece without a stale Content-Length.
func (p *Proxy) relayRewrittenScript(w http.ResponseWriter, req *http.Request, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.l.Logf("[WARN] failed to read script body: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	base := proxyBase(req)
	rewritten := scriptURLRe.ReplaceAllFunc(body, func(m []byte) []byte {
		return append([]byte(base+"/"), m...)
	})

	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err = w.Write(rewritten); err != nil {
		p.l.Logf("[DEBUG] client write failed: %v", err)
	}
}

// copyRequestHeaders forwards client headers minus the per-connection set.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isPolicyHeader(name string) bool {
	for _, h := range policyHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// isScriptPath reports whether the final request path is an install script.
func isScriptPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".sh") || strings.HasSuffix(lower, ".ps1")
}

// resolveLocation resolves a possibly relative Location against the current URL.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	next, err := base.Parse(location)
	if err != nil {
		return "", err
	}
	return next.String(), nil
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

func humanSize(n int64) string {
	const unit = int64(1024)
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
