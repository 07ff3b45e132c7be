package registry

// Bearer token acquisition for upstream pulls. A registry that requires
// authentication answers 401 with a WWW-Authenticate header pointing at its
// token service. This proxy doesn't wait for the challenge on its own
// requests, it knows the auth dialect of each configured upstream and fetches
// a pull-scoped token up front. Details on the handshake:
// https://docs.docker.com/registry/spec/auth/token/

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// ClientToken is a Bearer token representing authorized access for a client.
// Auth servers return it either as "token" or, for OAuth 2.0 compatibility,
// as "access_token"; both fields may appear and should then be equivalent.
type ClientToken struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (ct ClientToken) value() string {
	if ct.Token != "" {
		return ct.Token
	}
	return ct.AccessToken
}

// pullScope builds the repository pull scope negotiated with the auth server.
func pullScope(image string) string {
	return fmt.Sprintf("repository:%s:pull", image)
}

// tokenCacheKey keys tokens by upstream and scope, Docker Hub entries are
// stored under "dockerhub".
func tokenCacheKey(registryHost, scope string) string {
	if registryHost == "" {
		registryHost = "dockerhub"
	}
	return registryHost + "|" + scope
}

// authURL builds the token endpoint URL for an upstream by its dialect.
func (r *Registry) authURL(d Descriptor, scope string) (string, error) {
	switch d.Dialect {
	case DialectDockerHub:
		return fmt.Sprintf("%s?service=%s&scope=%s", r.hubAuth, hubService, url.QueryEscape(scope)), nil
	case DialectGitHub:
		return fmt.Sprintf("https://%s/token?scope=%s", d.Upstream, url.QueryEscape(scope)), nil
	case DialectGoogle:
		return fmt.Sprintf("https://%s/v2/token?scope=%s", d.Upstream, url.QueryEscape(scope)), nil
	case DialectQuay:
		return fmt.Sprintf("https://%s/v2/auth?scope=%s", d.Upstream, url.QueryEscape(scope)), nil
	case DialectAnonymous:
		return "", nil
	case DialectGeneric:
		if d.AuthEndpoint == "" {
			return "", errors.Errorf("registry %s has generic auth dialect without auth endpoint", d.Host)
		}
		return fmt.Sprintf("%s?scope=%s", d.AuthEndpoint, url.QueryEscape(scope)), nil
	}
	return "", errors.Errorf("unsupported auth dialect %d", d.Dialect)
}

// Token returns a pull token for the parsed image, empty string when the
// upstream is anonymous or the fetch failed. A failed fetch is degraded, not
// fatal: the caller proceeds unauthenticated and relays the origin's 401.
func (r *Registry) Token(ctx context.Context, parsed ParsedPath) string {
	descriptor := Descriptor{Dialect: DialectDockerHub}
	if parsed.RegistryHost != "" {
		d, ok := r.descriptors[parsed.RegistryHost]
		if !ok {
			return ""
		}
		descriptor = d
	}

	if descriptor.Dialect == DialectAnonymous {
		return ""
	}

	scope := pullScope(parsed.ImageName)
	key := tokenCacheKey(parsed.RegistryHost, scope)

	if !r.tokensOff {
		if v, ok := r.tokens.Get(key); ok {
			return v.(string)
		}
	}

	token, err := r.fetchToken(ctx, descriptor, scope)
	if err != nil {
		r.l.Logf("[WARN] token fetch failed for scope %s: %v", scope, err)
		return ""
	}
	if token == "" {
		return ""
	}

	if !r.tokensOff {
		r.tokens.SetWithTTL(key, token, tokenTTL)
	}
	return token
}

// fetchToken performs the auth server round-trip. The token is acquired into
// a local first and published to the cache by the caller, no request blocks
// holding the cache lock. A non-2xx answer yields an empty token.
func (r *Registry) fetchToken(ctx context.Context, d Descriptor, scope string) (string, error) {
	authURL, err := r.authURL(d, scope)
	if err != nil || authURL == "" {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to create token request")
	}

	resp, err := r.authClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.l.Logf("[DEBUG] failed to close token response body: %v", closeErr)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		r.l.Logf("[DEBUG] auth server %s answered %d for scope %s", authURL, resp.StatusCode, scope)
		return "", nil
	}

	var ct ClientToken
	if err = json.NewDecoder(resp.Body).Decode(&ct); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	return ct.value(), nil
}
