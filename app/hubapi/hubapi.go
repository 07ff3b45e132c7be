package hubapi

// Pass-through client for the Docker Hub web API, used by the search and
// tags endpoints. Answers are relayed as-is, successful ones are kept in a
// bounded TTL cache to absorb repeated UI queries.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/zebox/hub-proxy/app/cache"

	log "github.com/go-pkgz/lgr"
)

const (
	defaultBase = "https://hub.docker.com"

	cacheCapacity = 1000
	cacheTTL      = 30 * time.Minute

	requestTimeout = 30 * time.Second
)

// Result is a relayed Hub answer.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// Client queries the Docker Hub web API. Safe for concurrent use.
type Client struct {
	Base    string
	cache   *cache.TTLMap
	httpCli *http.Client
	l       log.L
}

// NewClient creates a hub client with the builtin cache.
func NewClient(l log.L) *Client {
	if l == nil {
		l = log.Default()
	}
	return &Client{
		Base:    defaultBase,
		cache:   cache.NewTTLMap(cacheCapacity, cacheTTL),
		httpCli: &http.Client{Timeout: requestTimeout},
		l:       l,
	}
}

// Search proxies a repository search, page parameters pass through verbatim.
func (c *Client) Search(ctx context.Context, query, page, pageSize string) (Result, error) {
	params := url.Values{}
	params.Set("query", query)
	if page != "" {
		params.Set("page", page)
	}
	if pageSize != "" {
		params.Set("page_size", pageSize)
	}
	return c.fetch(ctx, c.Base+"/v2/search/repositories/?"+params.Encode())
}

// Tags proxies the tag listing of a repository.
func (c *Client) Tags(ctx context.Context, namespace, name, page, pageSize string) (Result, error) {
	params := url.Values{}
	if page != "" {
		params.Set("page", page)
	}
	if pageSize != "" {
		params.Set("page_size", pageSize)
	}
	query := ""
	if encoded := params.Encode(); encoded != "" {
		query = "?" + encoded
	}
	target := fmt.Sprintf("%s/v2/repositories/%s/%s/tags%s",
		c.Base, url.PathEscape(namespace), url.PathEscape(name), query)
	return c.fetch(ctx, target)
}

// fetch relays a Hub URL, successful answers cached by the full URL.
func (c *Client) fetch(ctx context.Context, target string) (Result, error) {
	if v, ok := c.cache.Get(target); ok {
		return v.(Result), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to create hub request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "hub request failed")
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.l.Logf("[DEBUG] failed to close hub response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read hub response")
	}

	res := Result{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}
	if resp.StatusCode == http.StatusOK {
		c.cache.Set(target, res)
	}
	return res, nil
}
