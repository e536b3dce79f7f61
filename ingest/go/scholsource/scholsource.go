// Package scholsource performs raw HTTP fetches against Google Scholar.
// It knows nothing about HTML; it hands bodies to the parser along with
// the status code and the terminal URL after redirects, which the parser
// needs to detect sign-in bounces. Transport failures never escape as
// errors, they are folded into the FetchResult.
package scholsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"go.scholarhound.org/scholarhound/go/util"
)

const (
	// DefaultBaseURL is the production Scholar endpoint.
	DefaultBaseURL = "https://scholar.google.com"

	// DefaultPageSize is the largest page Scholar will serve.
	DefaultPageSize = 100

	// maxBodyBytes caps how much of a response we will buffer. Scholar
	// profile pages are well under 1 MiB.
	maxBodyBytes = 4 << 20
)

// userAgents is rotated round-robin across requests.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// FetchResult is the outcome of one fetch. StatusCode is zero and Err
// non-empty when the request never produced an HTTP response.
type FetchResult struct {
	RequestedURL string
	StatusCode   int
	FinalURL     string
	Body         string
	Err          string
}

// Failed reports whether the fetch failed at the transport level.
func (r FetchResult) Failed() bool {
	return r.Err != ""
}

// Client fetches Scholar pages. The paged fetcher accepts any
// implementation; tests inject one returning canned results.
type Client interface {
	// FetchProfilePage fetches one page of a scholar's publication list.
	FetchProfilePage(ctx context.Context, scholarID string, cstart, pageSize int) FetchResult

	// FetchAuthorSearch fetches one page of author-search results.
	FetchAuthorSearch(ctx context.Context, query string, start int) FetchResult
}

// HTTPClient is the production Client.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	next    uint64
}

// New returns an HTTPClient fetching from baseURL, or the production
// endpoint when baseURL is empty. The supplied http.Client must follow
// redirects and must not be restricted to 2xx responses; retry policy
// belongs to the paged fetcher, not the transport.
func New(client *http.Client, baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		client:  client,
		baseURL: baseURL,
	}
}

// FetchProfilePage implements Client.
func (c *HTTPClient) FetchProfilePage(ctx context.Context, scholarID string, cstart, pageSize int) FetchResult {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	v := url.Values{}
	v.Set("user", scholarID)
	v.Set("hl", "en")
	v.Set("oe", "UTF-8")
	v.Set("cstart", strconv.Itoa(cstart))
	v.Set("pagesize", strconv.Itoa(pageSize))
	return c.fetch(ctx, fmt.Sprintf("%s/citations?%s", c.baseURL, v.Encode()))
}

// FetchAuthorSearch implements Client.
func (c *HTTPClient) FetchAuthorSearch(ctx context.Context, query string, start int) FetchResult {
	v := url.Values{}
	v.Set("view_op", "search_authors")
	v.Set("mauthors", query)
	v.Set("hl", "en")
	v.Set("astart", strconv.Itoa(start))
	return c.fetch(ctx, fmt.Sprintf("%s/citations?%s", c.baseURL, v.Encode()))
}

func (c *HTTPClient) nextUserAgent() string {
	n := atomic.AddUint64(&c.next, 1)
	return userAgents[int(n)%len(userAgents)]
}

func (c *HTTPClient) fetch(ctx context.Context, u string) FetchResult {
	res := FetchResult{RequestedURL: u}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	req.Header.Set("User-Agent", c.nextUserAgent())
	req.Header.Set("Accept-Language", "en")
	resp, err := c.client.Do(req)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	defer util.Close(resp.Body)
	res.StatusCode = resp.StatusCode
	res.FinalURL = resp.Request.URL.String()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Err = fmt.Sprintf("reading response body: %s", err)
		return res
	}
	res.Body = string(body)
	return res
}

// Assert HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
