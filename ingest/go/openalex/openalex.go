// Package openalex is a minimal client for the OpenAlex works API,
// covering the title-search filter the enrichment pipeline uses. Results
// go through the shared feed cache, so concurrent lookups for the same
// filter coalesce and the politeness limiter is honored.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
)

const (
	// DefaultBaseURL is the public OpenAlex API endpoint.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultPerPage is how many works one search returns at most.
	DefaultPerPage = 25

	maxBodyBytes = 8 << 20
)

// RateLimitedError indicates an ordinary 429: the caller should sleep and
// retry later in the same pass.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("openalex rate limited; retry after %s", e.RetryAfter)
}

// BudgetExhaustedError indicates the daily request quota is spent; the
// caller should stop enriching until tomorrow.
type BudgetExhaustedError struct{}

func (e *BudgetExhaustedError) Error() string {
	return "openalex daily request budget exhausted"
}

// Work is one result from the works endpoint.
type Work struct {
	ID              string       `json:"id"`
	IDs             WorkIDs      `json:"ids"`
	Title           string       `json:"title"`
	PublicationYear int          `json:"publication_year"`
	CitedByCount    int          `json:"cited_by_count"`
	OpenAccess      OpenAccess   `json:"open_access"`
	Authorships     []Authorship `json:"authorships"`
}

// WorkIDs carries the external identifiers OpenAlex knows for a work.
type WorkIDs struct {
	DOI   string `json:"doi"`
	PMID  string `json:"pmid"`
	PMCID string `json:"pmcid"`
}

// OpenAccess describes the open-access status of a work.
type OpenAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}

// Authorship is one author attribution on a work.
type Authorship struct {
	Author Author `json:"author"`
}

// Author identifies one OpenAlex author.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type worksResponse struct {
	Results []Work `json:"results"`
}

// Client talks to OpenAlex. Safe for concurrent use.
type Client struct {
	client  *http.Client
	baseURL string
	mailto  string
	apiKey  string
	cache   *feedcache.Cache
}

// New returns a Client. The mailto address is sent with every request per
// the OpenAlex polite-pool convention; cache may be nil to disable
// caching and coalescing.
func New(client *http.Client, baseURL, mailto, apiKey string, cache *feedcache.Cache) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		baseURL: baseURL,
		mailto:  mailto,
		apiKey:  apiKey,
		cache:   cache,
	}
}

var nonWordRE = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)

// SanitizeTitle strips filter-breaking punctuation from a title so it can
// be embedded in a title.search filter value.
func SanitizeTitle(title string) string {
	cleaned := nonWordRE.ReplaceAllString(title, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// BuildTitleFilter joins sanitized titles into one title.search filter
// value. Empty titles are skipped.
func BuildTitleFilter(titles []string) string {
	parts := make([]string, 0, len(titles))
	for _, t := range titles {
		if s := SanitizeTitle(t); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "|")
}

// SearchWorksByTitle queries works matching the given title.search filter
// value. Returns *RateLimitedError or *BudgetExhaustedError on the two
// 429 variants.
func (c *Client) SearchWorksByTitle(ctx context.Context, titleFilter string, perPage int) ([]Work, error) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if c.cache == nil {
		body, err := c.fetchWorks(ctx, titleFilter, perPage)
		if err != nil {
			return nil, err
		}
		return decodeWorks(body)
	}
	key := feedcache.BuildQueryFingerprint(map[string]interface{}{
		"endpoint":     "works",
		"search_query": titleFilter,
		"per_page":     perPage,
	})
	payload, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return c.fetchWorks(ctx, titleFilter, perPage)
	})
	if err != nil {
		return nil, err
	}
	return decodeWorks(payload)
}

func (c *Client) fetchWorks(ctx context.Context, titleFilter string, perPage int) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + "/works")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	q := u.Query()
	q.Set("filter", "title.search:"+titleFilter)
	q.Set("per-page", strconv.Itoa(perPage))
	if c.mailto != "" {
		q.Set("mailto", c.mailto)
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.mailto != "" {
		req.Header.Set("User-Agent", fmt.Sprintf("scholarhound (mailto:%s)", c.mailto))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching openalex works")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		c.noteOK(ctx)
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.noteBlocked(ctx)
		if isBudgetExhausted(resp, body) {
			return nil, &BudgetExhaustedError{}
		}
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	default:
		return nil, skerr.Fmt("openalex works returned HTTP %d", resp.StatusCode)
	}
}

// isBudgetExhausted distinguishes the daily-quota 429 from the ordinary
// per-second one.
func isBudgetExhausted(resp *http.Response, body []byte) bool {
	if resp.Header.Get("X-RateLimit-Remaining-Day") == "0" {
		return true
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "daily") || strings.Contains(lower, "quota")
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func decodeWorks(body json.RawMessage) ([]Work, error) {
	var parsed worksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, skerr.Wrapf(err, "decoding openalex works response")
	}
	return parsed.Results, nil
}

func (c *Client) noteOK(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.NoteOK(ctx); err != nil {
		sklog.Warningf("Failed to record openalex success: %s", err)
	}
}

func (c *Client) noteBlocked(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.NoteBlocked(ctx); err != nil {
		sklog.Warningf("Failed to record openalex block: %s", err)
	}
}
