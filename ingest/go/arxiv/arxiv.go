// Package arxiv is a client for the arXiv OpenSearch Atom API. Responses
// are parsed once and cached as JSON through the shared feed cache. The
// service-wide cooldown is honored: requests made while arXiv is cooling
// down fail fast with a RateLimitError instead of sleeping.
package arxiv

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
)

const (
	// DefaultBaseURL is the public arXiv query endpoint.
	DefaultBaseURL = "https://export.arxiv.org/api/query"

	// DefaultMaxResults bounds one query when the caller does not say.
	DefaultMaxResults = 10

	maxBodyBytes = 8 << 20
)

// RateLimitError indicates arXiv is rate limiting us, either via an HTTP
// response or via the persisted service cooldown. Until is zero when the
// retry horizon is unknown.
type RateLimitError struct {
	Until time.Time
}

func (e *RateLimitError) Error() string {
	if e.Until.IsZero() {
		return "arxiv rate limited"
	}
	return fmt.Sprintf("arxiv rate limited until %s", e.Until.Format(time.RFC3339))
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Feed is one parsed OpenSearch Atom response.
type Feed struct {
	TotalResults int     `xml:"http://a9.com/-/spec/opensearch/1.1/ totalResults" json:"total_results"`
	StartIndex   int     `xml:"http://a9.com/-/spec/opensearch/1.1/ startIndex" json:"start_index"`
	ItemsPerPage int     `xml:"http://a9.com/-/spec/opensearch/1.1/ itemsPerPage" json:"items_per_page"`
	Entries      []Entry `xml:"entry" json:"entries"`
}

// Entry is one paper in the feed.
type Entry struct {
	ID              string     `xml:"id" json:"id"`
	Title           string     `xml:"title" json:"title"`
	Summary         string     `xml:"summary" json:"summary"`
	Published       string     `xml:"published" json:"published"`
	DOI             string     `xml:"http://arxiv.org/schemas/atom doi" json:"doi,omitempty"`
	Authors         []Author   `xml:"author" json:"authors"`
	Links           []Link     `xml:"link" json:"links"`
	Categories      []Category `xml:"category" json:"categories"`
	PrimaryCategory Category   `xml:"http://arxiv.org/schemas/atom primary_category" json:"primary_category"`
}

// Author is one author name on an entry.
type Author struct {
	Name string `xml:"name" json:"name"`
}

// Link is one alternate/related link on an entry.
type Link struct {
	Href  string `xml:"href,attr" json:"href"`
	Rel   string `xml:"rel,attr" json:"rel"`
	Type  string `xml:"type,attr" json:"type"`
	Title string `xml:"title,attr" json:"title"`
}

// Category is one subject classification.
type Category struct {
	Term string `xml:"term,attr" json:"term"`
}

var versionSuffixRE = regexp.MustCompile(`v\d+$`)

// ArxivID extracts the bare arXiv id from the entry's abs URL, dropping
// any version suffix. Returns "" when the id is not recognizable.
func (e Entry) ArxivID() string {
	id := e.ID
	if i := strings.Index(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	} else if strings.HasPrefix(id, "http") {
		return ""
	}
	return versionSuffixRE.ReplaceAllString(id, "")
}

// PDFURL returns the entry's PDF link, or "".
func (e Entry) PDFURL() string {
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			return l.Href
		}
	}
	return ""
}

// CleanTitle collapses the newline-wrapped whitespace arXiv puts in
// titles.
func (e Entry) CleanTitle() string {
	return strings.Join(strings.Fields(e.Title), " ")
}

// Client talks to arXiv. Safe for concurrent use.
type Client struct {
	client  *http.Client
	baseURL string
	mailto  string
	cache   *feedcache.Cache
}

// New returns a Client. The mailto address identifies the operator in the
// User-Agent per arXiv's API terms; cache may be nil to disable caching,
// coalescing, and the cooldown gate.
func New(client *http.Client, baseURL, mailto string, cache *feedcache.Cache) *Client {
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
		cache:   cache,
	}
}

// Search runs a search_query lookup.
func (c *Client) Search(ctx context.Context, query string, start, maxResults int) (*Feed, error) {
	params := map[string]interface{}{
		"search_query": query,
		"start":        start,
		"max_results":  maxResults,
	}
	return c.query(ctx, params)
}

// FetchByIDs looks up specific papers via the id_list parameter.
func (c *Client) FetchByIDs(ctx context.Context, ids []string) (*Feed, error) {
	params := map[string]interface{}{
		"id_list":     ids,
		"start":       0,
		"max_results": len(ids),
	}
	return c.query(ctx, params)
}

func (c *Client) query(ctx context.Context, params map[string]interface{}) (*Feed, error) {
	if c.cache == nil {
		payload, err := c.fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		return decodeFeed(payload)
	}
	key := feedcache.BuildQueryFingerprint(params)
	payload, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch(ctx, params)
	})
	if err != nil {
		var cd *feedcache.CooldownError
		if errors.As(err, &cd) {
			return nil, &RateLimitError{Until: cd.Until}
		}
		return nil, err
	}
	return decodeFeed(payload)
}

// fetch performs the HTTP request and converts the Atom body to the JSON
// form the feed cache persists.
func (c *Client) fetch(ctx context.Context, params map[string]interface{}) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	q := u.Query()
	for k, v := range params {
		switch val := v.(type) {
		case string:
			q.Set(k, val)
		case []string:
			q.Set(k, strings.Join(val, ","))
		case int:
			q.Set(k, strconv.Itoa(val))
		default:
			q.Set(k, fmt.Sprintf("%v", val))
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if c.mailto != "" {
		req.Header.Set("User-Agent", "scholarhound/1.0 (mailto:"+c.mailto+")")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching arxiv feed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to parsing below.
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		c.noteBlocked(ctx)
		return nil, &RateLimitError{Until: now.Now(ctx).Add(retryAfter(resp))}
	default:
		return nil, skerr.Fmt("arxiv query returned HTTP %d", resp.StatusCode)
	}

	var feed Feed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, skerr.Wrapf(err, "decoding arxiv atom feed")
	}
	c.noteOK(ctx)
	encoded, err := json.Marshal(&feed)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return encoded, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func decodeFeed(payload json.RawMessage) (*Feed, error) {
	var feed Feed
	if err := json.Unmarshal(payload, &feed); err != nil {
		return nil, skerr.Wrapf(err, "decoding cached arxiv feed")
	}
	return &feed, nil
}

func (c *Client) noteOK(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.NoteOK(ctx); err != nil {
		sklog.Warningf("Failed to record arxiv success: %s", err)
	}
}

func (c *Client) noteBlocked(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.NoteBlocked(ctx); err != nil {
		sklog.Warningf("Failed to record arxiv block: %s", err)
	}
}
