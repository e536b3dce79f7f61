// Package authorsearch finds Scholar profiles by author name. Search
// results go through the shared feed cache so repeated queries do not hit
// Scholar again, and a blocked response trips the service cooldown rather
// than being retried.
package authorsearch

import (
	"context"
	"encoding/json"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/scholparse"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
)

// Service is the feed cache service name for author search.
const Service = "scholar_author_search"

// BlockedError is returned when Scholar blocks the search request itself.
// The caller should surface it as a temporary condition, not retry.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "author search blocked: " + e.Reason
}

// Result is what one search returns, cached as JSON.
type Result struct {
	Query       string                      `json:"query"`
	Start       int                         `json:"start"`
	Candidates  []scholparse.AuthorCandidate `json:"candidates"`
	HasNextPage bool                        `json:"has_next_page"`
}

// Searcher performs cached author searches.
type Searcher struct {
	src   scholsource.Client
	cache *feedcache.Cache
}

// New returns a Searcher fetching through src and caching in cache.
func New(src scholsource.Client, cache *feedcache.Cache) *Searcher {
	return &Searcher{src: src, cache: cache}
}

// Search returns the author candidates for the query, from cache when
// possible. A feedcache.CooldownError is returned without fetching while
// the service cooldown is active.
func (s *Searcher) Search(ctx context.Context, query string, start int) (*Result, error) {
	key := feedcache.BuildQueryFingerprint(map[string]interface{}{
		"search_query": query,
		"astart":       start,
	})
	payload, err := s.cache.GetOrFetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		res := s.src.FetchAuthorSearch(ctx, query, start)
		page, err := scholparse.ParseAuthorSearchPage(res)
		if err != nil {
			return nil, err
		}
		switch page.State {
		case scholparse.StateBlocked:
			if err := s.cache.NoteBlocked(ctx); err != nil {
				sklog.Errorf("Recording blocked author search: %s", err)
			}
			return nil, &BlockedError{Reason: page.StateReason}
		case scholparse.StateNetworkError:
			return nil, skerr.Fmt("author search network failure: %s", page.StateReason)
		}
		if err := s.cache.NoteOK(ctx); err != nil {
			sklog.Errorf("Recording author search success: %s", err)
		}
		out := Result{
			Query:       query,
			Start:       start,
			Candidates:  page.Candidates,
			HasNextPage: page.HasNextPage,
		}
		return json.Marshal(out)
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var out Result
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, skerr.Wrapf(err, "decoding cached author search for %q", query)
	}
	return &out, nil
}
