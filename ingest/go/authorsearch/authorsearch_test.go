package authorsearch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/store/memstore"
)

const searchBody = `<html><body><div id="gsc_sa_ccl">
<div class="gsc_1usr">
  <img src="/avatar.jpg">
  <h3 class="gs_ai_name"><a href="/citations?hl=en&user=AbCdEfGhIjKl">Ada Lovelace</a></h3>
  <div class="gs_ai_aff">Analytical Engines Ltd</div>
  <div class="gs_ai_cby">Cited by 1234</div>
</div>
</div></body></html>`

type fakeSource struct {
	calls   int
	results []scholsource.FetchResult
}

func (f *fakeSource) FetchProfilePage(ctx context.Context, scholarID string, cstart, pageSize int) scholsource.FetchResult {
	panic("not used")
}

func (f *fakeSource) FetchAuthorSearch(ctx context.Context, query string, start int) scholsource.FetchResult {
	res := f.results[f.calls%len(f.results)]
	f.calls++
	return res
}

func okFetch(body string) scholsource.FetchResult {
	return scholsource.FetchResult{
		RequestedURL: "https://scholar.google.com/citations?view_op=search_authors",
		FinalURL:     "https://scholar.google.com/citations?view_op=search_authors",
		StatusCode:   200,
		Body:         body,
	}
}

func newSearcher(src scholsource.Client, opts feedcache.Options) (*Searcher, *memstore.MemStores) {
	m := memstore.New()
	return New(src, feedcache.New(Service, m, m, opts)), m
}

func TestSearch_ParsesAndCaches(t *testing.T) {
	src := &fakeSource{results: []scholsource.FetchResult{okFetch(searchBody)}}
	s, _ := newSearcher(src, feedcache.Options{TTL: time.Hour, RatePerSec: 1000})
	ctx := context.Background()

	res, err := s.Search(ctx, "ada lovelace", 0)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "AbCdEfGhIjKl", res.Candidates[0].ScholarID)
	assert.Equal(t, "Ada Lovelace", res.Candidates[0].Name)
	assert.False(t, res.HasNextPage)

	// The second identical query is served from cache.
	res, err = s.Search(ctx, "ada lovelace", 0)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 1, src.calls)

	// Whitespace and case changes hash to the same key.
	_, err = s.Search(ctx, "  Ada   LOVELACE ", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	// A different page is a different key.
	_, err = s.Search(ctx, "ada lovelace", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestSearch_BlockedTripsCooldown(t *testing.T) {
	src := &fakeSource{results: []scholsource.FetchResult{{
		RequestedURL: "https://scholar.google.com/citations",
		FinalURL:     "https://scholar.google.com/citations",
		StatusCode:   429,
		Body:         "slow down",
	}}}
	s, _ := newSearcher(src, feedcache.Options{
		TTL:               time.Hour,
		RatePerSec:        1000,
		CooldownThreshold: 1,
		Cooldown:          10 * time.Minute,
	})
	ctx := now.TimeTravelingContext(time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC))

	_, err := s.Search(ctx, "blocked query", 0)
	require.Error(t, err)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)

	// The cooldown now rejects any query without touching Scholar.
	_, err = s.Search(ctx, "another query", 0)
	require.Error(t, err)
	var cooldown *feedcache.CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, 1, src.calls)
}

func TestSearch_NoResultsIsNotAnError(t *testing.T) {
	src := &fakeSource{results: []scholsource.FetchResult{
		okFetch(`<html><body><div id="gsc_sa_ccl"></div></body></html>`),
	}}
	s, _ := newSearcher(src, feedcache.Options{TTL: time.Hour, RatePerSec: 1000})

	res, err := s.Search(context.Background(), "nobody at all", 0)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}
