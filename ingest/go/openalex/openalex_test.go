package openalex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/store/memstore"
)

const worksBody = `{
  "results": [
    {
      "id": "https://openalex.org/W2741809807",
      "ids": {"doi": "https://doi.org/10.5555/3295222", "pmid": "", "pmcid": ""},
      "title": "Attention Is All You Need",
      "publication_year": 2017,
      "cited_by_count": 90000,
      "open_access": {"is_oa": true, "oa_url": "https://arxiv.org/pdf/1706.03762"},
      "authorships": [{"author": {"id": "https://openalex.org/A1", "display_name": "Ashish Vaswani"}}]
    }
  ]
}`

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "Attention Is All You Need", SanitizeTitle("Attention Is All You Need!"))
	assert.Equal(t, "BERT pre training of deep transformers", SanitizeTitle("BERT: pre-training of   deep transformers"))
	assert.Equal(t, "", SanitizeTitle("!!!"))
}

func TestBuildTitleFilter(t *testing.T) {
	got := BuildTitleFilter([]string{"First: one", "", "Second, two"})
	assert.Equal(t, "First one|Second two", got)
}

func TestSearchWorksByTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "title.search:attention is all you need", r.URL.Query().Get("filter"))
		assert.Equal(t, "25", r.URL.Query().Get("per-page"))
		assert.Equal(t, "ops@example.org", r.URL.Query().Get("mailto"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(worksBody))
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "ops@example.org", "", nil)
	works, err := c.SearchWorksByTitle(context.Background(), "attention is all you need", 0)
	require.NoError(t, err)
	require.Len(t, works, 1)
	w := works[0]
	assert.Equal(t, "https://openalex.org/W2741809807", w.ID)
	assert.Equal(t, "https://doi.org/10.5555/3295222", w.IDs.DOI)
	assert.Equal(t, 2017, w.PublicationYear)
	assert.Equal(t, 90000, w.CitedByCount)
	assert.True(t, w.OpenAccess.IsOA)
	assert.Equal(t, "Ashish Vaswani", w.Authorships[0].Author.DisplayName)
}

func TestSearchWorksByTitle_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "", "", nil)
	_, err := c.SearchWorksByTitle(context.Background(), "anything", 10)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}

func TestSearchWorksByTitle_BudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining-Day", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "", "", nil)
	_, err := c.SearchWorksByTitle(context.Background(), "anything", 10)
	var be *BudgetExhaustedError
	require.ErrorAs(t, err, &be)
}

func TestSearchWorksByTitle_CachesResponse(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(worksBody))
	}))
	defer srv.Close()

	m := memstore.New()
	cache := feedcache.New("openalex", m, m, feedcache.Options{TTL: time.Hour, RatePerSec: 1000, Burst: 10})
	c := New(srv.Client(), srv.URL, "", "", cache)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		works, err := c.SearchWorksByTitle(ctx, "attention is all you need", 25)
		require.NoError(t, err)
		require.Len(t, works, 1)
	}
	assert.Equal(t, 1, calls)
}
