package arxiv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/store/memstore"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

const atomBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:opensearch="http://a9.com/-/spec/opensearch/1.1/" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <opensearch:totalResults>218</opensearch:totalResults>
  <opensearch:startIndex>0</opensearch:startIndex>
  <opensearch:itemsPerPage>1</opensearch:itemsPerPage>
  <entry>
    <id>http://arxiv.org/abs/1706.03762v7</id>
    <title>Attention Is All
 You Need</title>
    <summary>The dominant sequence transduction models...</summary>
    <published>2017-06-12T17:57:34Z</published>
    <author><name>Ashish Vaswani</name></author>
    <author><name>Noam Shazeer</name></author>
    <link href="http://arxiv.org/abs/1706.03762v7" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/1706.03762v7" rel="related" type="application/pdf"/>
    <category term="cs.CL"/>
    <category term="cs.LG"/>
    <arxiv:primary_category term="cs.CL"/>
  </entry>
</feed>`

func TestSearchParsesAtomFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all:attention", r.URL.Query().Get("search_query"))
		assert.Equal(t, "0", r.URL.Query().Get("start"))
		assert.Equal(t, "1", r.URL.Query().Get("max_results"))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atomBody))
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "ops@scholarhound.org", nil)
	feed, err := c.Search(context.Background(), "all:attention", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 218, feed.TotalResults)
	assert.Equal(t, 0, feed.StartIndex)
	assert.Equal(t, 1, feed.ItemsPerPage)
	require.Len(t, feed.Entries, 1)

	e := feed.Entries[0]
	assert.Equal(t, "http://arxiv.org/abs/1706.03762v7", e.ID)
	assert.Equal(t, "Attention Is All You Need", e.CleanTitle())
	assert.Equal(t, "1706.03762", e.ArxivID())
	assert.Equal(t, "http://arxiv.org/pdf/1706.03762v7", e.PDFURL())
	assert.Equal(t, []Author{{Name: "Ashish Vaswani"}, {Name: "Noam Shazeer"}}, e.Authors)
	assert.Equal(t, "cs.CL", e.PrimaryCategory.Term)
	require.Len(t, e.Categories, 2)
}

func TestSearchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "ops@scholarhound.org", nil)
	_, err := c.Search(context.Background(), "all:x", 0, 1)
	assert.True(t, IsRateLimit(err))
}

func TestSearchFailsFastDuringCooldown(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(atomBody))
	}))
	defer srv.Close()

	m := memstore.New()
	ttc := now.TimeTravelingContext(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	until := now.Now(ttc).Add(time.Hour)
	require.NoError(t, m.UpsertState(ttc, &types.RuntimeState{StateKey: "arxiv", CooldownUntil: &until}))

	cache := feedcache.New("arxiv", m, m, feedcache.Options{TTL: time.Hour, RatePerSec: 1000, Burst: 10})
	c := New(srv.Client(), srv.URL, "ops@scholarhound.org", cache)

	_, err := c.Search(ttc, "all:x", 0, 1)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, until, rl.Until)
	assert.Zero(t, calls)
}

func TestFetchByIDsCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "1706.03762,2101.00001", r.URL.Query().Get("id_list"))
		_, _ = w.Write([]byte(atomBody))
	}))
	defer srv.Close()

	m := memstore.New()
	cache := feedcache.New("arxiv", m, m, feedcache.Options{TTL: time.Hour, RatePerSec: 1000, Burst: 10})
	c := New(srv.Client(), srv.URL, "ops@scholarhound.org", cache)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		feed, err := c.FetchByIDs(ctx, []string{"1706.03762", "2101.00001"})
		require.NoError(t, err)
		require.Len(t, feed.Entries, 1)
	}
	assert.Equal(t, 1, calls)
}

func TestArxivIDUnrecognized(t *testing.T) {
	e := Entry{ID: "http://example.com/not-arxiv"}
	assert.Equal(t, "", e.ArxivID())
	// Old-style ids keep their subject prefix.
	e = Entry{ID: "http://arxiv.org/abs/math/0211159v1"}
	assert.Equal(t, "math/0211159", e.ArxivID())
}
