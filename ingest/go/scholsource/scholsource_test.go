package scholsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchProfilePage_BuildsURLAndReturnsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AbCdEfGhIjKl", r.URL.Query().Get("user"))
		assert.Equal(t, "20", r.URL.Query().Get("cstart"))
		assert.Equal(t, "100", r.URL.Query().Get("pagesize"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<html>profile</html>"))
	}))
	defer ts.Close()

	c := New(ts.Client(), ts.URL)
	res := c.FetchProfilePage(context.Background(), "AbCdEfGhIjKl", 20, 100)
	require.False(t, res.Failed())
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<html>profile</html>", res.Body)
}

func TestFetchProfilePage_ReportsFinalURLAfterRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/citations", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/signin", http.StatusFound)
	})
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sign in"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.Client(), ts.URL)
	res := c.FetchProfilePage(context.Background(), "AbCdEfGhIjKl", 0, 100)
	require.False(t, res.Failed())
	assert.Equal(t, ts.URL+"/signin", res.FinalURL)
}

func TestFetchAuthorSearch_BuildsURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "search_authors", r.URL.Query().Get("view_op"))
		assert.Equal(t, "ada lovelace", r.URL.Query().Get("mauthors"))
		assert.Equal(t, "10", r.URL.Query().Get("astart"))
		_, _ = w.Write([]byte("results"))
	}))
	defer ts.Close()

	c := New(ts.Client(), ts.URL)
	res := c.FetchAuthorSearch(context.Background(), "ada lovelace", 10)
	require.False(t, res.Failed())
	assert.Equal(t, "results", res.Body)
}

func TestFetch_TransportErrorDoesNotEscape(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	c := New(http.DefaultClient, ts.URL)
	res := c.FetchProfilePage(context.Background(), "AbCdEfGhIjKl", 0, 100)
	assert.True(t, res.Failed())
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Err)
}

func TestFetch_Non2xxIsNotAnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer ts.Close()

	c := New(ts.Client(), ts.URL)
	res := c.FetchProfilePage(context.Background(), "AbCdEfGhIjKl", 0, 100)
	require.False(t, res.Failed())
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "slow down", res.Body)
}
