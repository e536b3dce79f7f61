package pdffind

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDirectPDF(t *testing.T) {
	assert.True(t, IsDirectPDF("https://example.org/papers/attention.pdf"))
	assert.True(t, IsDirectPDF("https://example.org/papers/attention.PDF"))
	assert.True(t, IsDirectPDF("https://arxiv.org/pdf/1706.03762"))
	assert.True(t, IsDirectPDF("https://example.org/download?file=paper.pdf"))
	assert.False(t, IsDirectPDF("https://example.org/abs/1706.03762"))
	assert.False(t, IsDirectPDF("https://example.org/paper.html"))
	assert.False(t, IsDirectPDF("://bad url"))
}

func TestFindReturnsDirectURLWithoutFetching(t *testing.T) {
	got, err := Find(context.Background(), nil, "https://example.org/x.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x.pdf", got)
}

func TestFindViaCitationMetaTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head>
			<meta name="citation_pdf_url" content="https://cdn.example.org/full.pdf">
			</head><body><a href="/other.pdf">mirror</a></body></html>`))
	}))
	defer srv.Close()

	got, err := Find(context.Background(), srv.Client(), srv.URL+"/abs/1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.org/full.pdf", got)
}

func TestFindViaAnchorResolvesRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<a href="/about">About</a>
			<a href="files/paper.pdf">Download PDF</a>
			</body></html>`))
	}))
	defer srv.Close()

	got, err := Find(context.Background(), srv.Client(), srv.URL+"/papers/view")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/papers/files/paper.pdf", got)
}

func TestFindContentTypePDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	got, err := Find(context.Background(), srv.Client(), srv.URL+"/doc")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/doc", got)
}

func TestFindNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>No downloads here.</p></body></html>`))
	}))
	defer srv.Close()

	got, err := Find(context.Background(), srv.Client(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestFindErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Find(context.Background(), srv.Client(), srv.URL+"/gone")
	assert.Error(t, err)
}
