package httputils

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackOffTransport_RetriesServerErrors(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &BackOffConfig{
		initialInterval:     time.Millisecond,
		maxInterval:         5 * time.Millisecond,
		maxElapsedTime:      time.Second,
		randomizationFactor: 0,
		backOffMultiplier:   2,
	}
	client := &http.Client{Transport: NewConfiguredBackOffTransport(cfg, http.DefaultTransport)}
	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestBackOffTransport_DoesNotRetryClientErrors(t *testing.T) {
	var calls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	cfg := &BackOffConfig{
		initialInterval:     time.Millisecond,
		maxInterval:         5 * time.Millisecond,
		maxElapsedTime:      time.Second,
		randomizationFactor: 0,
		backOffMultiplier:   2,
	}
	client := &http.Client{Transport: NewConfiguredBackOffTransport(cfg, http.DefaultTransport)}
	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestResponse2xxOnly_ErrorsOnNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer ts.Close()

	client := DefaultClientConfig().WithoutRetries().With2xxOnly().Client()
	_, err := client.Get(ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestHealthz(t *testing.T) {
	h := Healthz(http.NotFoundHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
