package pagedfetch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/ingest/go/scholparse"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

const testScholarID = "AbCdEfGhIjKl"

func pageHTML(titles []string, showMore bool, articlesRange string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="gsc_prf_in">Test Scholar</div><table id="gsc_a_t">`)
	for i, title := range titles {
		fmt.Fprintf(&b, `<tr class="gsc_a_tr"><td><a class="gsc_a_at" href="/citations?citation_for_view=u:%s%d">%s</a>`+
			`<div class="gs_gray">A Author</div><div class="gs_gray">Venue</div></td>`+
			`<td><a class="gsc_a_ac" href="#">%d</a></td><td><span class="gsc_a_h">2020</span></td></tr>`,
			title, i, title, i+1)
	}
	b.WriteString(`</table>`)
	if articlesRange != "" {
		fmt.Fprintf(&b, `<span id="gsc_a_nn">%s</span>`, articlesRange)
	}
	if showMore {
		b.WriteString(`<button id="gsc_bpf_more">Show more</button>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func okRes(body string) scholsource.FetchResult {
	return scholsource.FetchResult{StatusCode: 200, FinalURL: "https://scholar.google.com/citations", Body: body}
}

func netErrRes() scholsource.FetchResult {
	return scholsource.FetchResult{Err: "dial tcp: i/o timeout"}
}

// fakeSource pops queued results per cstart; the last result repeats.
type fakeSource struct {
	pages map[int][]scholsource.FetchResult
	calls []int
}

func (f *fakeSource) FetchProfilePage(ctx context.Context, scholarID string, cstart, pageSize int) scholsource.FetchResult {
	f.calls = append(f.calls, cstart)
	q := f.pages[cstart]
	if len(q) == 0 {
		return scholsource.FetchResult{Err: "no canned page for cstart " + fmt.Sprint(cstart)}
	}
	r := q[0]
	if len(q) > 1 {
		f.pages[cstart] = q[1:]
	}
	return r
}

func (f *fakeSource) FetchAuthorSearch(ctx context.Context, query string, start int) scholsource.FetchResult {
	return scholsource.FetchResult{Err: "unexpected author search"}
}

type fakeProber struct {
	status types.RunStatus
}

func (p *fakeProber) GetRunStatus(ctx context.Context, runID int64) (types.RunStatus, error) {
	return p.status, nil
}

func testPolicy() Policy {
	return Policy{
		PageSize:             100,
		MaxPages:             5,
		NetworkErrorRetries:  2,
		RateLimitRetries:     1,
		NetworkBackoffBase:   100 * time.Millisecond,
		RateLimitBackoffBase: 50 * time.Millisecond,
		RequestDelay:         10 * time.Millisecond,
	}
}

func noSleep(f *Fetcher) *[]time.Duration {
	var sleeps []time.Duration
	f.SetSleepForTesting(func(ctx context.Context, d time.Duration) {
		sleeps = append(sleeps, d)
	})
	return &sleeps
}

func TestFetchAll_SinglePage(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta", "gamma"}, false, ""))},
	}}
	f := New(src, nil)
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, scholparse.StateOK, res.FirstPage.State)
	assert.Len(t, res.Publications, 3)
	assert.Equal(t, 1, res.PagesFetched)
	assert.Nil(t, res.ContinuationCstart)
	assert.False(t, res.HasMoreRemaining)
	assert.Empty(t, res.TruncatedReason)
	assert.NotEmpty(t, res.FirstPageFingerprint)
}

func TestFetchAll_FollowsShowMore(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta"}, true, "1-2"))},
		2: {okRes(pageHTML([]string{"gamma"}, false, "3-3"))},
	}}
	f := New(src, nil)
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, src.calls)
	assert.Len(t, res.Publications, 3)
	assert.Equal(t, 2, res.PagesFetched)
	assert.Nil(t, res.ContinuationCstart)
}

func TestFetchAll_DedupsAcrossPages(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta"}, true, "1-2"))},
		2: {okRes(pageHTML([]string{"beta", "gamma"}, false, ""))},
	}}
	f := New(src, nil)
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	titles := make([]string, 0, len(res.Publications))
	for _, p := range res.Publications {
		titles = append(titles, p.Title)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, titles)
}

func TestFetchAll_MaxPagesTruncates(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta"}, true, "1-2"))},
	}}
	f := New(src, nil)
	noSleep(f)

	pol := testPolicy()
	pol.MaxPages = 1
	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, TruncatedMaxPages, res.TruncatedReason)
	require.NotNil(t, res.ContinuationCstart)
	assert.Equal(t, 2, *res.ContinuationCstart)
	assert.True(t, res.HasMoreRemaining)
	assert.Len(t, res.Publications, 2)
}

func TestFetchAll_ShortCircuitOnUnchangedFingerprint(t *testing.T) {
	body := pageHTML([]string{"alpha"}, false, "")
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{0: {okRes(body)}}}
	f := New(src, nil)
	noSleep(f)

	first, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.FirstPageFingerprint)

	second, err := f.FetchAll(context.Background(), testScholarID, 0, first.FirstPageFingerprint, 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.True(t, second.SkippedNoChange)
	assert.Empty(t, second.Publications)
	assert.Equal(t, first.FirstPageFingerprint, second.FirstPageFingerprint)
}

func TestFetchAll_NoShortCircuitWhenResuming(t *testing.T) {
	body := pageHTML([]string{"alpha"}, false, "")
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{20: {okRes(body)}}}
	f := New(src, nil)
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 20, "some-old-fingerprint", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.False(t, res.SkippedNoChange)
	assert.Len(t, res.Publications, 1)
}

func TestFetchAll_NetworkErrorRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {netErrRes(), okRes(pageHTML([]string{"alpha"}, false, ""))},
	}}
	f := New(src, nil)
	sleeps := noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, scholparse.StateOK, res.FirstPage.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, res.AttemptLog, 2)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, *sleeps)
}

func TestFetchAll_NetworkErrorExhaustsRetries(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {netErrRes()},
	}}
	f := New(src, nil)
	sleeps := noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, scholparse.StateNetworkError, res.FirstPage.State)
	assert.Equal(t, 3, res.Attempts)
	// Exponential: base, then base*2.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)
	// Network failures keep their cursor so a continuation can resume.
	require.NotNil(t, res.ContinuationCstart)
	assert.Equal(t, 0, *res.ContinuationCstart)
}

func TestFetchAll_RateLimitedLinearBackoff(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {
			{StatusCode: 429, Body: "slow down"},
			{StatusCode: 429, Body: "slow down"},
		},
	}}
	f := New(src, nil)
	sleeps := noSleep(f)

	pol := testPolicy()
	pol.RateLimitRetries = 1
	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, scholparse.StateBlocked, res.FirstPage.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, *sleeps)
	// Blocked pages are not resumable at a cursor.
	assert.Nil(t, res.ContinuationCstart)
}

func TestFetchAll_LayoutErrorBecomesLayoutChangedState(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes("<html><body>nothing scholar-like here</body></html>")},
	}}
	f := New(src, nil)
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, scholparse.StateLayoutChanged, res.FirstPage.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.ContinuationCstart)
	assert.Empty(t, res.FirstPageFingerprint)
}

func TestFetchAll_CancellationBetweenPages(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta"}, true, "1-2"))},
	}}
	f := New(src, &fakeProber{status: types.RunStatusCanceled})
	noSleep(f)

	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 42, nil, testPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, TruncatedRunCanceled, res.TruncatedReason)
	require.NotNil(t, res.ContinuationCstart)
	assert.Equal(t, 0, *res.ContinuationCstart)
	assert.Len(t, res.Publications, 2)
	// Only the first page was ever fetched.
	assert.Equal(t, []int{0}, src.calls)
}

func TestFetchAll_OnPageErrorAborts(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha"}, true, "1-1"))},
	}}
	f := New(src, nil)
	noSleep(f)

	boom := fmt.Errorf("db down")
	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, testPolicy(),
		func(ctx context.Context, cstart int, page *scholparse.ParsedProfilePage, accepted []scholparse.PublicationCandidate) error {
			return boom
		})
	require.Error(t, err)
	assert.Equal(t, TruncatedIngestionError, res.TruncatedReason)
}

func TestFetchAll_PageStateTruncation(t *testing.T) {
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta"}, true, "1-2"))},
		2: {netErrRes()},
	}}
	f := New(src, nil)
	noSleep(f)

	pol := testPolicy()
	pol.NetworkErrorRetries = 0
	res, err := f.FetchAll(context.Background(), testScholarID, 0, "", 0, nil, pol, nil)
	require.NoError(t, err)
	assert.Equal(t, "page_state_network_error", res.TruncatedReason)
	require.NotNil(t, res.ContinuationCstart)
	assert.Equal(t, 2, *res.ContinuationCstart)
	assert.Len(t, res.Publications, 2)
}

func TestNextCstart(t *testing.T) {
	page := &scholparse.ParsedProfilePage{ArticlesRange: "21–40"}
	assert.Equal(t, 40, nextCstart(page, 20))

	page = &scholparse.ParsedProfilePage{Publications: make([]scholparse.PublicationCandidate, 7)}
	assert.Equal(t, 27, nextCstart(page, 20))
}
