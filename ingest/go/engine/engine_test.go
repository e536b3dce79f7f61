package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/ingest/go/enrich"
	"go.scholarhound.org/scholarhound/ingest/go/openalex"
	"go.scholarhound.org/scholarhound/ingest/go/pagedfetch"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/store/memstore"
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

func testConfig() Config {
	return Config{
		MaxPagesPerScholar:       3,
		NetworkErrorRetries:      2,
		NetworkRetryBackoff:      time.Millisecond,
		RateLimitRetries:         1,
		RateLimitRetryBackoff:    time.Millisecond,
		ContinuationQueueEnabled: true,
		ContinuationBaseDelay:    time.Minute,
	}
}

func newTestEngine(m *memstore.MemStores, src scholsource.Client, resolver Resolver) *Engine {
	f := pagedfetch.New(src, m)
	f.SetSleepForTesting(func(ctx context.Context, d time.Duration) {})
	e := New(m.Stores(), f, runevents.New(), resolver, testConfig())
	e.SetSleepForTesting(func(ctx context.Context, d time.Duration) {})
	e.SetSpawnForTesting(func(f func()) { f() })
	return e
}

func seedUserAndScholar(m *memstore.MemStores) (int64, int64) {
	userID := m.PutUser(types.User{IsActive: true})
	scholarID := m.PutScholar(types.ScholarProfile{
		UserID:    userID,
		ScholarID: testScholarID,
		IsEnabled: true,
	})
	return userID, scholarID
}

func TestStartRun_FreshScholarSinglePage(t *testing.T) {
	m := memstore.New()
	userID, scholarID := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha", "beta", "gamma"}, false, ""))},
	}}
	e := newTestEngine(m, src, nil)

	res, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, res.Status)
	assert.Equal(t, 1, res.ScholarCount)
	assert.Equal(t, 1, res.SucceededCount)
	assert.Equal(t, 3, res.NewPublicationCount)

	run, err := m.GetRun(context.Background(), res.CrawlRunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, 3, run.NewPubCount)
	require.NotNil(t, run.EndDT)

	sch, err := m.GetScholar(context.Background(), scholarID)
	require.NoError(t, err)
	assert.True(t, sch.BaselineCompleted)
	assert.NotEmpty(t, sch.LastInitialPageFingerprint)
	assert.Equal(t, types.OutcomeSuccess, sch.LastRunStatus)
	assert.Equal(t, "Test Scholar", sch.DisplayName)

	rows, err := m.ListForUser(context.Background(), userID, storeListAll())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, res.CrawlRunID, row.FirstSeenRunID)
	}
}

func TestStartRun_NoChangeResume(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	body := pageHTML([]string{"alpha", "beta", "gamma"}, false, "")
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{0: {okRes(body)}}}
	e := newTestEngine(m, src, nil)

	first, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, first.NewPublicationCount)

	second, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, second.Status)
	assert.Zero(t, second.NewPublicationCount)
	assert.NotEqual(t, first.CrawlRunID, second.CrawlRunID)

	run, err := m.GetRun(context.Background(), second.CrawlRunID)
	require.NoError(t, err)
	require.Len(t, run.Log.Scholars, 1)
	assert.Equal(t, ReasonNoChangeInitialPage, run.Log.Scholars[0].StateReason)
	assert.Equal(t, types.OutcomeSuccess, run.Log.Scholars[0].Outcome)

	rows, err := m.ListForUser(context.Background(), userID, storeListAll())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStartRun_BlockedBySafetyCooldown(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	ttc := now.TimeTravelingContext(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	until := now.Now(ttc).Add(600 * time.Second)
	m.PutSettings(types.UserSettings{
		UserID:               userID,
		RequestDelaySeconds:  2,
		ScrapeCooldownUntil:  &until,
		ScrapeCooldownReason: "blocked_failure_threshold_exceeded",
	})
	src := &fakeSource{}
	e := newTestEngine(m, src, nil)

	_, err := e.StartRun(ttc, userID, RunOptions{})
	var blocked *BlockedBySafetyError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "scrape_cooldown_active", blocked.Error())
	assert.Equal(t, 600, blocked.Payload.CooldownRemainingSeconds)
	assert.Equal(t, "blocked_failure_threshold_exceeded", blocked.Payload.Reason)
	assert.Equal(t, 1, blocked.Payload.Counters.BlockedStartCount)

	// No run was created and nothing was fetched.
	last, err2 := m.LastRunStart(ttc, userID)
	require.NoError(t, err2)
	assert.Nil(t, last)
	assert.Empty(t, src.calls)
}

func TestStartRun_NetworkErrorOnPageTwoQueuesContinuation(t *testing.T) {
	m := memstore.New()
	userID, scholarID := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"a", "b", "c", "d", "e"}, true, "1-5"))},
		5: {{Err: "dial tcp: i/o timeout"}},
	}}
	e := newTestEngine(m, src, nil)

	res, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPartialFailure, res.Status)
	assert.Equal(t, 1, res.PartialCount)
	assert.Equal(t, 5, res.NewPublicationCount)

	run, err := m.GetRun(context.Background(), res.CrawlRunID)
	require.NoError(t, err)
	require.Len(t, run.Log.Scholars, 1)
	sr := run.Log.Scholars[0]
	assert.Equal(t, types.OutcomePartial, sr.Outcome)
	assert.Equal(t, "page_state_network_error", sr.TruncatedReason)

	jobs, err := m.ListJobsForUser(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, scholarID, job.ScholarProfileID)
	assert.Equal(t, 5, job.ResumeCstart)
	assert.Equal(t, "page_state_network_error", job.Reason)
	assert.Equal(t, types.QueueStatusQueued, job.Status)
	assert.Zero(t, job.AttemptCount)

	// A partial outcome must not overwrite the baseline fingerprint.
	sch, err := m.GetScholar(context.Background(), scholarID)
	require.NoError(t, err)
	assert.Empty(t, sch.LastInitialPageFingerprint)
}

func TestStartRun_IdempotentManualReplay(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"one", "two"}, false, ""))},
	}}
	e := newTestEngine(m, src, nil)

	first, err := e.StartRun(context.Background(), userID, RunOptions{IdempotencyKey: "K"})
	require.NoError(t, err)
	require.Equal(t, types.RunStatusSuccess, first.Status)
	require.Equal(t, 2, first.NewPublicationCount)
	fetchesAfterFirst := len(src.calls)

	second, err := e.StartRun(context.Background(), userID, RunOptions{IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.True(t, second.ReusedExistingRun)
	assert.Equal(t, first.CrawlRunID, second.CrawlRunID)
	assert.Equal(t, types.RunStatusSuccess, second.Status)
	assert.Equal(t, 2, second.NewPublicationCount)
	assert.Equal(t, 1, second.SucceededCount)
	// No extra scraping happened.
	assert.Equal(t, fetchesAfterFirst, len(src.calls))
}

type fakeOA struct{ calls int }

func (f *fakeOA) SearchWorksByTitle(ctx context.Context, titleFilter string, perPage int) ([]openalex.Work, error) {
	f.calls++
	return nil, nil
}

// cancelingResolver simulates a cancel arriving after the run entered
// resolving but before enrichment's first batch.
type cancelingResolver struct {
	m     *memstore.MemStores
	inner *enrich.Enricher
}

func (c *cancelingResolver) ResolveRun(ctx context.Context, runID, userID int64, terminal types.RunStatus) {
	if err := c.m.CancelRun(ctx, runID, time.Now()); err != nil {
		panic(err)
	}
	c.inner.ResolveRun(ctx, runID, userID, terminal)
}

func TestStartRun_CancelDuringResolving(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"alpha"}, false, ""))},
	}}
	oa := &fakeOA{}
	resolver := &cancelingResolver{m: m, inner: enrich.New(m, m, oa, nil, nil, enrich.Options{})}
	e := newTestEngine(m, src, resolver)

	res, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)

	run, err := m.GetRun(context.Background(), res.CrawlRunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCanceled, run.Status)
	// Enrichment observed the cancel before querying OpenAlex.
	assert.Zero(t, oa.calls)
	// Publications discovered during scraping survive the cancel.
	rows, err := m.ListForUser(context.Background(), userID, storeListAll())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStartRun_FirstPageBlockedFailsScholar(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {{StatusCode: 429, FinalURL: "https://scholar.google.com/citations", Body: "slow down"}},
	}}
	e := newTestEngine(m, src, nil)

	res, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, res.Status)
	assert.Equal(t, 1, res.FailedCount)

	run, err := m.GetRun(context.Background(), res.CrawlRunID)
	require.NoError(t, err)
	sr := run.Log.Scholars[0]
	assert.Equal(t, types.OutcomeFailed, sr.Outcome)
	assert.Equal(t, "BLOCKED_OR_CAPTCHA", sr.State)
	require.NotNil(t, sr.Debug)
	assert.NotEmpty(t, sr.Debug.BodySHA256)
	require.NotNil(t, run.Log.Summary)
	assert.Equal(t, 1, run.Log.Summary.Failures.BlockedOrCaptcha)
	assert.True(t, run.Log.Summary.Alerts.Blocked)

	// One blocked failure crosses the default threshold and starts the
	// user's scrape cooldown.
	settings, err := m.GetOrCreateSettings(context.Background(), userID)
	require.NoError(t, err)
	assert.NotNil(t, settings.ScrapeCooldownUntil)
	assert.Equal(t, 1, settings.SafetyState.ConsecutiveBlockedRuns)
}

func TestStartRun_SecondRunRejectedWhileLockHeld(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	release, ok, err := m.AcquireRunLock(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	e := newTestEngine(m, &fakeSource{}, nil)
	_, err = e.StartRun(context.Background(), userID, RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestStartRun_DeepPaginationMergesPasses(t *testing.T) {
	m := memstore.New()
	userID, _ := seedUserAndScholar(m)
	src := &fakeSource{pages: map[int][]scholsource.FetchResult{
		0: {okRes(pageHTML([]string{"a", "b"}, true, "1-2"))},
		2: {okRes(pageHTML([]string{"c"}, false, "3-3"))},
	}}
	e := newTestEngine(m, src, nil)

	res, err := e.StartRun(context.Background(), userID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, res.Status)
	assert.Equal(t, 3, res.NewPublicationCount)
	assert.Equal(t, []int{0, 2}, src.calls)

	// Fully drained, so no continuation job remains.
	jobs, err := m.ListJobsForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// storeListAll is a convenience for listing all of a user's publications.
func storeListAll() store.PublicationListOptions {
	return store.PublicationListOptions{}
}
