// Package pagedfetch walks a scholar's publication list page by page. It
// owns the per-page retry ladder, the initial-page fingerprint
// short-circuit, pagination cursor arithmetic, and cooperative
// cancellation; classifying the overall scholar outcome is left to the
// run engine.
package pagedfetch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/fingerprint"
	"go.scholarhound.org/scholarhound/ingest/go/scholparse"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// Truncation reasons recorded in Result.TruncatedReason.
const (
	TruncatedMaxPages        = "max_pages_reached"
	TruncatedCursorStalled   = "pagination_cursor_stalled"
	TruncatedRunCanceled     = "run_canceled"
	TruncatedIngestionError  = "ingestion_error"
	truncatedPageStatePrefix = "page_state_"
)

// Policy is the page and retry budget for one scholar.
type Policy struct {
	PageSize             int
	MaxPages             int
	NetworkErrorRetries  int
	RateLimitRetries     int
	NetworkBackoffBase   time.Duration
	RateLimitBackoffBase time.Duration
	RequestDelay         time.Duration
}

// Result aggregates everything the run engine needs to classify one
// scholar's outcome.
type Result struct {
	FirstPage            *scholparse.ParsedProfilePage
	Publications         []scholparse.PublicationCandidate
	AttemptLog           []string
	Attempts             int
	PagesFetched         int
	PagesAttempted       int
	ContinuationCstart   *int
	HasMoreRemaining     bool
	TruncatedReason      string
	SkippedNoChange      bool
	FirstPageFingerprint string
	// LastBody is the raw body of the most recently fetched page, kept for
	// failure debug context.
	LastBody string
}

// OnPage is called once per consumed page with the dedup-passing
// candidates, so the engine can commit publications page by page. A
// non-nil error aborts pagination.
type OnPage func(ctx context.Context, cstart int, page *scholparse.ParsedProfilePage, accepted []scholparse.PublicationCandidate) error

// StatusProber re-reads a run's status between pages; the paged fetcher
// truncates when it observes a cancel.
type StatusProber interface {
	GetRunStatus(ctx context.Context, runID int64) (types.RunStatus, error)
}

// Fetcher fetches and paginates scholar profiles.
type Fetcher struct {
	src   scholsource.Client
	runs  StatusProber
	sleep func(ctx context.Context, d time.Duration)
}

// New returns a Fetcher. runs may be nil, in which case the cancellation
// probe is skipped.
func New(src scholsource.Client, runs StatusProber) *Fetcher {
	return &Fetcher{
		src:   src,
		runs:  runs,
		sleep: sleepCtx,
	}
}

// SetSleepForTesting replaces the inter-request sleep.
func (f *Fetcher) SetSleepForTesting(sleep func(ctx context.Context, d time.Duration)) {
	f.sleep = sleep
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// FetchAll walks the scholar's publication list starting at startCstart.
// prevFingerprint enables the no-change short-circuit when resuming from
// cstart 0. runID (when non-zero, together with a StatusProber) enables
// cooperative cancellation. dedup carries accepted titles across passes;
// nil starts fresh. onPage may be nil.
func (f *Fetcher) FetchAll(ctx context.Context, scholarID string, startCstart int, prevFingerprint string, runID int64, dedup *fingerprint.DedupState, pol Policy, onPage OnPage) (*Result, error) {
	if dedup == nil {
		dedup = fingerprint.NewDedupState(nil)
	}
	res := &Result{}

	page, err := f.fetchPage(ctx, scholarID, startCstart, pol, res)
	if err != nil {
		return res, skerr.Wrap(err)
	}
	res.FirstPage = page

	settled := page.State == scholparse.StateOK || page.State == scholparse.StateNoResults
	if settled {
		fp, err := fingerprint.InitialPageFingerprint(snapshotOf(page))
		if err != nil {
			return res, skerr.Wrap(err)
		}
		res.FirstPageFingerprint = fp
	}

	if startCstart == 0 && settled && prevFingerprint != "" && prevFingerprint == res.FirstPageFingerprint {
		res.SkippedNoChange = true
		sklog.Infof("Scholar %s first page unchanged; skipping.", scholarID)
		return res, nil
	}

	if !settled {
		// Only network errors are worth resuming at the same cursor.
		if page.State == scholparse.StateNetworkError {
			cstart := startCstart
			res.ContinuationCstart = &cstart
		}
		return res, nil
	}

	res.PagesFetched = 1
	cur := startCstart
	for {
		accepted := make([]scholparse.PublicationCandidate, 0, len(page.Publications))
		for _, cand := range page.Publications {
			if dedup.AddIfNew(cand.Title) {
				accepted = append(accepted, cand)
			}
		}
		res.Publications = append(res.Publications, accepted...)
		if onPage != nil {
			if err := onPage(ctx, cur, page, accepted); err != nil {
				res.TruncatedReason = TruncatedIngestionError
				c := cur
				res.ContinuationCstart = &c
				res.HasMoreRemaining = true
				return res, skerr.Wrapf(err, "committing page at cstart %d", cur)
			}
		}

		if !page.HasShowMoreButton {
			break
		}
		next := nextCstart(page, cur)
		if res.PagesFetched >= pol.MaxPages {
			res.TruncatedReason = TruncatedMaxPages
			res.ContinuationCstart = &next
			res.HasMoreRemaining = true
			break
		}
		if next <= cur {
			res.TruncatedReason = TruncatedCursorStalled
			c := cur
			res.ContinuationCstart = &c
			res.HasMoreRemaining = true
			break
		}
		if canceled, err := f.runCanceled(ctx, runID); err != nil {
			return res, skerr.Wrap(err)
		} else if canceled {
			res.TruncatedReason = TruncatedRunCanceled
			c := cur
			res.ContinuationCstart = &c
			res.HasMoreRemaining = true
			break
		}

		f.sleep(ctx, pol.RequestDelay)
		page, err = f.fetchPage(ctx, scholarID, next, pol, res)
		if err != nil {
			return res, skerr.Wrap(err)
		}
		if page.State != scholparse.StateOK {
			res.TruncatedReason = truncatedPageStatePrefix + strings.ToLower(string(page.State))
			res.ContinuationCstart = &next
			res.HasMoreRemaining = true
			break
		}
		res.PagesFetched++
		cur = next
	}
	return res, nil
}

func (f *Fetcher) runCanceled(ctx context.Context, runID int64) (bool, error) {
	if runID == 0 || f.runs == nil {
		return false, nil
	}
	status, err := f.runs.GetRunStatus(ctx, runID)
	if err != nil {
		return false, skerr.Wrapf(err, "probing run %d status", runID)
	}
	return status == types.RunStatusCanceled, nil
}

// fetchPage fetches a single page, applying the retry ladder: exponential
// backoff for network errors, linear backoff for 429s, no retry for
// anything else. Layout errors become a LAYOUT_CHANGED page rather than a
// Go error so the engine can classify them like any other state.
func (f *Fetcher) fetchPage(ctx context.Context, scholarID string, cstart int, pol Policy, res *Result) (*scholparse.ParsedProfilePage, error) {
	res.PagesAttempted++
	netRetries := 0
	rlRetries := 0
	for {
		res.Attempts++
		fr := f.src.FetchProfilePage(ctx, scholarID, cstart, pol.PageSize)
		res.LastBody = fr.Body
		page, err := scholparse.ParseProfilePage(fr)
		if err != nil {
			var le *scholparse.LayoutError
			if !errors.As(err, &le) {
				return nil, skerr.Wrap(err)
			}
			page = &scholparse.ParsedProfilePage{
				State:        scholparse.StateLayoutChanged,
				StateReason:  le.Reason,
				MarkerCounts: map[string]int{},
			}
		}
		res.AttemptLog = append(res.AttemptLog, fmt.Sprintf("cstart=%d attempt=%d state=%s reason=%s", cstart, netRetries+rlRetries+1, page.State, page.StateReason))

		switch {
		case page.State == scholparse.StateNetworkError && netRetries < pol.NetworkErrorRetries:
			netRetries++
			f.sleep(ctx, pol.NetworkBackoffBase*time.Duration(1<<(netRetries-1)))
			continue
		case page.State == scholparse.StateBlocked && page.StateReason == scholparse.ReasonRateLimited && rlRetries < pol.RateLimitRetries:
			rlRetries++
			f.sleep(ctx, pol.RateLimitBackoffBase*time.Duration(rlRetries))
			continue
		}
		return page, nil
	}
}

var articlesRangeRE = regexp.MustCompile(`(\d+)\s*[-–—]\s*(\d+)`)

// nextCstart derives the next cursor from the "Articles N-M" range when
// present, else advances by the number of rows on the page.
func nextCstart(page *scholparse.ParsedProfilePage, cur int) int {
	if m := articlesRangeRE.FindStringSubmatch(page.ArticlesRange); m != nil {
		if hi, err := strconv.Atoi(m[2]); err == nil {
			return hi
		}
	}
	return cur + len(page.Publications)
}

func snapshotOf(page *scholparse.ParsedProfilePage) fingerprint.PageSnapshot {
	snap := fingerprint.PageSnapshot{
		State:             string(page.State),
		ArticlesRange:     page.ArticlesRange,
		HasShowMoreButton: page.HasShowMoreButton,
		ProfileName:       page.ProfileName,
	}
	for _, cand := range page.Publications {
		snap.Publications = append(snap.Publications, fingerprint.PubSnapshot{
			ClusterID:       cand.ClusterID,
			TitleNormalized: fingerprint.NormalizeTitle(cand.Title),
			Year:            cand.Year,
			CitationCount:   cand.CitationCount,
		})
	}
	return snap
}
