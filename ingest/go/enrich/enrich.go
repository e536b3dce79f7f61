// Package enrich is the post-ingestion background pipeline. After a run
// finishes scraping it is parked in a resolving status while this
// pipeline matches the user's publications against OpenAlex, discovers
// canonical identifiers (DOI, arXiv), sweeps identifier duplicates, and
// finally restores the run's intended terminal status. Enrichment never
// fails a run: every error here is logged and absorbed.
package enrich

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"go.scholarhound.org/scholarhound/go/metrics2"
	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/arxiv"
	"go.scholarhound.org/scholarhound/ingest/go/openalex"
	"go.scholarhound.org/scholarhound/ingest/go/pdffind"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

const (
	// DefaultBatchSize is how many publications one OpenAlex query covers.
	DefaultBatchSize = 25

	// DefaultRetryWindow is how long a failed enrichment attempt suppresses
	// retries for a publication.
	DefaultRetryWindow = 7 * 24 * time.Hour

	// DefaultRateLimitSleep is the pause after an ordinary OpenAlex 429.
	DefaultRateLimitSleep = time.Minute

	// DefaultMaxPerPass bounds one pass so a huge backlog cannot pin the
	// background task forever.
	DefaultMaxPerPass = 500

	// matchThreshold is the minimum title similarity, out of 100, for an
	// OpenAlex work to count as a match.
	matchThreshold = 90.0
)

// OpenAlexClient is the slice of the OpenAlex client the pipeline uses.
type OpenAlexClient interface {
	SearchWorksByTitle(ctx context.Context, titleFilter string, perPage int) ([]openalex.Work, error)
}

// ArxivClient is the slice of the arXiv client the pipeline uses.
type ArxivClient interface {
	Search(ctx context.Context, query string, start, maxResults int) (*arxiv.Feed, error)
}

// Options tune one Enricher. The zero value gets the defaults above.
type Options struct {
	BatchSize      int
	RetryWindow    time.Duration
	RateLimitSleep time.Duration
	MaxPerPass     int
	ArxivEnabled   bool
	// PDFClient, when set, enables the one-hop PDF lookup on landing
	// pages (open-access URLs and DOI resolvers).
	PDFClient *http.Client
}

// Enricher runs enrichment passes. Safe for concurrent use across runs.
type Enricher struct {
	pubs  store.PublicationStore
	runs  store.RunStore
	oa    OpenAlexClient
	ax    ArxivClient
	bus   *runevents.Bus
	opts  Options
	sleep func(ctx context.Context, d time.Duration)

	enriched metrics2.Counter
	merged   metrics2.Counter
}

// New returns an Enricher. oa, ax, and bus may each be nil, which
// disables the corresponding step.
func New(pubs store.PublicationStore, runs store.RunStore, oa OpenAlexClient, ax ArxivClient, bus *runevents.Bus, opts Options) *Enricher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = DefaultRetryWindow
	}
	if opts.RateLimitSleep <= 0 {
		opts.RateLimitSleep = DefaultRateLimitSleep
	}
	if opts.MaxPerPass <= 0 {
		opts.MaxPerPass = DefaultMaxPerPass
	}
	return &Enricher{
		pubs:     pubs,
		runs:     runs,
		oa:       oa,
		ax:       ax,
		bus:      bus,
		opts:     opts,
		sleep:    sleepCtx,
		enriched: metrics2.GetCounter("enrich_publications_enriched", nil),
		merged:   metrics2.GetCounter("enrich_publications_merged", nil),
	}
}

// SetSleepForTesting replaces the rate-limit sleep.
func (e *Enricher) SetSleepForTesting(f func(ctx context.Context, d time.Duration)) {
	e.sleep = f
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ResolveRun runs one enrichment pass for the run's user and then moves
// the run from resolving to its intended terminal status. Intended as the
// body of the background task the run engine spawns.
func (e *Enricher) ResolveRun(ctx context.Context, runID, userID int64, terminal types.RunStatus) {
	if err := e.EnrichUserPublications(ctx, runID, userID); err != nil {
		sklog.Errorf("Enrichment pass for run %d failed: %s", runID, err)
	}
	if err := e.runs.FinishResolving(ctx, runID, terminal); err != nil {
		sklog.Errorf("Failed to finish resolving run %d: %s", runID, err)
	}
}

// EnrichUserPublications runs one batched enrichment pass over the user's
// un-enriched publications, then sweeps identifier duplicates.
func (e *Enricher) EnrichUserPublications(ctx context.Context, runID, userID int64) error {
	cutoff := now.Now(ctx).Add(-e.opts.RetryWindow)
	pubs, err := e.pubs.ListForEnrichment(ctx, userID, cutoff, e.opts.MaxPerPass)
	if err != nil {
		return skerr.Wrap(err)
	}
	arxivEnabled := e.opts.ArxivEnabled && e.ax != nil

	for start := 0; start < len(pubs); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(pubs) {
			end = len(pubs)
		}
		batch := pubs[start:end]

		status, err := e.runs.GetRunStatus(ctx, runID)
		if err != nil {
			return skerr.Wrap(err)
		}
		if status == types.RunStatusCanceled {
			sklog.Infof("Run %d canceled; aborting enrichment.", runID)
			return nil
		}

		works, err := e.searchBatch(ctx, batch)
		var budget *openalex.BudgetExhaustedError
		var rl *openalex.RateLimitedError
		switch {
		case err == nil:
		case errors.As(err, &budget):
			sklog.Warningf("OpenAlex budget exhausted; stopping enrichment pass for run %d.", runID)
			return nil
		case errors.As(err, &rl):
			sklog.Warningf("OpenAlex rate limited; sleeping %s before the next batch.", e.opts.RateLimitSleep)
			e.sleep(ctx, e.opts.RateLimitSleep)
			continue
		default:
			sklog.Errorf("OpenAlex batch query failed: %s", err)
			works = nil
		}

		for i := range batch {
			pub := &batch[i]
			if err := e.enrichOne(ctx, runID, pub, works, &arxivEnabled); err != nil {
				sklog.Errorf("Enriching publication %d failed: %s", pub.ID, err)
			}
		}
	}
	return e.sweepIdentifierDuplicates(ctx)
}

func (e *Enricher) searchBatch(ctx context.Context, batch []types.Publication) ([]openalex.Work, error) {
	if e.oa == nil {
		return nil, nil
	}
	titles := make([]string, 0, len(batch))
	for _, p := range batch {
		titles = append(titles, p.TitleRaw)
	}
	filter := openalex.BuildTitleFilter(titles)
	if filter == "" {
		return nil, nil
	}
	return e.oa.SearchWorksByTitle(ctx, filter, len(batch))
}

// enrichOne marks the attempt, syncs identifiers, and applies the best
// OpenAlex match if any clears the similarity threshold.
func (e *Enricher) enrichOne(ctx context.Context, runID int64, pub *types.Publication, works []openalex.Work, arxivEnabled *bool) error {
	ts := now.Now(ctx)
	if err := e.pubs.MarkEnrichmentAttempt(ctx, pub.ID, ts); err != nil {
		return skerr.Wrap(err)
	}

	best := bestMatch(pub, works)
	changed := e.syncIdentifiers(ctx, runID, pub, best, arxivEnabled)

	if best == nil {
		if e.resolvePDF(ctx, pub) {
			changed = true
		}
		if changed {
			if err := e.pubs.UpdatePublication(ctx, pub); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	}
	if pub.Year == 0 && best.PublicationYear > 0 {
		pub.Year = best.PublicationYear
		changed = true
	}
	if best.CitedByCount > 0 && best.CitedByCount != pub.CitationCount {
		pub.CitationCount = best.CitedByCount
		changed = true
	}
	if best.OpenAccess.IsOA && best.OpenAccess.OAURL != "" && pub.PDFURL != best.OpenAccess.OAURL {
		pub.PDFURL = best.OpenAccess.OAURL
		changed = true
	}
	if !pub.OpenAlexEnriched {
		pub.OpenAlexEnriched = true
		changed = true
	}
	if e.resolvePDF(ctx, pub) {
		changed = true
	}
	if changed {
		if err := e.pubs.UpdatePublication(ctx, pub); err != nil {
			return skerr.Wrap(err)
		}
		e.enriched.Inc(1)
	}
	return nil
}

// resolvePDF upgrades the publication's pdf_url to a direct PDF with at
// most one landing-page hop. The starting point is the current pdf_url,
// falling back to the DOI resolver. Returns whether pdf_url changed.
func (e *Enricher) resolvePDF(ctx context.Context, pub *types.Publication) bool {
	if e.opts.PDFClient == nil {
		return false
	}
	target := pub.PDFURL
	if target == "" && pub.DOI != "" {
		target = "https://doi.org/" + pub.DOI
	}
	if target == "" || pdffind.IsDirectPDF(pub.PDFURL) {
		return false
	}
	direct, err := pdffind.Find(ctx, e.opts.PDFClient, target)
	if err != nil {
		sklog.Warningf("PDF lookup for publication %d via %s failed: %s", pub.ID, target, err)
		return false
	}
	if direct == "" || direct == pub.PDFURL {
		return false
	}
	pub.PDFURL = direct
	return true
}

// bestMatch picks the work whose title is most similar to the
// publication's, requiring at least matchThreshold. Ties within one
// similarity point are broken by year proximity and author overlap.
func bestMatch(pub *types.Publication, works []openalex.Work) *openalex.Work {
	var best *openalex.Work
	bestScore := -1.0
	for i := range works {
		w := &works[i]
		score := TitleSimilarity(pub.TitleRaw, w.Title)
		if score < matchThreshold {
			continue
		}
		score += tiebreak(pub, w)
		if score > bestScore {
			best = w
			bestScore = score
		}
	}
	return best
}

func tiebreak(pub *types.Publication, w *openalex.Work) float64 {
	bonus := 0.0
	if pub.Year != 0 && w.PublicationYear != 0 {
		diff := pub.Year - w.PublicationYear
		if diff >= -1 && diff <= 1 {
			bonus += 0.5
		}
	}
	if authorOverlap(pub.AuthorText, w.Authorships) {
		bonus += 0.25
	}
	return bonus
}

func authorOverlap(authorText string, authorships []openalex.Authorship) bool {
	have := strings.ToLower(authorText)
	if have == "" {
		return false
	}
	for _, a := range authorships {
		name := strings.ToLower(a.Author.DisplayName)
		if name == "" {
			continue
		}
		fields := strings.Fields(name)
		last := fields[len(fields)-1]
		if len(last) > 2 && strings.Contains(have, last) {
			return true
		}
	}
	return false
}

// indelOptions makes the ratio an indel similarity: substitutions cost as
// much as a delete plus an insert.
var indelOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 2,
	Matches: levenshtein.IdenticalRunes,
}

// TitleSimilarity returns a 0..100 similarity score between two titles,
// case-insensitive and whitespace-normalized.
func TitleSimilarity(a, b string) float64 {
	na := strings.ToLower(strings.Join(strings.Fields(a), " "))
	nb := strings.ToLower(strings.Join(strings.Fields(b), " "))
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 100
	}
	return 100 * levenshtein.RatioForStrings([]rune(na), []rune(nb), indelOptions)
}

// sweepIdentifierDuplicates merges publications that share a normalized
// identifier, keeping the lower id.
func (e *Enricher) sweepIdentifierDuplicates(ctx context.Context) error {
	pairs, err := e.pubs.FindIdentifierDuplicatePairs(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, pair := range pairs {
		if err := e.pubs.MergePublications(ctx, pair[0], pair[1]); err != nil {
			sklog.Errorf("Failed to merge publication %d into %d: %s", pair[1], pair[0], err)
			continue
		}
		e.merged.Inc(1)
	}
	if len(pairs) > 0 {
		sklog.Infof("Identifier sweep merged %d duplicate publications.", len(pairs))
	}
	return nil
}
