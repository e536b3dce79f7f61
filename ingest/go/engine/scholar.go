package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/enrich"
	"go.scholarhound.org/scholarhound/ingest/go/fingerprint"
	"go.scholarhound.org/scholarhound/ingest/go/pagedfetch"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/scholparse"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

const bodyExcerptLen = 500

// scholarState accumulates everything both passes learn about one
// scholar before classification.
type scholarState struct {
	profile     *types.ScholarProfile
	startCstart int
	dedup       *fingerprint.DedupState

	newPubs      int
	attempts     int
	attemptLog   []string
	pagesFetched int

	firstPage   *scholparse.ParsedProfilePage
	fingerprint string
	skipped     bool

	lastRes      *pagedfetch.Result
	continuation *int
	// truncOverride is set when a continuation pass dies on its own first
	// page, which the paged fetcher cannot express as a truncation.
	truncOverride string
	commitErr     error
	queued        bool
}

func newScholarState(profile *types.ScholarProfile, startCstart int) *scholarState {
	return &scholarState{
		profile:     profile,
		startCstart: startCstart,
		dedup:       fingerprint.NewDedupState(nil),
	}
}

// runPass drives one paged-fetch pass for the scholar: pass 1 covers the
// first page only, the continuation pass spends the remaining page
// budget.
func (e *Engine) runPass(ctx context.Context, runID int64, st *scholarState, maxPages int, requestDelay time.Duration, first bool) {
	pol := pagedfetch.Policy{
		PageSize:             e.cfg.PageSize,
		MaxPages:             maxPages,
		NetworkErrorRetries:  e.cfg.NetworkErrorRetries,
		RateLimitRetries:     e.cfg.RateLimitRetries,
		NetworkBackoffBase:   e.cfg.NetworkRetryBackoff,
		RateLimitBackoffBase: e.cfg.RateLimitRetryBackoff,
		RequestDelay:         requestDelay,
	}
	start := st.startCstart
	prevFP := ""
	if first {
		if start == 0 {
			prevFP = st.profile.LastInitialPageFingerprint
		}
	} else {
		start = *st.continuation
	}

	onPage := func(ctx context.Context, cstart int, page *scholparse.ParsedProfilePage, accepted []scholparse.PublicationCandidate) error {
		n, err := e.commitPage(ctx, runID, st.profile, accepted)
		st.newPubs += n
		return err
	}

	res, err := e.fetcher.FetchAll(ctx, st.profile.ScholarID, start, prevFP, runID, st.dedup, pol, onPage)
	st.attempts += res.Attempts
	st.attemptLog = append(st.attemptLog, res.AttemptLog...)
	st.pagesFetched += res.PagesFetched
	st.lastRes = res
	st.continuation = res.ContinuationCstart
	if first {
		st.firstPage = res.FirstPage
		st.fingerprint = res.FirstPageFingerprint
		st.skipped = res.SkippedNoChange
	} else if res.FirstPage != nil && res.FirstPage.State != scholparse.StateOK && res.FirstPage.State != scholparse.StateNoResults {
		st.truncOverride = "page_state_" + strings.ToLower(string(res.FirstPage.State))
	}
	if err != nil {
		st.commitErr = err
		sklog.Errorf("Processing scholar %s in run %d failed: %s", st.profile.ScholarID, runID, err)
	}
}

// effectiveTruncation is the truncation reason classification sees.
func (st *scholarState) effectiveTruncation() string {
	if st.truncOverride != "" {
		return st.truncOverride
	}
	if st.lastRes != nil {
		return st.lastRes.TruncatedReason
	}
	return ""
}

// finishScholar classifies the scholar's outcome, persists the scholar's
// run state and fingerprint, applies profile metadata, and reconciles the
// continuation queue.
func (e *Engine) finishScholar(ctx context.Context, runID int64, runTS time.Time, st *scholarState) types.ScholarResult {
	p := st.profile
	r := types.ScholarResult{
		ScholarProfileID:   p.ID,
		ScholarID:          p.ScholarID,
		NewPublications:    st.newPubs,
		AttemptCount:       st.attempts,
		ContinuationCstart: st.continuation,
	}
	trunc := st.effectiveTruncation()
	fp1 := st.firstPage

	var outcome types.ScholarOutcome
	persistFingerprint := false
	switch {
	case st.skipped:
		outcome = types.OutcomeSuccess
		r.State = string(fp1.State)
		r.StateReason = ReasonNoChangeInitialPage
		persistFingerprint = true
	case st.commitErr != nil:
		r.State = StateIngestionError
		r.StateReason = StateIngestionError
		r.Error = st.commitErr.Error()
		r.TruncatedReason = trunc
		if st.newPubs > 0 {
			outcome = types.OutcomePartial
		} else {
			outcome = types.OutcomeFailed
		}
	case fp1 == nil:
		outcome = types.OutcomeFailed
		r.State = StateIngestionError
		r.StateReason = StateIngestionError
	case fp1.State != scholparse.StateOK && fp1.State != scholparse.StateNoResults:
		r.State = string(fp1.State)
		r.StateReason = fp1.StateReason
		if st.newPubs > 0 {
			outcome = types.OutcomePartial
		} else {
			outcome = types.OutcomeFailed
			r.Debug = st.debugContext()
		}
	case trunc != "":
		outcome = types.OutcomePartial
		r.State = string(fp1.State)
		r.StateReason = fp1.StateReason
		r.TruncatedReason = trunc
	case len(fp1.Warnings) > 0:
		// A warning on an otherwise clean parse means the page may have
		// been partially rendered; do not trust its fingerprint.
		outcome = types.OutcomePartial
		r.State = string(fp1.State)
		r.StateReason = fp1.Warnings[0]
	default:
		outcome = types.OutcomeSuccess
		r.State = string(fp1.State)
		r.StateReason = fp1.StateReason
		persistFingerprint = true
	}
	r.Outcome = outcome

	if err := e.stores.Scholars.UpdateRunState(ctx, p.ID, outcome, runTS); err != nil {
		sklog.Errorf("Failed to update run state for scholar %d: %s", p.ID, err)
	}
	if persistFingerprint && st.fingerprint != "" {
		if err := e.stores.Scholars.SetInitialPageFingerprint(ctx, p.ID, st.fingerprint, runTS); err != nil {
			sklog.Errorf("Failed to persist fingerprint for scholar %d: %s", p.ID, err)
		}
	}
	e.applyProfileMeta(ctx, st)
	e.reconcileQueue(ctx, runID, st, outcome, trunc)
	return r
}

// applyProfileMeta copies first-page profile metadata onto the scholar:
// the display name only fills a blank, the image is always refreshed.
func (e *Engine) applyProfileMeta(ctx context.Context, st *scholarState) {
	fp1 := st.firstPage
	if fp1 == nil {
		return
	}
	name := ""
	if st.profile.DisplayName == "" {
		name = fp1.ProfileName
	}
	if name == "" && fp1.ProfileImageURL == "" {
		return
	}
	if err := e.stores.Scholars.UpdateProfileMeta(ctx, st.profile.ID, name, fp1.ProfileImageURL); err != nil {
		sklog.Errorf("Failed to update profile meta for scholar %d: %s", st.profile.ID, err)
	}
}

// reconcileQueue upserts a continuation job for resumable outcomes and
// clears any stale job otherwise.
func (e *Engine) reconcileQueue(ctx context.Context, runID int64, st *scholarState, outcome types.ScholarOutcome, trunc string) {
	resumable := trunc == pagedfetch.TruncatedMaxPages ||
		trunc == pagedfetch.TruncatedCursorStalled ||
		strings.HasPrefix(trunc, "page_state_network_error")
	if !resumable && outcome == types.OutcomeFailed && st.firstPage != nil && st.firstPage.State == scholparse.StateNetworkError {
		resumable = true
	}
	if e.cfg.ContinuationQueueEnabled && resumable && st.continuation != nil {
		reason := trunc
		if reason == "" {
			reason = string(scholparse.StateNetworkError)
		}
		rid := runID
		// A fresh job starts at zero attempts; the store keeps the count
		// of an existing live job so scheduler retries stay bounded.
		job := &types.QueueItem{
			UserID:           st.profile.UserID,
			ScholarProfileID: st.profile.ID,
			ResumeCstart:     *st.continuation,
			Reason:           reason,
			Status:           types.QueueStatusQueued,
			AttemptCount:     0,
			NextAttemptDT:    now.Now(ctx).Add(e.cfg.ContinuationBaseDelay),
			LastRunID:        &rid,
		}
		if err := e.stores.Queue.UpsertJob(ctx, job); err != nil {
			sklog.Errorf("Failed to queue continuation for scholar %d: %s", st.profile.ID, err)
			return
		}
		st.queued = true
		sklog.Infof("Queued continuation for scholar %s at cstart %d (%s).", st.profile.ScholarID, *st.continuation, reason)
		return
	}
	if err := e.stores.Queue.ClearForScholar(ctx, st.profile.UserID, st.profile.ID); err != nil {
		sklog.Errorf("Failed to clear queue for scholar %d: %s", st.profile.ID, err)
	}
}

func (st *scholarState) debugContext() *types.ScholarDebug {
	d := &types.ScholarDebug{
		AttemptLog: st.attemptLog,
	}
	if st.firstPage != nil {
		d.MarkerCounts = st.firstPage.MarkerCounts
	}
	if st.lastRes != nil && st.lastRes.LastBody != "" {
		body := st.lastRes.LastBody
		d.BodyLength = len(body)
		sum := sha256.Sum256([]byte(body))
		d.BodySHA256 = hex.EncodeToString(sum[:])
		if len(body) > bodyExcerptLen {
			body = body[:bodyExcerptLen]
		}
		d.BodyExcerpt = body
	}
	return d
}

// commitPage persists one page's dedup-passing candidates and creates
// scholar links; new links bump the run counter and emit a
// publication_discovered event.
func (e *Engine) commitPage(ctx context.Context, runID int64, p *types.ScholarProfile, cands []scholparse.PublicationCandidate) (int, error) {
	created := 0
	for _, cand := range cands {
		pub, err := e.upsertPublication(ctx, cand)
		if err != nil {
			return created, skerr.Wrap(err)
		}
		isNew, err := e.stores.Publications.LinkScholar(ctx, p.ID, pub.ID, runID)
		if err != nil {
			return created, skerr.Wrap(err)
		}
		if !isNew {
			continue
		}
		created++
		if err := e.stores.Runs.IncNewPubCount(ctx, runID, 1); err != nil {
			return created, skerr.Wrap(err)
		}
		if e.bus != nil {
			e.bus.Publish(runID, runevents.EventPublicationDiscovered, runevents.PublicationDiscovered{
				PublicationID:    pub.ID,
				ScholarProfileID: p.ID,
				Title:            pub.TitleRaw,
				Year:             pub.Year,
			})
		}
	}
	return created, nil
}

// upsertPublication resolves a candidate against the shared publication
// store: cluster id first, then exact fingerprint, then the canonical
// title hash, else a new record.
func (e *Engine) upsertPublication(ctx context.Context, cand scholparse.PublicationCandidate) (*types.Publication, error) {
	fp := fingerprint.PublicationFingerprint(cand.Title, cand.Year, cand.AuthorsText, cand.VenueText)
	hash := fingerprint.CanonicalTitleHash(cand.Title)

	var existing *types.Publication
	var err error
	if cand.ClusterID != "" {
		existing, err = e.stores.Publications.FindByClusterID(ctx, cand.ClusterID)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	if existing == nil {
		existing, err = e.stores.Publications.FindByFingerprint(ctx, fp)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	if existing == nil {
		existing, err = e.stores.Publications.FindByCanonicalTitleHash(ctx, hash)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
	}

	title := fingerprint.Clean(cand.Title)
	if existing == nil {
		pub := &types.Publication{
			ClusterID:          cand.ClusterID,
			FingerprintSHA256:  fp,
			CanonicalTitleHash: hash,
			DOI:                enrich.ExtractDOI(cand.TitleURL, cand.VenueText),
			TitleRaw:           title,
			TitleNormalized:    fingerprint.NormalizeTitle(cand.Title),
			Year:               cand.Year,
			CitationCount:      cand.CitationCount,
			AuthorText:         cand.AuthorsText,
			VenueText:          cand.VenueText,
			PubURL:             cand.TitleURL,
		}
		if _, err := e.stores.Publications.CreatePublication(ctx, pub); err != nil {
			return nil, skerr.Wrap(err)
		}
		e.addLocalIdentifiers(ctx, pub, cand)
		return pub, nil
	}

	changed := false
	if title != "" && title != existing.TitleRaw {
		existing.TitleRaw = title
		existing.TitleNormalized = fingerprint.NormalizeTitle(cand.Title)
		changed = true
	}
	if cand.Year > 0 && cand.Year != existing.Year {
		existing.Year = cand.Year
		changed = true
	}
	if cand.CitationCount >= 0 && cand.CitationCount != existing.CitationCount {
		existing.CitationCount = cand.CitationCount
		changed = true
	}
	if cand.AuthorsText != "" && cand.AuthorsText != existing.AuthorText {
		existing.AuthorText = cand.AuthorsText
		changed = true
	}
	if cand.VenueText != "" && cand.VenueText != existing.VenueText {
		existing.VenueText = cand.VenueText
		changed = true
	}
	if cand.TitleURL != "" && cand.TitleURL != existing.PubURL {
		existing.PubURL = cand.TitleURL
		changed = true
	}
	// A cluster id is never downgraded, only filled in.
	if existing.ClusterID == "" && cand.ClusterID != "" {
		existing.ClusterID = cand.ClusterID
		changed = true
	}
	if changed {
		if err := e.stores.Publications.UpdatePublication(ctx, existing); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	return existing, nil
}

// addLocalIdentifiers records identifiers extractable from the scraped
// fields themselves; enrichment adds the authoritative ones later.
func (e *Engine) addLocalIdentifiers(ctx context.Context, pub *types.Publication, cand scholparse.PublicationCandidate) {
	if pub.DOI != "" {
		e.addIdentifier(ctx, pub.ID, types.IdentifierDOI, pub.DOI, cand.TitleURL)
	}
	if id := enrich.ExtractArxivID(cand.TitleURL, cand.PDFURL); id != "" {
		e.addIdentifier(ctx, pub.ID, types.IdentifierArxiv, id, cand.TitleURL)
	}
}

func (e *Engine) addIdentifier(ctx context.Context, pubID int64, kind types.IdentifierKind, value, evidence string) {
	err := e.stores.Publications.AddIdentifier(ctx, types.PublicationIdentifier{
		PublicationID:   pubID,
		Kind:            kind,
		ValueNormalized: value,
		ValueRaw:        value,
		Confidence:      0.9,
		Source:          "local",
		EvidenceURL:     evidence,
	})
	if err != nil {
		sklog.Errorf("Failed to add %s identifier for publication %d: %s", kind, pubID, err)
	}
}
