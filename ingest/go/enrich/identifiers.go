package enrich

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/arxiv"
	"go.scholarhound.org/scholarhound/ingest/go/openalex"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

var (
	doiRE      = regexp.MustCompile(`(?i)\b10\.\d{4,9}/[^\s"'<>]+`)
	arxivURLRE = regexp.MustCompile(`(?i)arxiv\.org/(?:abs|pdf)/((?:[a-z-]+(?:\.[a-z]{2})?/\d{7})|\d{4}\.\d{4,5})(?:v\d+)?`)
	pmidTailRE = regexp.MustCompile(`(\d+)/?$`)
)

// NormalizeDOI lowercases a DOI and strips any resolver prefix and
// trailing punctuation. Returns "" when no DOI is recognizable.
func NormalizeDOI(raw string) string {
	m := doiRE.FindString(raw)
	if m == "" {
		return ""
	}
	return strings.ToLower(strings.TrimRight(m, ".,;)"))
}

// ExtractDOI returns the first normalized DOI found in the given texts.
func ExtractDOI(texts ...string) string {
	for _, t := range texts {
		if doi := NormalizeDOI(t); doi != "" {
			return doi
		}
	}
	return ""
}

// ExtractArxivID returns the first arXiv id found in the given texts,
// version suffix dropped.
func ExtractArxivID(texts ...string) string {
	for _, t := range texts {
		if m := arxivURLRE.FindStringSubmatch(t); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

func normalizePMID(raw string) string {
	if m := pmidTailRE.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// syncIdentifiers discovers canonical identifiers for the publication
// from its own fields, the OpenAlex match, and an arXiv title lookup, and
// persists them. An arXiv rate limit flips arxivEnabled off for the rest
// of the pass; everything else keeps going. Returns whether the
// publication record itself was changed.
func (e *Enricher) syncIdentifiers(ctx context.Context, runID int64, pub *types.Publication, best *openalex.Work, arxivEnabled *bool) bool {
	changed := false
	add := func(kind types.IdentifierKind, raw, normalized, source, evidence string, confidence float64) {
		if normalized == "" {
			return
		}
		id := types.PublicationIdentifier{
			PublicationID:   pub.ID,
			Kind:            kind,
			ValueNormalized: normalized,
			ValueRaw:        raw,
			Confidence:      confidence,
			Source:          source,
			EvidenceURL:     evidence,
		}
		if err := e.pubs.AddIdentifier(ctx, id); err != nil {
			sklog.Errorf("Failed to add %s identifier for publication %d: %s", kind, pub.ID, err)
			return
		}
		if e.bus != nil {
			e.bus.Publish(runID, runevents.EventIdentifierUpdated, runevents.IdentifierUpdated{
				PublicationID: pub.ID,
				Kind:          string(kind),
				Value:         normalized,
				Source:        source,
				Confidence:    confidence,
			})
		}
		if kind == types.IdentifierDOI && pub.DOI == "" {
			pub.DOI = normalized
			changed = true
		}
	}

	// Local fields first: the publication may already carry a DOI or an
	// arXiv URL from scraping.
	if pub.DOI != "" {
		add(types.IdentifierDOI, pub.DOI, NormalizeDOI(pub.DOI), "local", pub.PubURL, 0.9)
	} else if doi := ExtractDOI(pub.PubURL, pub.PDFURL, pub.VenueText); doi != "" {
		add(types.IdentifierDOI, doi, doi, "local", pub.PubURL, 0.9)
	}
	localArxiv := ExtractArxivID(pub.PubURL, pub.PDFURL)
	if localArxiv != "" {
		add(types.IdentifierArxiv, localArxiv, localArxiv, "local", pub.PubURL, 0.9)
	}

	if best != nil {
		if doi := NormalizeDOI(best.IDs.DOI); doi != "" {
			add(types.IdentifierDOI, best.IDs.DOI, doi, "openalex", best.ID, 0.95)
		}
		if pmid := normalizePMID(best.IDs.PMID); pmid != "" {
			add(types.IdentifierPMID, best.IDs.PMID, pmid, "openalex", best.ID, 0.9)
		}
		if pmcid := normalizePMID(best.IDs.PMCID); pmcid != "" {
			add(types.IdentifierPMCID, best.IDs.PMCID, pmcid, "openalex", best.ID, 0.9)
		}
	}

	if localArxiv == "" && *arxivEnabled {
		if c := e.arxivLookup(ctx, pub, arxivEnabled); c != nil {
			add(types.IdentifierArxiv, c.entryID, c.arxivID, "arxiv", c.entryID, 0.8)
			if c.doi != "" {
				add(types.IdentifierDOI, c.doi, c.doi, "arxiv", c.entryID, 0.85)
			}
			if pub.PDFURL == "" && c.pdfURL != "" {
				pub.PDFURL = c.pdfURL
				changed = true
			}
		}
	}
	return changed
}

type arxivCandidate struct {
	entryID string
	arxivID string
	doi     string
	pdfURL  string
}

// arxivLookup searches arXiv by title and returns the best-matching
// entry, or nil. A rate limit disables arXiv for the rest of the pass.
func (e *Enricher) arxivLookup(ctx context.Context, pub *types.Publication, arxivEnabled *bool) *arxivCandidate {
	title := openalex.SanitizeTitle(pub.TitleRaw)
	if title == "" {
		return nil
	}
	feed, err := e.ax.Search(ctx, `ti:"`+title+`"`, 0, 5)
	if err != nil {
		var rl *arxiv.RateLimitError
		if errors.As(err, &rl) {
			sklog.Warningf("arXiv rate limited; disabling arXiv lookups for the rest of this pass: %s", rl)
			*arxivEnabled = false
		} else {
			sklog.Errorf("arXiv lookup for publication %d failed: %s", pub.ID, err)
		}
		return nil
	}
	for _, entry := range feed.Entries {
		if TitleSimilarity(pub.TitleRaw, entry.CleanTitle()) < matchThreshold {
			continue
		}
		id := entry.ArxivID()
		if id == "" {
			continue
		}
		return &arxivCandidate{
			entryID: entry.ID,
			arxivID: id,
			doi:     NormalizeDOI(entry.DOI),
			pdfURL:  entry.PDFURL(),
		}
	}
	return nil
}
