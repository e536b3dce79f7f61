// Package scholparse turns raw Scholar fetch results into typed pages.
// Classification is strict: transport failures, rate-limit banners, and
// sign-in redirects are recognized before any DOM work, and missing DOM
// anchors are a hard layout error rather than a silent empty page, so a
// Scholar markup change surfaces as LAYOUT_CHANGED instead of a quiet
// "no publications" run.
package scholparse

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
)

// PageState classifies a parsed Scholar page.
type PageState string

const (
	StateOK            PageState = "OK"
	StateNoResults     PageState = "NO_RESULTS"
	StateBlocked       PageState = "BLOCKED_OR_CAPTCHA"
	StateLayoutChanged PageState = "LAYOUT_CHANGED"
	StateNetworkError  PageState = "NETWORK_ERROR"
)

// Machine-readable state reasons.
const (
	ReasonDNSFailed        = "network_dns_resolution_failed"
	ReasonTimeout          = "network_timeout"
	ReasonTLSError         = "network_tls_error"
	ReasonNetworkError     = "network_error"
	ReasonRateLimited      = "blocked_http_429_rate_limited"
	ReasonAccountsRedirect = "blocked_accounts_redirect"
	ReasonNoRows           = "no_rows_with_known_markers"
	ReasonNoArticles       = "no_articles_in_profile"
	ReasonExtracted        = "publications_extracted"
)

// DOM anchors we count and depend on. Scholar changing any of these is a
// layout failure, not a parse-to-empty.
const (
	markerProfileName   = "gsc_prf_in"
	markerProfileImage  = "gsc_prf_pup-img"
	markerPubTable      = "gsc_a_t"
	markerPubRow        = "gsc_a_tr"
	markerShowMore      = "gsc_bpf_more"
	markerArticlesRange = "gsc_a_nn"
	markerNoArticles    = "gsc_a_na"
	markerSearchResults = "gsc_sa_ccl"
	markerSearchCard    = "gsc_1usr"
)

// LayoutError reports a violated DOM invariant. The paged fetcher wraps
// it as a LAYOUT_CHANGED failure for the scholar.
type LayoutError struct {
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("scholar layout invariant violated: %s", e.Reason)
}

// IsLayoutError reports whether err is (or wraps) a LayoutError.
func IsLayoutError(err error) bool {
	var le *LayoutError
	return errors.As(err, &le)
}

// PublicationCandidate is one publication row scraped off a profile page.
// PDFURL stays empty here: direct [PDF] links in Scholar markup are
// ignored, pdf discovery belongs to the enrichment pipeline.
type PublicationCandidate struct {
	Title         string
	TitleURL      string
	ClusterID     string
	Year          int
	CitationCount int
	AuthorsText   string
	VenueText     string
	PDFURL        string
}

// ParsedProfilePage is the typed result of parsing one profile page.
type ParsedProfilePage struct {
	State             PageState
	StateReason       string
	ProfileName       string
	ProfileImageURL   string
	Publications      []PublicationCandidate
	MarkerCounts      map[string]int
	Warnings          []string
	HasShowMoreButton bool
	ArticlesRange     string
}

// AuthorCandidate is one card from an author-search page.
type AuthorCandidate struct {
	ScholarID   string
	Name        string
	Affiliation string
	EmailDomain string
	CitedBy     int
	ImageURL    string
	Interests   []string
}

// ParsedAuthorSearchPage is the typed result of parsing one author-search
// page.
type ParsedAuthorSearchPage struct {
	State        PageState
	StateReason  string
	Candidates   []AuthorCandidate
	MarkerCounts map[string]int
	HasNextPage  bool
}

var blockedBanners = []string{
	"not a robot",
	"unusual traffic",
	"captcha",
	"/sorry/",
}

func networkReason(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "no such host") || strings.Contains(lower, "dns"):
		return ReasonDNSFailed
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(lower, "tls") || strings.Contains(lower, "certificate"):
		return ReasonTLSError
	default:
		return ReasonNetworkError
	}
}

func isBlockedBody(body string) bool {
	lower := strings.ToLower(body)
	for _, banner := range blockedBanners {
		if strings.Contains(lower, banner) {
			return true
		}
	}
	return false
}

func isSignInURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	return strings.HasPrefix(host, "accounts.") ||
		strings.Contains(path, "servicelogin") ||
		strings.Contains(path, "/signin")
}

// classify applies the pre-DOM rules shared by both page kinds. It returns
// the state and reason, or ok=false when the body should be parsed.
func classify(res scholsource.FetchResult) (PageState, string, bool) {
	if res.Failed() && res.StatusCode == 0 {
		return StateNetworkError, networkReason(res.Err), true
	}
	if res.StatusCode == 429 || isBlockedBody(res.Body) {
		return StateBlocked, ReasonRateLimited, true
	}
	if isSignInURL(res.FinalURL) {
		return StateBlocked, ReasonAccountsRedirect, true
	}
	return "", "", false
}

// ParseProfilePage parses one profile-page fetch result. A missing DOM
// anchor or an unparseable row returns a LayoutError; every other outcome
// is expressed in the page state.
func ParseProfilePage(res scholsource.FetchResult) (*ParsedProfilePage, error) {
	page := &ParsedProfilePage{
		MarkerCounts: map[string]int{},
	}
	if state, reason, done := classify(res); done {
		page.State = state
		page.StateReason = reason
		return page, nil
	}

	root, err := html.Parse(strings.NewReader(res.Body))
	if err != nil {
		return nil, &LayoutError{Reason: "body_not_parseable_html"}
	}
	countMarkers(root, page.MarkerCounts,
		markerProfileName, markerProfileImage, markerPubTable, markerPubRow,
		markerShowMore, markerArticlesRange, markerNoArticles)

	if page.MarkerCounts[markerProfileName] == 0 {
		return nil, &LayoutError{Reason: "missing_profile_name_container"}
	}
	if page.MarkerCounts[markerPubTable] == 0 {
		return nil, &LayoutError{Reason: "missing_publications_table"}
	}

	page.ProfileName = strings.TrimSpace(textContent(elementByID(root, markerProfileName)))
	if img := elementByID(root, markerProfileImage); img != nil {
		page.ProfileImageURL = attrVal(img, "src")
	}
	if span := elementByID(root, markerArticlesRange); span != nil {
		page.ArticlesRange = strings.TrimSpace(textContent(span))
	}
	if btn := elementByID(root, markerShowMore); btn != nil {
		page.HasShowMoreButton = !hasAttr(btn, "disabled")
	}

	for _, row := range elementsByClass(root, "tr", markerPubRow) {
		cand, err := parsePublicationRow(row)
		if err != nil {
			return nil, err
		}
		page.Publications = append(page.Publications, cand)
	}

	switch {
	case len(page.Publications) == 0 && page.MarkerCounts[markerNoArticles] > 0:
		page.State = StateNoResults
		page.StateReason = ReasonNoArticles
	case len(page.Publications) == 0:
		page.State = StateOK
		page.StateReason = ReasonNoRows
	default:
		page.State = StateOK
		page.StateReason = ReasonExtracted
	}
	if page.HasShowMoreButton && len(page.Publications) == 0 {
		page.Warnings = append(page.Warnings, "possible_partial_page_show_more_present")
	}
	return page, nil
}

func parsePublicationRow(row *html.Node) (PublicationCandidate, error) {
	var cand PublicationCandidate
	title := firstElementByClass(row, "a", "gsc_a_at")
	if title == nil {
		return cand, &LayoutError{Reason: "row_missing_title_anchor"}
	}
	cand.Title = strings.TrimSpace(textContent(title))
	cand.TitleURL = attrVal(title, "href")
	cand.ClusterID = clusterIDFromHref(cand.TitleURL)

	// The two gray divs under the title cell are authors then venue.
	grays := elementsByClass(row, "div", "gs_gray")
	if len(grays) > 0 {
		cand.AuthorsText = strings.TrimSpace(textContent(grays[0]))
	}
	if len(grays) > 1 {
		cand.VenueText = strings.TrimSpace(textContent(grays[1]))
	}

	if cited := firstElementByClass(row, "a", "gsc_a_ac"); cited != nil {
		n, err := parseCount(textContent(cited))
		if err != nil {
			return cand, &LayoutError{Reason: "citation_count_unparseable"}
		}
		cand.CitationCount = n
	}
	if yearSpan := firstElementByClass(row, "span", "gsc_a_h"); yearSpan != nil {
		if y, err := strconv.Atoi(strings.TrimSpace(textContent(yearSpan))); err == nil {
			cand.Year = y
		}
	}
	return cand, nil
}

// ParseAuthorSearchPage parses one author-search fetch result.
func ParseAuthorSearchPage(res scholsource.FetchResult) (*ParsedAuthorSearchPage, error) {
	page := &ParsedAuthorSearchPage{
		MarkerCounts: map[string]int{},
	}
	if state, reason, done := classify(res); done {
		page.State = state
		page.StateReason = reason
		return page, nil
	}

	root, err := html.Parse(strings.NewReader(res.Body))
	if err != nil {
		return nil, &LayoutError{Reason: "body_not_parseable_html"}
	}
	countMarkers(root, page.MarkerCounts, markerSearchResults, markerSearchCard)
	if page.MarkerCounts[markerSearchResults] == 0 {
		return nil, &LayoutError{Reason: "missing_search_results_container"}
	}

	for _, card := range elementsByClass(root, "div", markerSearchCard) {
		cand := parseAuthorCard(card)
		if cand.ScholarID == "" {
			return nil, &LayoutError{Reason: "search_card_missing_profile_link"}
		}
		page.Candidates = append(page.Candidates, cand)
	}

	// The next-page arrow is an enabled gs_btnPR button.
	for _, btn := range elementsByClass(root, "button", "gs_btnPR") {
		if !hasAttr(btn, "disabled") {
			page.HasNextPage = true
		}
	}

	if len(page.Candidates) == 0 {
		page.State = StateNoResults
		page.StateReason = ReasonNoRows
	} else {
		page.State = StateOK
		page.StateReason = ReasonExtracted
	}
	return page, nil
}

func parseAuthorCard(card *html.Node) AuthorCandidate {
	var cand AuthorCandidate
	if name := firstElementByClass(card, "", "gs_ai_name"); name != nil {
		if a := firstElement(name, "a"); a != nil {
			cand.Name = strings.TrimSpace(textContent(a))
			cand.ScholarID = scholarIDFromHref(attrVal(a, "href"))
		}
	}
	if aff := firstElementByClass(card, "div", "gs_ai_aff"); aff != nil {
		cand.Affiliation = strings.TrimSpace(textContent(aff))
	}
	if eml := firstElementByClass(card, "div", "gs_ai_eml"); eml != nil {
		text := strings.TrimSpace(textContent(eml))
		if i := strings.LastIndex(text, " at "); i >= 0 {
			cand.EmailDomain = strings.TrimSpace(text[i+len(" at "):])
		}
	}
	if cby := firstElementByClass(card, "div", "gs_ai_cby"); cby != nil {
		digits := strings.TrimFunc(textContent(cby), func(r rune) bool {
			return r < '0' || r > '9'
		})
		if n, err := parseCount(digits); err == nil {
			cand.CitedBy = n
		}
	}
	if img := firstElement(card, "img"); img != nil {
		cand.ImageURL = attrVal(img, "src")
	}
	for _, interest := range elementsByClass(card, "a", "gs_ai_one_int") {
		cand.Interests = append(cand.Interests, strings.TrimSpace(textContent(interest)))
	}
	return cand
}

// clusterIDFromHref derives the stable cluster id from the
// citation_for_view query parameter, e.g. "cfv:AbC:XyZ".
func clusterIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	cfv := u.Query().Get("citation_for_view")
	if cfv == "" {
		return ""
	}
	return "cfv:" + cfv
}

func scholarIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("user")
}

// parseCount parses a citation count, tolerating thousands separators and
// non-breaking spaces. Empty means zero.
func parseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", ".", "", "\u00a0", "", " ", "").Replace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return n, nil
}
