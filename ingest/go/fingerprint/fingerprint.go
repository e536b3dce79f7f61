// Package fingerprint canonicalizes publication titles and computes the
// dedup keys used to resolve scraped rows against the shared publication
// store: the publication fingerprint, the canonical-title hash, and the
// per-scholar initial-page fingerprint. It also implements the intra-run
// fuzzy dedup carried across pages of a single scholar.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"go.scholarhound.org/scholarhound/go/skerr"
)

// jaccardThreshold is the token-set similarity at which two titles are
// considered the same work within a run.
const jaccardThreshold = 0.82

// initialPageMaxPubs caps how many rows feed the initial-page fingerprint.
const initialPageMaxPubs = 30

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	nonAlnumRE   = regexp.MustCompile(`[^\pL\pN]+`)

	// Trailing noise commonly appended by Scholar to scraped titles. Applied
	// repeatedly until the title stops shrinking, since tails stack.
	trailingNoise = []*regexp.Regexp{
		regexp.MustCompile(`(?i)[\s.,;:]*(?:doi:?\s*\S+|https?://(?:dx\.)?doi\.org/\S+)$`),
		regexp.MustCompile(`(?i)[\s.,;:]*\barxiv preprint\b.*$`),
		regexp.MustCompile(`(?i)[\s.,;:]*\barxiv:\s*\S+$`),
		regexp.MustCompile(`(?i)[\s.,;:]*\b(?:preprint|technical report|working paper)\b[\s\d.,;:#-]*$`),
		regexp.MustCompile(`\s*\((?:19|20)\d{2}\)$`),
		regexp.MustCompile(`,\s*(?:19|20)\d{2}$`),
		regexp.MustCompile(`(?i)[\s.,;]+\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\b[^.]*?(?:19|20)\d{2}$`),
		regexp.MustCompile(`(?i)[\s.,;:]*\b(?:conference paper|journal article)$`),
		regexp.MustCompile(`(?i)[\s.,;:]+\bin:?\s+proceedings\b.*$`),
		// A trailing capitalized sentence is almost always a venue name
		// glued onto the title.
		regexp.MustCompile(`\.\s+\p{Lu}[^.]*\.?$`),
	}

	// Leading noise: date prefixes ("Jun 5:", "Jan 12-14:") and dangling
	// author-list fragments ("and X.Y.:").
	leadingNoise = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\s+\d{1,2}(?:-\d{1,2})?:\s*`),
		regexp.MustCompile(`^and\s+[A-Z]\.[A-Z]\.?:\s*`),
	}

	// mojibakeMarkers are the telltale prefixes of UTF-8 text that was
	// decoded as a single-byte charset.
	mojibakeMarkers = []string{"Ã", "Â", "â"}
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func artifactCount(s string) int {
	n := 0
	for _, m := range mojibakeMarkers {
		n += strings.Count(s, m)
	}
	return n
}

// repairMojibake re-encodes the string through windows-1252 and re-decodes
// it as UTF-8, keeping the result only when it is valid and strictly
// reduces mojibake artifacts. Windows-1252 rather than strict latin-1
// because the 0x80-0x9F block ("€", "™", curly quotes) is where
// most real-world double decoding lands.
func repairMojibake(s string) string {
	before := artifactCount(s)
	if before == 0 {
		return s
	}
	raw, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil || !utf8.ValidString(raw) {
		return s
	}
	if artifactCount(raw) < before {
		return raw
	}
	return s
}

// Clean applies the shared text normalization pipeline: mojibake repair,
// NFKC, removal of leftover mojibake glyphs, whitespace collapse.
func Clean(s string) string {
	s = repairMojibake(s)
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == 'Â' || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeTitle lowercases and strips everything but letters and digits.
// The result is only good for equality joins, never for display.
func NormalizeTitle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(Clean(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalTitle strips the noise Scholar glues onto titles (DOI and arXiv
// suffixes, year and venue tails, date and author-fragment prefixes) so
// near-duplicate rows hash together.
func CanonicalTitle(s string) string {
	s = Clean(s)
	for i := 0; i < 6; i++ {
		orig := s
		for _, re := range leadingNoise {
			s = re.ReplaceAllString(s, "")
		}
		for _, re := range trailingNoise {
			s = re.ReplaceAllString(s, "")
		}
		s = strings.TrimSpace(s)
		if s == orig {
			break
		}
	}
	return s
}

func alnumLower(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FirstAuthorLastname extracts the last name of the first author from a
// Scholar author string such as "A Vaswani, N Shazeer, N Parmar".
func FirstAuthorLastname(authorText string) string {
	first := authorText
	if i := strings.IndexAny(authorText, ",;"); i >= 0 {
		first = authorText[:i]
	}
	fields := strings.Fields(Clean(first))
	if len(fields) == 0 {
		return ""
	}
	return alnumLower(fields[len(fields)-1])
}

// FirstVenueWord extracts the first word of the venue string.
func FirstVenueWord(venueText string) string {
	fields := strings.Fields(Clean(venueText))
	if len(fields) == 0 {
		return ""
	}
	return alnumLower(fields[0])
}

// PublicationFingerprint is the primary dedup key: SHA-256 over the
// normalized title, year, first author's last name, and first venue word.
// A zero year contributes an empty field.
func PublicationFingerprint(title string, year int, authorText, venueText string) string {
	y := ""
	if year > 0 {
		y = strconv.Itoa(year)
	}
	payload := strings.Join([]string{
		NormalizeTitle(title),
		y,
		FirstAuthorLastname(authorText),
		FirstVenueWord(venueText),
	}, "|")
	return sha256Hex(payload)
}

// CanonicalTitleHash is the near-duplicate key: SHA-256 of the normalized
// canonical title.
func CanonicalTitleHash(title string) string {
	return sha256Hex(NormalizeTitle(CanonicalTitle(title)))
}

// PubSnapshot is the per-row slice of an initial-page fingerprint.
type PubSnapshot struct {
	ClusterID       string `json:"cluster_id"`
	TitleNormalized string `json:"title_normalized"`
	Year            int    `json:"year"`
	CitationCount   int    `json:"citation_count"`
}

// PageSnapshot is the material an initial-page fingerprint is computed
// over. Only the first page of a scholar ever produces one.
type PageSnapshot struct {
	State             string        `json:"state"`
	ArticlesRange     string        `json:"articles_range"`
	HasShowMoreButton bool          `json:"has_show_more_button"`
	ProfileName       string        `json:"profile_name"`
	Publications      []PubSnapshot `json:"publications"`
}

// InitialPageFingerprint hashes a canonical JSON encoding of the snapshot,
// considering at most the first 30 rows. Struct field order fixes the key
// order, so the encoding is deterministic.
func InitialPageFingerprint(snap PageSnapshot) (string, error) {
	if len(snap.Publications) > initialPageMaxPubs {
		snap.Publications = snap.Publications[:initialPageMaxPubs]
	}
	if snap.Publications == nil {
		snap.Publications = []PubSnapshot{}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return sha256Hex(string(b)), nil
}

// TitleTokens tokenizes a canonical title into its word-token set.
func TitleTokens(title string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, f := range nonAlnumRE.Split(strings.ToLower(CanonicalTitle(title)), -1) {
		if f != "" {
			tokens[f] = struct{}{}
		}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// DedupState tracks the titles accepted so far for one scholar within a
// run. It persists across pages so a row repeated by Scholar's pagination
// is only counted once.
type DedupState struct {
	seen []map[string]struct{}
}

// NewDedupState seeds the state with previously accepted titles.
func NewDedupState(seedTitles []string) *DedupState {
	d := &DedupState{}
	for _, t := range seedTitles {
		d.Add(t)
	}
	return d
}

// Collides reports whether the title's token set is Jaccard-similar to any
// accepted title.
func (d *DedupState) Collides(title string) bool {
	set := TitleTokens(title)
	if len(set) == 0 {
		return false
	}
	for _, other := range d.seen {
		if jaccard(set, other) >= jaccardThreshold {
			return true
		}
	}
	return false
}

// Add records a title as accepted.
func (d *DedupState) Add(title string) {
	d.seen = append(d.seen, TitleTokens(title))
}

// AddIfNew records the title unless it collides with an accepted one, and
// reports whether it was recorded.
func (d *DedupState) AddIfNew(title string) bool {
	if d.Collides(title) {
		return false
	}
	d.Add(title)
	return true
}
