package scholparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
)

const profileTwoRows = `<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<img id="gsc_prf_pup-img" src="/citations/images/avatar.png">
<table id="gsc_a_t"><tbody>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" href="/citations?view_op=view_citation&citation_for_view=AbCdEfGhIjKl:qjMakFHDy7s">Sketch of the analytical engine</a>
    <div class="gs_gray">A Lovelace, L Menabrea</div>
    <div class="gs_gray">Scientific Memoirs 3</div>
  </td>
  <td class="gsc_a_c"><a class="gsc_a_ac" href="#">1,234</a></td>
  <td class="gsc_a_y"><span class="gsc_a_h">1843</span></td>
</tr>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" href="/citations?view_op=view_citation&citation_for_view=AbCdEfGhIjKl:u5HHmVD_uO8">Notes by the translator</a>
    <div class="gs_gray">A Lovelace</div>
    <div class="gs_gray">Taylor Scientific Memoirs</div>
  </td>
  <td class="gsc_a_c"><a class="gsc_a_ac" href="#"></a></td>
  <td class="gsc_a_y"><span class="gsc_a_h"></span></td>
</tr>
</tbody></table>
<span id="gsc_a_nn">1&ndash;2</span>
<button id="gsc_bpf_more" disabled>Show more</button>
</body></html>`

func okFetch(body string) scholsource.FetchResult {
	return scholsource.FetchResult{
		RequestedURL: "https://scholar.google.com/citations?user=AbCdEfGhIjKl",
		StatusCode:   200,
		FinalURL:     "https://scholar.google.com/citations?user=AbCdEfGhIjKl",
		Body:         body,
	}
}

func TestParseProfilePage_ExtractsRows(t *testing.T) {
	page, err := ParseProfilePage(okFetch(profileTwoRows))
	require.NoError(t, err)

	assert.Equal(t, StateOK, page.State)
	assert.Equal(t, ReasonExtracted, page.StateReason)
	assert.Equal(t, "Ada Lovelace", page.ProfileName)
	assert.Equal(t, "/citations/images/avatar.png", page.ProfileImageURL)
	assert.Equal(t, "1–2", page.ArticlesRange)
	// The show-more button is present but disabled.
	assert.False(t, page.HasShowMoreButton)
	assert.Equal(t, 2, page.MarkerCounts["gsc_a_tr"])

	require.Len(t, page.Publications, 2)
	first := page.Publications[0]
	assert.Equal(t, "Sketch of the analytical engine", first.Title)
	assert.Equal(t, "cfv:AbCdEfGhIjKl:qjMakFHDy7s", first.ClusterID)
	assert.Equal(t, 1234, first.CitationCount)
	assert.Equal(t, 1843, first.Year)
	assert.Equal(t, "A Lovelace, L Menabrea", first.AuthorsText)
	assert.Equal(t, "Scientific Memoirs 3", first.VenueText)
	assert.Empty(t, first.PDFURL)

	second := page.Publications[1]
	assert.Zero(t, second.CitationCount)
	assert.Zero(t, second.Year)
}

func TestParseProfilePage_NetworkError(t *testing.T) {
	page, err := ParseProfilePage(scholsource.FetchResult{
		Err: "Get \"https://scholar.google.com\": context deadline exceeded",
	})
	require.NoError(t, err)
	assert.Equal(t, StateNetworkError, page.State)
	assert.Equal(t, ReasonTimeout, page.StateReason)

	page, err = ParseProfilePage(scholsource.FetchResult{
		Err: "dial tcp: lookup scholar.google.com: no such host",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDNSFailed, page.StateReason)
}

func TestParseProfilePage_RateLimited(t *testing.T) {
	res := okFetch("whatever")
	res.StatusCode = 429
	page, err := ParseProfilePage(res)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, page.State)
	assert.Equal(t, ReasonRateLimited, page.StateReason)
}

func TestParseProfilePage_CaptchaBanner(t *testing.T) {
	page, err := ParseProfilePage(okFetch("<html>Please show you're not a robot</html>"))
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, page.State)
	assert.Equal(t, ReasonRateLimited, page.StateReason)
}

func TestParseProfilePage_SignInRedirect(t *testing.T) {
	res := okFetch("<html>sign in</html>")
	res.FinalURL = "https://accounts.google.com/ServiceLogin?continue=x"
	page, err := ParseProfilePage(res)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, page.State)
	assert.Equal(t, ReasonAccountsRedirect, page.StateReason)
}

func TestParseProfilePage_MissingMarkersIsLayoutError(t *testing.T) {
	_, err := ParseProfilePage(okFetch("<html><body><p>something else entirely</p></body></html>"))
	require.Error(t, err)
	assert.True(t, IsLayoutError(err))
}

func TestParseProfilePage_UnparseableCitationIsLayoutError(t *testing.T) {
	body := `<html><body>
<div id="gsc_prf_in">A</div>
<table id="gsc_a_t">
<tr class="gsc_a_tr">
  <td><a class="gsc_a_at" href="/citations?citation_for_view=a:b">T</a></td>
  <td><a class="gsc_a_ac" href="#">N/A</a></td>
</tr>
</table></body></html>`
	_, err := ParseProfilePage(okFetch(body))
	require.Error(t, err)
	assert.True(t, IsLayoutError(err))
}

func TestParseProfilePage_NoRowsWithMarkers(t *testing.T) {
	body := `<html><body><div id="gsc_prf_in">A</div><table id="gsc_a_t"></table></body></html>`
	page, err := ParseProfilePage(okFetch(body))
	require.NoError(t, err)
	assert.Equal(t, StateOK, page.State)
	assert.Equal(t, ReasonNoRows, page.StateReason)
	assert.Empty(t, page.Publications)
}

func TestParseProfilePage_EmptyProfile(t *testing.T) {
	body := `<html><body><div id="gsc_prf_in">A</div><table id="gsc_a_t"></table>
<div class="gsc_a_na">There are no articles in this profile.</div></body></html>`
	page, err := ParseProfilePage(okFetch(body))
	require.NoError(t, err)
	assert.Equal(t, StateNoResults, page.State)
	assert.Equal(t, ReasonNoArticles, page.StateReason)
}

const searchOneCard = `<html><body><div id="gsc_sa_ccl">
<div class="gsc_1usr">
  <img src="/avatar.jpg">
  <h3 class="gs_ai_name"><a href="/citations?hl=en&user=AbCdEfGhIjKl">Ada Lovelace</a></h3>
  <div class="gs_ai_aff">Analytical Engines Ltd</div>
  <div class="gs_ai_eml">Verified email at example.edu</div>
  <div class="gs_ai_cby">Cited by 1234</div>
  <a class="gs_ai_one_int" href="#">Computing</a><a class="gs_ai_one_int" href="#">Mathematics</a>
</div>
<button class="gs_btnPR">next</button>
</div></body></html>`

func TestParseAuthorSearchPage_ExtractsCards(t *testing.T) {
	page, err := ParseAuthorSearchPage(okFetch(searchOneCard))
	require.NoError(t, err)
	assert.Equal(t, StateOK, page.State)
	require.Len(t, page.Candidates, 1)

	c := page.Candidates[0]
	assert.Equal(t, "AbCdEfGhIjKl", c.ScholarID)
	assert.Equal(t, "Ada Lovelace", c.Name)
	assert.Equal(t, "Analytical Engines Ltd", c.Affiliation)
	assert.Equal(t, "example.edu", c.EmailDomain)
	assert.Equal(t, 1234, c.CitedBy)
	assert.Equal(t, "/avatar.jpg", c.ImageURL)
	assert.Equal(t, []string{"Computing", "Mathematics"}, c.Interests)
	assert.True(t, page.HasNextPage)
}

func TestParseAuthorSearchPage_NoResults(t *testing.T) {
	page, err := ParseAuthorSearchPage(okFetch(`<html><body><div id="gsc_sa_ccl"></div></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, StateNoResults, page.State)
	assert.Empty(t, page.Candidates)
	assert.False(t, page.HasNextPage)
}

func TestParseAuthorSearchPage_MissingContainerIsLayoutError(t *testing.T) {
	_, err := ParseAuthorSearchPage(okFetch(`<html><body></body></html>`))
	require.Error(t, err)
	assert.True(t, IsLayoutError(err))
}
