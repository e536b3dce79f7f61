package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean_RepairsMojibake(t *testing.T) {
	assert.Equal(t, "Café society", Clean("CafÃ© society"))
	assert.Equal(t, "don’t stop", Clean("donâ€™t stop"))
	// Clean text passes through untouched.
	assert.Equal(t, "Café society", Clean("Café society"))
}

func TestClean_CollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", Clean("  a \t b\n\nc "))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "deeplearningasurvey", NormalizeTitle("Deep  Learning: A Survey!"))
	assert.Equal(t, "", NormalizeTitle("  ...  "))
}

func TestCanonicalTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Attention is all you need. Advances in Neural Information Processing Systems", "Attention is all you need"},
		{"Graph networks (2020)", "Graph networks"},
		{"Robust learning, 2019", "Robust learning"},
		{"Quantum widgets arXiv preprint arXiv:2101.00001", "Quantum widgets"},
		{"Fast flows. doi:10.1000/xyz", "Fast flows"},
		{"Sorting at scale. In: Proceedings of SODA", "Sorting at scale"},
		{"Neural nets, Jan 2021", "Neural nets"},
		{"Sampling bounds. Technical report", "Sampling bounds"},
		{"Jun 5: Lab notebooks at scale", "Lab notebooks at scale"},
		{"and X.Y.: Tensor methods", "Tensor methods"},
		{"Plain title with no noise", "Plain title with no noise"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalTitle(tc.in), "input %q", tc.in)
	}
}

func TestCanonicalTitle_StackedTails(t *testing.T) {
	// Year tail and venue sentence stacked; stripping must iterate.
	assert.Equal(t, "Streaming joins", CanonicalTitle("Streaming joins. Journal of Data Engineering, 2018"))
}

func TestFirstAuthorLastname(t *testing.T) {
	assert.Equal(t, "vaswani", FirstAuthorLastname("A Vaswani, N Shazeer, N Parmar"))
	assert.Equal(t, "knuth", FirstAuthorLastname("Donald E Knuth"))
	assert.Equal(t, "", FirstAuthorLastname(""))
}

func TestFirstVenueWord(t *testing.T) {
	assert.Equal(t, "advances", FirstVenueWord("Advances in Neural Information Processing Systems"))
	assert.Equal(t, "", FirstVenueWord("   "))
}

func TestPublicationFingerprint(t *testing.T) {
	got := PublicationFingerprint("Attention Is All You Need", 2017, "A Vaswani, N Shazeer", "Advances in NeurIPS")
	sum := sha256.Sum256([]byte("attentionisallyouneed|2017|vaswani|advances"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	// A zero year contributes an empty field, not "0".
	noYear := PublicationFingerprint("Attention Is All You Need", 0, "A Vaswani", "NeurIPS")
	sum = sha256.Sum256([]byte("attentionisallyouneed||vaswani|neurips"))
	assert.Equal(t, hex.EncodeToString(sum[:]), noYear)
	assert.NotEqual(t, got, noYear)
}

func TestCanonicalTitleHash_NearDuplicatesCollapse(t *testing.T) {
	a := CanonicalTitleHash("Streaming joins. Journal of Data Engineering, 2018")
	b := CanonicalTitleHash("Streaming Joins")
	assert.Equal(t, b, a)
	assert.NotEqual(t, a, CanonicalTitleHash("Batch joins"))
}

func TestInitialPageFingerprint_Deterministic(t *testing.T) {
	snap := PageSnapshot{
		State:             "OK",
		ArticlesRange:     "1-20",
		HasShowMoreButton: true,
		ProfileName:       "Ada Lovelace",
		Publications: []PubSnapshot{
			{ClusterID: "cfv:1:2", TitleNormalized: "analyticalengines", Year: 1843, CitationCount: 12},
		},
	}
	a, err := InitialPageFingerprint(snap)
	require.NoError(t, err)
	b, err := InitialPageFingerprint(snap)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	snap.Publications[0].CitationCount = 13
	c, err := InitialPageFingerprint(snap)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestInitialPageFingerprint_TruncatesAtThirtyRows(t *testing.T) {
	mkPubs := func(n int) []PubSnapshot {
		pubs := make([]PubSnapshot, 0, n)
		for i := 0; i < n; i++ {
			pubs = append(pubs, PubSnapshot{TitleNormalized: fmt.Sprintf("title%d", i), Year: 2000 + i})
		}
		return pubs
	}
	a, err := InitialPageFingerprint(PageSnapshot{State: "OK", Publications: mkPubs(30)})
	require.NoError(t, err)
	b, err := InitialPageFingerprint(PageSnapshot{State: "OK", Publications: mkPubs(31)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDedupState(t *testing.T) {
	d := NewDedupState(nil)
	require.True(t, d.AddIfNew("Deep learning for image recognition"))
	// Identical token set, punctuation aside.
	assert.False(t, d.AddIfNew("Deep learning for image recognition."))
	// 4-of-5 token overlap is 0.8, below the threshold.
	require.True(t, d.AddIfNew("alpha beta gamma delta epsilon"))
	assert.True(t, d.AddIfNew("alpha beta gamma delta"))
	// 9-of-10 overlap with one set a strict subset is 0.9.
	require.True(t, d.AddIfNew("one two three four five six seven eight nine ten"))
	assert.False(t, d.AddIfNew("one two three four five six seven eight nine"))
}

func TestDedupState_Seeded(t *testing.T) {
	d := NewDedupState([]string{"Sparse attention transformers"})
	assert.True(t, d.Collides("Sparse attention transformers"))
	assert.False(t, d.Collides("Dense convolution baselines"))
}

func TestDedupState_EmptyTitleNeverCollides(t *testing.T) {
	d := NewDedupState([]string{""})
	assert.False(t, d.Collides(""))
}
