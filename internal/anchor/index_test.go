package anchor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/models"
)

const teamPage = `<html><head><title>Team</title></head><body>
	<h1>Our Team</h1>
	<ul class="team-list">
		<li class="member"><h3>Ada Lovelace</h3><p class="role">Engineer</p><a href="mailto:ada@example.com">email</a></li>
		<li class="member"><h3>Grace Hopper</h3><p class="role">Admiral</p><a href="mailto:grace@example.com">email</a></li>
		<li class="member"><h3>Alan Turing</h3><p class="role">Scientist</p><a href="mailto:alan@example.com">email</a></li>
	</ul>
</body></html>`

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func buildIndex(t *testing.T, html string) *Index {
	t.Helper()
	idx, err := Build(html, testLogger())
	require.NoError(t, err)
	return idx
}

func TestBuildAssignsStableIDs(t *testing.T) {
	idx1 := buildIndex(t, teamPage)
	idx2 := buildIndex(t, teamPage)

	require.Equal(t, idx1.Size(), idx2.Size())
	assert.Equal(t, idx1.AnchorIDs(), idx2.AnchorIDs())

	for _, id := range idx1.AnchorIDs() {
		t1, err := idx1.TextOf(id)
		require.NoError(t, err)
		t2, err := idx2.TextOf(id)
		require.NoError(t, err)
		assert.Equal(t, t1, t2)
	}
}

func TestBuildSkipsNonContentNodes(t *testing.T) {
	idx := buildIndex(t, `<html><head><title>t</title><style>p{}</style></head><body><script>x()</script><p>visible</p></body></html>`)

	for _, id := range idx.AnchorIDs() {
		text, err := idx.FullTextOf(id)
		require.NoError(t, err)
		assert.NotContains(t, text, "x()")
		assert.NotContains(t, text, "p{}")
	}
}

func TestLookupUnknownAnchor(t *testing.T) {
	idx := buildIndex(t, teamPage)

	assert.False(t, idx.Lookup("n_9999"))
	_, err := idx.TextOf("n_9999")
	assert.Error(t, err)
	_, err = idx.ReExtract("n_9999", models.FieldTypeString)
	assert.Error(t, err)
}

func TestBlockDetection(t *testing.T) {
	idx := buildIndex(t, teamPage)

	blocks := idx.Blocks()
	require.NotEmpty(t, blocks, "repeated li.member siblings should form blocks")
	assert.GreaterOrEqual(t, len(blocks), 3)

	// Every block member maps back to its block
	for _, blockID := range blocks {
		for _, anchorID := range idx.BlockAnchors(blockID) {
			got, ok := idx.BlockOf(anchorID)
			require.True(t, ok)
			assert.Equal(t, blockID, got)
		}
	}
}

func TestBlockDetectionRequiresSimilarStructure(t *testing.T) {
	// Siblings with the same tag but unrelated structure and classes
	idx := buildIndex(t, `<html><body>
		<div class="header"><img src="/logo.png"></div>
		<div class="footer"><span>fine print</span><a href="/x">x</a></div>
	</body></html>`)

	assert.Empty(t, idx.Blocks())
}

func TestBlockDetectionToleratesOddSibling(t *testing.T) {
	// Six repeated cards plus one structurally different list item; the odd
	// one must not veto the rest of the group
	idx := buildIndex(t, `<html><body><ul class="grid">
		<li class="card"><h3>One</h3><p>first card body</p></li>
		<li class="card"><h3>Two</h3><p>second card body</p></li>
		<li class="card"><h3>Three</h3><p>third card body</p></li>
		<li class="card"><h3>Four</h3><p>fourth card body</p></li>
		<li class="card"><h3>Five</h3><p>fifth card body</p></li>
		<li class="card"><h3>Six</h3><p>sixth card body</p></li>
		<li class="card"><p>See all results</p></li>
	</ul></body></html>`)

	assert.GreaterOrEqual(t, len(idx.Blocks()), 6)
}

func TestHasContentBlocks(t *testing.T) {
	assert.True(t, HasContentBlocks(teamPage, testLogger()))
	assert.False(t, HasContentBlocks(`<html><body><article><h1>Headline</h1><p>A single article with no repeated structure.</p></article></body></html>`, testLogger()))
}

func TestReExtractEmail(t *testing.T) {
	idx := buildIndex(t, teamPage)

	var found bool
	for _, id := range idx.AnchorIDs() {
		v, err := idx.ReExtract(id, models.FieldTypeEmail)
		if err == nil && v == "ada@example.com" {
			found = true
			break
		}
	}
	assert.True(t, found, "mailto href should re-extract as email")
}

func TestReExtractURL(t *testing.T) {
	idx := buildIndex(t, `<html><body><div><a href="https://example.com/about">About us</a></div></body></html>`)

	var found bool
	for _, id := range idx.AnchorIDs() {
		v, err := idx.ReExtract(id, models.FieldTypeURL)
		if err == nil && v == "https://example.com/about" {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestBuildSamples(t *testing.T) {
	idx := buildIndex(t, teamPage)

	samples := idx.BuildSamples(5)
	require.NotEmpty(t, samples)
	assert.LessOrEqual(t, len(samples), 5)

	seenBlocks := make(map[string]bool)
	for _, s := range samples {
		assert.NotEmpty(t, s.AnchorID)
		assert.LessOrEqual(t, len(s.Text), MaxSampleLength)
		if s.BlockID != "" {
			assert.False(t, seenBlocks[s.BlockID], "samples should span distinct blocks")
			seenBlocks[s.BlockID] = true
		}
	}
}

func TestBuildSamplesWithoutBlocks(t *testing.T) {
	idx := buildIndex(t, `<html><body><article><h1>A long standalone headline here</h1><p>One paragraph of body content long enough to sample.</p></article></body></html>`)

	samples := idx.BuildSamples(3)
	assert.NotEmpty(t, samples, "pages without repeated structure still yield samples")
}

func TestEvidenceSelectorInternalOnly(t *testing.T) {
	idx := buildIndex(t, teamPage)

	samples := idx.BuildSamples(5)
	for _, s := range samples {
		sel := idx.EvidenceSelector(s.AnchorID)
		assert.NotEmpty(t, sel)
		assert.NotContains(t, s.Text, sel, "selectors must not leak into samples")
	}
}
