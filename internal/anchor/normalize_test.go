package anchor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdempotent(t *testing.T) {
	raw := `<html><head><title>Shop</title></head><body>
		<!-- build 2291 -->
		<div class="item"   data-timestamp="1724486400">
			<h2>  Widget   One </h2>
			<script>trackView();</script>
		</div>
	</body></html>`

	once, err := Normalize(raw)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestNormalizeStripsVolatile(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{
			name: "comments removed",
			a:    `<div><!-- cache 99 --><p>hello</p></div>`,
			b:    `<div><p>hello</p></div>`,
		},
		{
			name: "whitespace collapsed",
			a:    "<p>hello   \n\t world</p>",
			b:    `<p>hello world</p>`,
		},
		{
			name: "volatile attrs dropped",
			a:    `<div nonce="abc123" data-timestamp="1724486400"><p>x</p></div>`,
			b:    `<div><p>x</p></div>`,
		},
		{
			name: "attrs sorted",
			a:    `<a href="/x" class="nav">x</a>`,
			b:    `<a class="nav" href="/x">x</a>`,
		},
		{
			name: "autogenerated ids dropped",
			a:    `<div id="cmp-4f3a9b2c-11ad-49e2-8c1a-09bd62a11f00">x</div>`,
			b:    `<div>x</div>`,
		},
		{
			name: "script subtrees removed",
			a:    `<div><script>var t = Date.now();</script><p>x</p></div>`,
			b:    `<div><p>x</p></div>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, _, err := ContentHash(tt.a)
			require.NoError(t, err)
			hb, _, err := ContentHash(tt.b)
			require.NoError(t, err)
			assert.Equal(t, hb, ha)
		})
	}
}

func TestContentHashDiffersOnContent(t *testing.T) {
	h1, _, err := ContentHash(`<p>price: $10</p>`)
	require.NoError(t, err)
	h2, _, err := ContentHash(`<p>price: $12</p>`)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeText("  a \n b\t\tc "))
	assert.Equal(t, "", NormalizeText("   \n\t "))
}
