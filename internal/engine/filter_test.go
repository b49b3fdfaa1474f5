package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterIncludeIsAnyOf(t *testing.T) {
	f := Filter{Patterns: []string{"*.pdf", "*.tif"}}
	assert.True(t, f.MatchName("scan.pdf"))
	assert.True(t, f.MatchName("page.tif"))
	assert.False(t, f.MatchName("notes.txt"))

	// No include patterns means every name is eligible.
	assert.True(t, Filter{}.MatchName("anything.xyz"))
}

func TestFilterExcludeWins(t *testing.T) {
	f := Filter{Patterns: []string{"*.pdf"}, Exclude: []string{"draft_*"}}
	assert.True(t, f.MatchName("final.pdf"))
	assert.False(t, f.MatchName("draft_final.pdf"))

	// Exclude applies even without includes.
	g := Filter{Exclude: []string{"*.tmp"}}
	assert.False(t, g.MatchName("upload.tmp"))
	assert.True(t, g.MatchName("upload.pdf"))
}

func TestFilterSizeBounds(t *testing.T) {
	f := Filter{MinSize: 10, MaxSize: 100}
	assert.False(t, f.MatchSize(9))
	assert.True(t, f.MatchSize(10))
	assert.True(t, f.MatchSize(100))
	assert.False(t, f.MatchSize(101))

	unbounded := Filter{MinSize: 10}
	assert.True(t, unbounded.MatchSize(1<<40))
}

func TestFilterMIMEByExtension(t *testing.T) {
	f := Filter{MIMETypes: []string{"application/pdf"}}
	assert.True(t, f.MatchName("scan.pdf"))
	assert.True(t, f.MatchName("SCAN.PDF"), "extension match is case-insensitive")
	assert.False(t, f.MatchName("scan.png"))
	assert.False(t, f.MatchName("scan.unknownext"), "unknown extensions never pass an allow-list")
	assert.False(t, f.MatchName("noextension"))

	family := Filter{MIMETypes: []string{"image/*"}}
	assert.True(t, family.MatchName("photo.png"))
	assert.True(t, family.MatchName("photo.jpg"))
	assert.False(t, family.MatchName("doc.pdf"))

	// Types carrying parameters (text/plain; charset=utf-8) still match.
	text := Filter{MIMETypes: []string{"text/plain"}}
	assert.True(t, text.MatchName("readme.txt"))
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{Patterns: []string{"*.pdf"}}.Validate())
	assert.Error(t, Filter{Patterns: []string{"[bad"}}.Validate())
	assert.Error(t, Filter{Exclude: []string{"[bad"}}.Validate())
	assert.Error(t, Filter{MinSize: -1}.Validate())
	assert.Error(t, Filter{MinSize: 200, MaxSize: 100}.Validate())
	assert.NoError(t, Filter{MinSize: 200, MaxSize: 0}.Validate(), "zero max is unbounded")
}
