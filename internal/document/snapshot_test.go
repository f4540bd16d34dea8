package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnapshot(t *testing.T) {
	t.Run("Should use the template for empty content", func(t *testing.T) {
		for _, content := range []string{"", "   \n\t", "[]"} {
			blocks, kind := ParseSnapshot(content)
			assert.Equal(t, SnapshotEmpty, kind)
			assert.Equal(t, DefaultTemplate(), blocks)
		}
	})

	t.Run("Should load legacy plain text as one paragraph", func(t *testing.T) {
		blocks, kind := ParseSnapshot("Hello world")
		assert.Equal(t, SnapshotLegacyText, kind)
		require.Len(t, blocks, 1)
		assert.Equal(t, BlockParagraph, blocks[0].Type)
		assert.Equal(t, "Hello world", blocks[0].Content)
	})

	t.Run("Should load a block array", func(t *testing.T) {
		blocks, kind := ParseSnapshot(`[{"id":"x:1","type":"heading","content":"Idea","attrs":{"level":"2"}},{"content":"no type"}]`)
		assert.Equal(t, SnapshotBlocks, kind)
		require.Len(t, blocks, 2)
		assert.Equal(t, "2", blocks[0].Attrs["level"])
		assert.Equal(t, BlockParagraph, blocks[1].Type)
	})

	t.Run("Should fall back to the template for an array that holds no blocks", func(t *testing.T) {
		for _, content := range []string{`[1, 2]`, `[["nested"]]`, `["text"]`} {
			blocks, kind := ParseSnapshot(content)
			assert.Equal(t, SnapshotMalformed, kind, content)
			assert.Equal(t, DefaultTemplate(), blocks)
		}
	})

	t.Run("Should keep legacy text that starts with a bracket", func(t *testing.T) {
		for _, content := range []string{"[Draft] Uber for dog walkers", `[{"type":"paragraph",`} {
			blocks, kind := ParseSnapshot(content)
			assert.Equal(t, SnapshotLegacyText, kind, content)
			require.Len(t, blocks, 1)
			assert.Equal(t, content, blocks[0].Content)
		}
	})
}

func TestDocLoadSnapshot(t *testing.T) {
	t.Run("Should render legacy content", func(t *testing.T) {
		d := newDoc(t, "alice")
		_, kind, err := d.LoadSnapshot("Hello world")
		require.NoError(t, err)

		assert.Equal(t, SnapshotLegacyText, kind)
		assert.Equal(t, "Hello world", d.PlainText())
	})

	t.Run("Should seed the same update on every replica", func(t *testing.T) {
		snapshot := `[{"type":"heading","content":"one","attrs":{"level":"2","align":"left"}},{"type":"paragraph","content":"two"}]`
		a, seedA := seeded(t, "alice", snapshot)
		b, seedB := seeded(t, "bob", snapshot)

		assert.Equal(t, seedA, seedB)
		assert.Equal(t, a.Blocks(), b.Blocks())

		changed, err := a.Apply(seedB)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, []string{"one", "two"}, contents(a.Blocks()))
	})

	t.Run("Should keep both contents when seeds differ", func(t *testing.T) {
		a, seedA := seeded(t, "alice", "first")
		b, seedB := seeded(t, "bob", "second")

		apply(t, a, seedB)
		apply(t, b, seedA)

		assert.Equal(t, a.Serialize(), b.Serialize())
		assert.Len(t, a.Blocks(), 2)
	})

	t.Run("Should serialize back to loadable content", func(t *testing.T) {
		a, _ := seeded(t, "alice", "")
		_, _, err := a.Insert(a.Blocks()[2].ID, Paragraph("Writers lose track of edits"))
		require.NoError(t, err)

		b, _ := seeded(t, "bob", a.Serialize())
		assert.Equal(t, a.PlainText(), b.PlainText())
		assert.False(t, b.Empty())
	})
}

func TestRenderText(t *testing.T) {
	text := RenderText([]Block{
		Heading(2, "Problem"),
		{Type: BlockBulletListItem, Content: "fast"},
		{Type: BlockCheckListItem, Content: "ship", Attrs: map[string]string{"checked": "true"}},
		{Type: BlockQuote, Content: "quoted"},
		Paragraph("plain"),
	})

	assert.Equal(t, "## Problem\n- fast\n- [x] ship\n> quoted\nplain", text)
}
