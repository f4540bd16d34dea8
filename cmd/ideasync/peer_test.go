package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ideasync/internal/collab"
	"ideasync/internal/document"
	"ideasync/internal/presence"
	"ideasync/internal/store"
)

type unreachableDialer struct{}

func (unreachableDialer) Dial(ctx context.Context, url string) (collab.Conn, error) {
	return nil, errors.New("relay unreachable")
}

func newTestEditor(t *testing.T) (*editor, *store.MemoryStore, *bytes.Buffer) {
	t.Helper()
	manager := collab.NewManager(unreachableDialer{}, collab.DefaultOptions(), zap.NewNop())
	t.Cleanup(func() { manager.CloseAll() })

	s, err := manager.Open(context.Background(), "42", presence.User{ID: "u1", Name: "Ada"})
	require.NoError(t, err)

	ideas := store.NewMemoryStore(false)
	ideas.Put("42", "")
	out := &bytes.Buffer{}
	return &editor{session: s, ideas: ideas, ideaID: "42", out: out, timeout: collab.DefaultOptions().ConnectTimeout}, ideas, out
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want document.Block
	}{
		{"# Title", document.Heading(1, "Title")},
		{"## Section", document.Heading(2, "Section")},
		{"- item", document.Block{Type: document.BlockBulletListItem, Content: "item"}},
		{"- [x] done", document.Block{Type: document.BlockCheckListItem, Content: "done", Attrs: map[string]string{"checked": "true"}}},
		{"> quoted", document.Block{Type: document.BlockQuote, Content: "quoted"}},
		{"plain #text", document.Paragraph("plain #text")},
	}

	for _, tt := range tests {
		t.Run("Should parse "+tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLine(tt.line))
		})
	}
}

func TestEditor(t *testing.T) {
	t.Run("Should append lines as blocks while offline", func(t *testing.T) {
		ed, _, _ := newTestEditor(t)

		err := ed.run(context.Background(), strings.NewReader("# Plan\nfirst step\n- detail\n"))
		require.NoError(t, err)

		assert.Equal(t, "# Plan\nfirst step\n- detail", document.RenderText(ed.session.Blocks()))
	})

	t.Run("Should edit and delete numbered blocks", func(t *testing.T) {
		ed, _, _ := newTestEditor(t)

		require.NoError(t, ed.run(context.Background(), strings.NewReader("one\ntwo\nthree\n/edit 2 TWO\n/del 1\n")))
		assert.Equal(t, "TWO\nthree", document.RenderText(ed.session.Blocks()))
	})

	t.Run("Should report out of range blocks", func(t *testing.T) {
		ed, _, out := newTestEditor(t)

		require.NoError(t, ed.run(context.Background(), strings.NewReader("one\n/del 5\n/bogus\n")))
		assert.Contains(t, out.String(), `no block "5"`)
		assert.Contains(t, out.String(), "unknown command /bogus")
		assert.Equal(t, "one", document.RenderText(ed.session.Blocks()))
	})

	t.Run("Should save the document to the store", func(t *testing.T) {
		ed, ideas, out := newTestEditor(t)

		require.NoError(t, ed.run(context.Background(), strings.NewReader("# Saved\n/save\n")))
		assert.Contains(t, out.String(), "* saved")

		content, err := ideas.LoadContent(context.Background(), "42")
		require.NoError(t, err)
		blocks, kind := document.ParseSnapshot(content)
		assert.Equal(t, document.SnapshotBlocks, kind)
		assert.Equal(t, "# Saved", document.RenderText(blocks))
	})

	t.Run("Should stop at /quit", func(t *testing.T) {
		ed, _, _ := newTestEditor(t)

		require.NoError(t, ed.run(context.Background(), strings.NewReader("kept\n/quit\nignored\n")))
		assert.Equal(t, "kept", document.RenderText(ed.session.Blocks()))
	})
}

func TestSeed(t *testing.T) {
	t.Run("Should render stored content while the relay is unreachable", func(t *testing.T) {
		ed, ideas, _ := newTestEditor(t)
		ideas.Put("42", "[Draft] an old idea")

		require.NoError(t, seed(context.Background(), ed.session, ideas, "42", time.Second))
		assert.Equal(t, "[Draft] an old idea", document.RenderText(ed.session.Blocks()))
	})

	t.Run("Should use the template for an idea the store does not know", func(t *testing.T) {
		ed, _, _ := newTestEditor(t)

		require.NoError(t, seed(context.Background(), ed.session, store.NewMemoryStore(false), "42", time.Second))
		assert.Equal(t, document.RenderText(document.DefaultTemplate()), document.RenderText(ed.session.Blocks()))
	})
}
