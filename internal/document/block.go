// Package document holds the replicated idea document: an automerge document
// whose root holds the ordered list of blocks, the update and state-vector
// encodings exchanged with peers, and the snapshot format handed to the idea
// store.
package document

import (
	"sort"
	"strconv"
	"strings"
)

// BlockType tags the kind of content a block holds.
type BlockType string

const (
	BlockHeading          BlockType = "heading"
	BlockParagraph        BlockType = "paragraph"
	BlockBulletListItem   BlockType = "bulletListItem"
	BlockNumberedListItem BlockType = "numberedListItem"
	BlockCheckListItem    BlockType = "checkListItem"
	BlockQuote            BlockType = "quote"
	BlockCode             BlockType = "codeBlock"
)

// Block is one unit of the rendered idea document.
type Block struct {
	ID      string            `json:"id,omitempty"`
	Type    BlockType         `json:"type"`
	Content string            `json:"content"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Paragraph builds a paragraph block with the given text.
func Paragraph(text string) Block {
	return Block{Type: BlockParagraph, Content: text}
}

// Heading builds a heading block of the given level.
func Heading(level int, text string) Block {
	if level < 1 {
		level = 1
	}
	return Block{
		Type:    BlockHeading,
		Content: text,
		Attrs:   map[string]string{"level": strconv.Itoa(min(level, 6))},
	}
}

func (b Block) normalized() Block {
	if b.Type == "" {
		b.Type = BlockParagraph
	}
	if len(b.Attrs) == 0 {
		b.Attrs = nil
	}
	return b
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// RenderText renders blocks as plain text, one block per line.
func RenderText(blocks []Block) string {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockHeading:
			level := 1
			if l, ok := b.Attrs["level"]; ok && len(l) == 1 && l[0] >= '1' && l[0] <= '6' {
				level = int(l[0] - '0')
			}
			lines = append(lines, strings.Repeat("#", level)+" "+b.Content)
		case BlockBulletListItem:
			lines = append(lines, "- "+b.Content)
		case BlockNumberedListItem:
			lines = append(lines, "1. "+b.Content)
		case BlockCheckListItem:
			mark := "[ ] "
			if b.Attrs["checked"] == "true" {
				mark = "[x] "
			}
			lines = append(lines, "- "+mark+b.Content)
		case BlockQuote:
			lines = append(lines, "> "+b.Content)
		default:
			lines = append(lines, b.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// mergeBody applies the edit that turned base into next on top of cur, the
// block as it is now. Fields next left as they were in base keep cur's value.
func mergeBody(base, cur, next Block) Block {
	base, cur, next = base.normalized(), cur.normalized(), next.normalized()
	out := cur
	if next.Type != base.Type {
		out.Type = next.Type
	}
	if next.Content != base.Content {
		out.Content = next.Content
	}

	attrs := copyAttrs(cur.Attrs)
	for _, k := range sortedKeys(base.Attrs) {
		if _, ok := next.Attrs[k]; !ok {
			delete(attrs, k)
		}
	}
	for _, k := range sortedKeys(next.Attrs) {
		if bv, ok := base.Attrs[k]; ok && bv == next.Attrs[k] {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[k] = next.Attrs[k]
	}
	out.Attrs = attrs
	return out.normalized()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
