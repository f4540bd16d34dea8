package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cespare/xxhash/v2"
)

// SnapshotKind describes how persisted content was interpreted.
type SnapshotKind int

const (
	// SnapshotEmpty means there was no content and the template was used.
	SnapshotEmpty SnapshotKind = iota
	// SnapshotBlocks means the content was a block array.
	SnapshotBlocks
	// SnapshotLegacyText means the content was plain text from before block editing.
	SnapshotLegacyText
	// SnapshotMalformed means the content was a JSON array that did not hold
	// blocks; the template was used.
	SnapshotMalformed
)

func (k SnapshotKind) String() string {
	switch k {
	case SnapshotEmpty:
		return "empty"
	case SnapshotBlocks:
		return "blocks"
	case SnapshotLegacyText:
		return "legacy_text"
	case SnapshotMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ParseSnapshot interprets persisted idea content. Only a valid JSON array
// that does not hold blocks counts as malformed; any other text, even one
// starting with a bracket, is legacy content.
func ParseSnapshot(content string) ([]Block, SnapshotKind) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return DefaultTemplate(), SnapshotEmpty
	}
	if !strings.HasPrefix(trimmed, "[") || !json.Valid([]byte(trimmed)) {
		return []Block{Paragraph(content)}, SnapshotLegacyText
	}

	var blocks []Block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return DefaultTemplate(), SnapshotMalformed
	}
	if len(blocks) == 0 {
		return DefaultTemplate(), SnapshotEmpty
	}
	for i := range blocks {
		blocks[i] = blocks[i].normalized()
	}
	return blocks, SnapshotBlocks
}

// SnapshotActor is the automerge actor seed changes are authored by. Equal
// snapshots give equal actors, different snapshots never share one.
func SnapshotActor(blocks []Block) string {
	bodies := make([]Block, len(blocks))
	for i, b := range blocks {
		b = b.normalized()
		b.ID = ""
		bodies[i] = b
	}
	data, _ := json.Marshal(bodies)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// SeedUpdate returns the update that reproduces blocks on top of the genesis
// change. It is deterministic: actor, block ids and timestamp depend only on
// the blocks, so replicas seeding the same content concurrently produce the
// same change and automerge keeps a single copy.
func SeedUpdate(blocks []Block) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	am, err := genesis()
	if err != nil {
		return nil, err
	}
	base := am.Heads()

	actor := SnapshotActor(blocks)
	if err := am.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("set seed actor: %w", err)
	}
	l, err := blockList(am)
	if err != nil {
		return nil, err
	}
	for i, b := range blocks {
		b = b.normalized()
		b.ID = actor + ":" + strconv.Itoa(i+1)
		if err := insertBlock(l, i, b); err != nil {
			return nil, err
		}
	}
	if _, err := am.Commit("seed", automerge.CommitOptions{Time: &time.Time{}}); err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}
	changes, err := am.Changes(base...)
	if err != nil {
		return nil, fmt.Errorf("collect seed: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

// LoadSnapshot seeds the replica from persisted content and returns the seed
// update so it can be shared with peers.
func (d *Doc) LoadSnapshot(content string) ([]byte, SnapshotKind, error) {
	blocks, kind := ParseSnapshot(content)
	update, err := SeedUpdate(blocks)
	if err != nil {
		return nil, kind, err
	}
	if _, err := d.Apply(update); err != nil {
		return nil, kind, err
	}
	return update, kind, nil
}

// DefaultTemplate is the content of an idea that has never been edited.
func DefaultTemplate() []Block {
	return []Block{
		Heading(1, "Untitled idea"),
		Heading(2, "Problem"),
		Paragraph(""),
		Heading(2, "Target users"),
		Paragraph(""),
		Heading(2, "Key features"),
		Paragraph(""),
		Heading(2, "Success metrics"),
		Paragraph(""),
	}
}
