package document

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// ErrUnknownBlock is returned when an edit names a block the replica does not hold.
var ErrUnknownBlock = errors.New("unknown block")

const (
	blocksKey = "blocks"

	// genesisActor authors the change that creates the block list. Every
	// replica starts from the same genesis change, so they all edit one list.
	genesisActor = "6964656173796e632d67656e65736973"
)

// Doc is one replica of an idea document. The automerge root holds a list
// under "blocks"; every element is a map with id, type, content and attrs.
// Merging, deduplication and causal ordering of updates are automerge's.
type Doc struct {
	mu      sync.RWMutex
	replica string
	doc     *automerge.Doc
	genesis string
}

// New creates an empty replica identified by replica.
func New(replica string) (*Doc, error) {
	am, err := genesis()
	if err != nil {
		return nil, err
	}
	if err := am.SetActorID(hex.EncodeToString([]byte("replica:" + replica))); err != nil {
		return nil, fmt.Errorf("set actor: %w", err)
	}
	return &Doc{
		replica: replica,
		doc:     am,
		genesis: headsKey(am.Heads()),
	}, nil
}

// genesis builds the shared first change. It carries no timestamp so that
// every replica produces the same change hash.
func genesis() (*automerge.Doc, error) {
	am := automerge.New()
	if err := am.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("set genesis actor: %w", err)
	}
	if err := am.RootMap().Set(blocksKey, automerge.NewList()); err != nil {
		return nil, fmt.Errorf("create block list: %w", err)
	}
	if _, err := am.Commit("genesis", automerge.CommitOptions{Time: &time.Time{}}); err != nil {
		return nil, fmt.Errorf("commit genesis: %w", err)
	}
	return am, nil
}

func headsKey(heads []automerge.ChangeHash) string {
	keys := make([]string, len(heads))
	for i, h := range heads {
		keys[i] = h.String()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Replica returns the id the replica was created with.
func (d *Doc) Replica() string {
	return d.replica
}

// Empty reports whether the replica holds nothing but the genesis change.
func (d *Doc) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return headsKey(d.doc.Heads()) == d.genesis
}

// StateVector returns the heads of the replica's history.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	heads := d.doc.Heads()
	sv := make(StateVector, len(heads))
	for i, h := range heads {
		sv[i] = h.String()
	}
	sort.Strings(sv)
	return sv
}

// Diff returns an update holding every change not reachable from the heads
// in sv. Heads the replica does not know are ignored, so the update may
// repeat changes the peer already has; applying them again is a no-op.
// A nil update means there is nothing to send.
func (d *Doc) Diff(sv StateVector) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	known := make(map[string]automerge.ChangeHash, len(all))
	for _, ch := range all {
		known[ch.Hash().String()] = ch.Hash()
	}
	since := make([]automerge.ChangeHash, 0, len(sv))
	for _, h := range sv {
		if hash, ok := known[h]; ok {
			since = append(since, hash)
		}
	}

	changes, err := d.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("diff changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// Apply merges a remote update. Changes already applied are ignored and
// changes whose dependencies have not arrived yet are held back by automerge
// until they do. The returned flag reports whether the history moved.
func (d *Doc) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, nil
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return false, fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apply(changes)
}

func (d *Doc) apply(changes []*automerge.Change) (bool, error) {
	before := headsKey(d.doc.Heads())
	if err := d.doc.Apply(changes...); err != nil {
		return false, fmt.Errorf("apply update: %w", err)
	}
	return headsKey(d.doc.Heads()) != before, nil
}

// change runs edit against the block list and commits what it wrote. It
// returns the update to broadcast, or nil when edit changed nothing.
func (d *Doc) change(msg string, edit func(l *automerge.List) (bool, error)) ([]byte, error) {
	before := d.doc.Heads()
	l, err := d.list()
	if err != nil {
		return nil, err
	}
	changed, err := edit(l)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	if _, err := d.doc.Commit(msg); err != nil {
		return nil, fmt.Errorf("commit %s: %w", msg, err)
	}
	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", msg, err)
	}
	return automerge.SaveChanges(changes), nil
}

func (d *Doc) list() (*automerge.List, error) {
	return blockList(d.doc)
}

func blockList(am *automerge.Doc) (*automerge.List, error) {
	v, err := am.RootMap().Get(blocksKey)
	if err != nil {
		return nil, fmt.Errorf("read block list: %w", err)
	}
	if v.Kind() != automerge.KindList {
		return nil, errors.New("document has no block list")
	}
	return v.List(), nil
}

// entry is a block together with its place in the automerge list.
type entry struct {
	index int
	block Block
	m     *automerge.Map
}

// entries reads the list. Elements that are not block maps are skipped but
// keep their index.
func entries(l *automerge.List) ([]entry, error) {
	out := make([]entry, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		v, err := l.Get(i)
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", i, err)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		m := v.Map()
		b, err := readBlock(m)
		if err != nil {
			return nil, err
		}
		if b.ID == "" {
			continue
		}
		out = append(out, entry{index: i, block: b, m: m})
	}
	return out, nil
}

func find(es []entry, id string) (entry, bool) {
	for _, e := range es {
		if e.block.ID == id {
			return e, true
		}
	}
	return entry{}, false
}

func readBlock(m *automerge.Map) (Block, error) {
	b := Block{
		ID:      stringField(m, "id"),
		Type:    BlockType(stringField(m, "type")),
		Content: stringField(m, "content"),
	}
	if attrs, ok := attrsMap(m); ok {
		keys, err := attrs.Keys()
		if err != nil {
			return Block{}, fmt.Errorf("read attrs of %s: %w", b.ID, err)
		}
		for _, k := range keys {
			if b.Attrs == nil {
				b.Attrs = make(map[string]string, len(keys))
			}
			b.Attrs[k] = stringField(attrs, k)
		}
	}
	return b.normalized(), nil
}

func stringField(m *automerge.Map, key string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

func attrsMap(m *automerge.Map) (*automerge.Map, bool) {
	v, err := m.Get("attrs")
	if err != nil || v.Kind() != automerge.KindMap {
		return nil, false
	}
	return v.Map(), true
}

// insertBlock writes b as a new element at index. Fields are written in a
// fixed order so equal seeds produce equal changes.
func insertBlock(l *automerge.List, index int, b Block) error {
	if err := l.Insert(index, automerge.NewMap()); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	v, err := l.Get(index)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	m := v.Map()
	for _, f := range [][2]string{{"id", b.ID}, {"type", string(b.Type)}, {"content", b.Content}} {
		if err := m.Set(f[0], f[1]); err != nil {
			return fmt.Errorf("set %s of %s: %w", f[0], b.ID, err)
		}
	}
	if err := m.Set("attrs", automerge.NewMap()); err != nil {
		return fmt.Errorf("set attrs of %s: %w", b.ID, err)
	}
	attrs, _ := attrsMap(m)
	for _, k := range sortedKeys(b.Attrs) {
		if err := attrs.Set(k, b.Attrs[k]); err != nil {
			return fmt.Errorf("set attr %s of %s: %w", k, b.ID, err)
		}
	}
	return nil
}

// writeBody moves the fields of an existing element from cur to next,
// touching only what differs so concurrent edits of other fields survive.
func writeBody(m *automerge.Map, cur, next Block) (bool, error) {
	changed := false
	if next.Type != cur.Type {
		if err := m.Set("type", string(next.Type)); err != nil {
			return changed, err
		}
		changed = true
	}
	if next.Content != cur.Content {
		if err := m.Set("content", next.Content); err != nil {
			return changed, err
		}
		changed = true
	}

	attrs, ok := attrsMap(m)
	if !ok {
		if len(next.Attrs) == 0 {
			return changed, nil
		}
		if err := m.Set("attrs", automerge.NewMap()); err != nil {
			return changed, err
		}
		attrs, _ = attrsMap(m)
	}
	for _, k := range sortedKeys(next.Attrs) {
		if v, ok := cur.Attrs[k]; ok && v == next.Attrs[k] {
			continue
		}
		if err := attrs.Set(k, next.Attrs[k]); err != nil {
			return changed, err
		}
		changed = true
	}
	for _, k := range sortedKeys(cur.Attrs) {
		if _, ok := next.Attrs[k]; ok {
			continue
		}
		if err := attrs.Delete(k); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func newBlockID() string {
	return uuid.NewString()
}

// Insert places b after the block with id after, or at the head when after
// is empty. It returns the stored block and the update to broadcast.
func (d *Doc) Insert(after string, b Block) (Block, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b = b.normalized()
	b.ID = newBlockID()
	update, err := d.change("insert", func(l *automerge.List) (bool, error) {
		index := 0
		if after != "" {
			es, err := entries(l)
			if err != nil {
				return false, err
			}
			e, ok := find(es, after)
			if !ok {
				return false, fmt.Errorf("%w: %s", ErrUnknownBlock, after)
			}
			index = e.index + 1
		}
		return true, insertBlock(l, index, b)
	})
	if err != nil {
		return Block{}, nil, err
	}
	return b, update, nil
}

// Update replaces the body of an existing block.
func (d *Doc) Update(id string, b Block) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.change("update", func(l *automerge.List) (bool, error) {
		es, err := entries(l)
		if err != nil {
			return false, err
		}
		e, ok := find(es, id)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
		}
		return writeBody(e.m, e.block, b.normalized())
	})
}

// Delete removes a block.
func (d *Doc) Delete(id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.change("delete", func(l *automerge.List) (bool, error) {
		es, err := entries(l)
		if err != nil {
			return false, err
		}
		e, ok := find(es, id)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
		}
		return true, l.Delete(e.index)
	})
}

// ReplaceBlocks applies an edit the caller made to base, the block list it
// read earlier, producing next. Only blocks present in base can be deleted,
// and only the fields next changed relative to base are written, so
// whatever peers merged since base was read is kept. Blocks of next that
// carry the id of a live block, in increasing document order, are edited in
// place; a block that moved before one already placed is recreated; blocks
// without a known id are inserted after the block preceding them in next.
// A block of base that a peer has deleted stays deleted.
func (d *Doc) ReplaceBlocks(base, next []Block) ([]byte, error) {
	seen := make(map[string]Block, len(base))
	for _, b := range base {
		if b.ID != "" {
			seen[b.ID] = b.normalized()
		}
	}
	wanted := make(map[string]bool, len(next))
	for _, b := range next {
		if b.ID != "" {
			wanted[b.ID] = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.change("replace blocks", func(l *automerge.List) (bool, error) {
		changed := false

		es, err := entries(l)
		if err != nil {
			return false, err
		}
		for i := len(es) - 1; i >= 0; i-- {
			id := es[i].block.ID
			if _, ok := seen[id]; ok && !wanted[id] {
				if err := l.Delete(es[i].index); err != nil {
					return changed, err
				}
				changed = true
			}
		}

		last := -1
		placed := make(map[string]bool, len(next))
		for _, b := range next {
			b = b.normalized()
			if es, err = entries(l); err != nil {
				return changed, err
			}
			e, live := find(es, b.ID)
			if live && placed[b.ID] {
				live = false
			}
			target := b
			if old, ok := seen[b.ID]; ok && live {
				target = mergeBody(old, e.block, b)
			}

			switch {
			case live && e.index > last:
				wrote, err := writeBody(e.m, e.block, target)
				if err != nil {
					return changed, err
				}
				changed = changed || wrote
				last = e.index
				placed[b.ID] = true
				continue
			case live:
				if err := l.Delete(e.index); err != nil {
					return changed, err
				}
				last--
			case b.ID != "" && !placed[b.ID]:
				if _, ok := seen[b.ID]; ok {
					continue
				}
			}

			target.ID = newBlockID()
			if err := insertBlock(l, last+1, target); err != nil {
				return changed, err
			}
			last++
			placed[b.ID] = true
			changed = true
		}
		return changed, nil
	})
}

// Blocks returns the blocks in document order.
func (d *Doc) Blocks() []Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return readBlocks(d.doc)
}

func readBlocks(am *automerge.Doc) []Block {
	l, err := blockList(am)
	if err != nil {
		return []Block{}
	}
	es, err := entries(l)
	if err != nil {
		return []Block{}
	}
	blocks := make([]Block, len(es))
	for i, e := range es {
		blocks[i] = e.block
	}
	return blocks
}

// Len returns the number of blocks.
func (d *Doc) Len() int {
	return len(d.Blocks())
}

// Serialize renders the blocks as the snapshot JSON array.
func (d *Doc) Serialize() string {
	data, err := json.Marshal(d.Blocks())
	if err != nil {
		return "[]"
	}
	return string(data)
}

// PlainText renders the blocks as text lines.
func (d *Doc) PlainText() string {
	return RenderText(d.Blocks())
}
