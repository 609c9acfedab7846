// Package cfg implements a generic control-flow graph of basic blocks,
// parameterised over the IR node type each block holds. The same Graph
// implementation serves NetIL, x86, x86-64, and Octeon MIPS IR: only the
// node type varies.
package cfg

// BlockID identifies a block within one Graph. Blocks and instructions
// live in Graph-owned slices; all cross-references are indices, never
// pointers, so the whole structure serialises trivially (see SPEC_FULL.md
// §3's arena+index note).
type BlockID int

// Block is one basic block: an ordered list of IR nodes plus CFG edges.
type Block[N any] struct {
	ID    BlockID
	Code  []N
	Succs []BlockID
	Preds []BlockID

	props map[string]any
}

// Graph is a control-flow graph of blocks holding nodes of type N.
type Graph[N any] struct {
	blocks []*Block[N]
	Entry  BlockID
}

// New creates an empty graph.
func New[N any]() *Graph[N] {
	return &Graph[N]{}
}

// NewBlock allocates a fresh, unconnected block and returns its id.
func (g *Graph[N]) NewBlock() BlockID {
	id := BlockID(len(g.blocks))
	g.blocks = append(g.blocks, &Block[N]{ID: id, props: map[string]any{}})
	return id
}

// DeleteBlock removes all edges into/out of b and clears its code. The
// slot itself is kept (ids must stay stable) but becomes unreachable once
// no other block names it as a successor.
func (g *Graph[N]) DeleteBlock(b BlockID) {
	blk := g.Block(b)
	for _, s := range blk.Succs {
		g.removePred(s, b)
	}
	for _, p := range blk.Preds {
		g.removeSucc(p, b)
	}
	blk.Succs = nil
	blk.Preds = nil
	blk.Code = nil
}

// Block returns the block with the given id.
func (g *Graph[N]) Block(id BlockID) *Block[N] { return g.blocks[id] }

// Blocks returns every block id in allocation order.
func (g *Graph[N]) Blocks() []BlockID {
	ids := make([]BlockID, len(g.blocks))
	for i, b := range g.blocks {
		ids[i] = b.ID
	}
	return ids
}

// Len returns the number of allocated blocks (including deleted ones,
// whose ids remain reserved).
func (g *Graph[N]) Len() int { return len(g.blocks) }

// AddSucc adds a directed edge from -> to, maintaining the symmetric
// predecessor edge on to.
func (g *Graph[N]) AddSucc(from, to BlockID) {
	fb := g.Block(from)
	for _, s := range fb.Succs {
		if s == to {
			return
		}
	}
	fb.Succs = append(fb.Succs, to)
	tb := g.Block(to)
	tb.Preds = append(tb.Preds, from)
}

func (g *Graph[N]) removeSucc(from, to BlockID) {
	fb := g.Block(from)
	fb.Succs = removeID(fb.Succs, to)
}

func (g *Graph[N]) removePred(to, from BlockID) {
	tb := g.Block(to)
	tb.Preds = removeID(tb.Preds, from)
}

func removeID(ids []BlockID, target BlockID) []BlockID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// SetProp stores a named, typed property on a block (loop depth, emission
// address, trace position, ...).
func (g *Graph[N]) SetProp(b BlockID, key string, value any) {
	g.Block(b).props[key] = value
}

// Prop retrieves a named property and whether it was set.
func (g *Graph[N]) Prop(b BlockID, key string) (any, bool) {
	v, ok := g.Block(b).props[key]
	return v, ok
}

// Append adds a node to the end of a block's code.
func (b *Block[N]) Append(n N) { b.Code = append(b.Code, n) }

// ForEachBlock iterates blocks in allocation order, skipping deleted
// (no-code, no-edge, non-entry) blocks.
func (g *Graph[N]) ForEachBlock(fn func(*Block[N])) {
	for _, b := range g.blocks {
		if b.ID != g.Entry && b.Code == nil && len(b.Succs) == 0 && len(b.Preds) == 0 {
			continue
		}
		fn(b)
	}
}
