package copro

import "github.com/pkg/errors"

// MatchOp enumerates the string matcher and regex coprocessors' shared
// operation set.
type MatchOp uint32

const (
	MatchOpTryMatch MatchOp = iota
	MatchOpTryMatchAtOffset
	MatchOpGetResult
)

// maxPendingMatches bounds the FIFO queue of pending matches that try_match
// invokes append to and get_result drains, per spec.md §4.8's "record up
// to 1600 matches".
const maxPendingMatches = 1600

// Pattern is one pattern within a string-matching group.
type Pattern struct {
	Bytes           []byte
	CaseInsensitive bool
	UserData        uint32
}

// rowStrategy classifies a trie node's transition density the way
// acsmx2.c's storage-mode selector would, for diagnostics: this module
// always completes the transition function into a full 256-entry array
// per node (the only representation that keeps matching O(1) per byte in
// Go without unsafe pointer trickery into packed C structs), so the
// classification is informational rather than a distinct memory layout.
type rowStrategy int

const (
	StrategyFull rowStrategy = iota
	StrategySparse
	StrategyBanded
	StrategySparseBanded
)

func classifyRow(explicitTransitions int) rowStrategy {
	density := float64(explicitTransitions) / 256.0
	switch {
	case density > 0.5:
		return StrategyFull
	case explicitTransitions <= 4:
		return StrategySparse
	case explicitTransitions <= 32:
		return StrategyBanded
	default:
		return StrategySparseBanded
	}
}

type acOutput struct {
	length   int
	userData uint32
}

type acNode struct {
	goto_    [256]int32
	fail     int32
	outputs  []acOutput
	strategy rowStrategy
}

// acGroup is one compiled Aho-Corasick automaton: one per pattern group,
// per spec.md §4.8's "Build one pattern group per group descriptor".
type acGroup struct {
	nodes []*acNode
}

func newACNode() *acNode {
	n := &acNode{fail: 0}
	for i := range n.goto_ {
		n.goto_[i] = -1
	}
	return n
}

func buildGroup(patterns []Pattern) *acGroup {
	g := &acGroup{nodes: []*acNode{newACNode()}}

	for _, p := range patterns {
		cur := int32(0)
		for _, b := range p.Bytes {
			if p.CaseInsensitive {
				b = lowerByte(b)
			}
			next := g.nodes[cur].goto_[b]
			if next == -1 {
				g.nodes = append(g.nodes, newACNode())
				next = int32(len(g.nodes) - 1)
				g.nodes[cur].goto_[b] = next
			}
			cur = next
		}
		g.nodes[cur].outputs = append(g.nodes[cur].outputs, acOutput{length: len(p.Bytes), userData: p.UserData})
	}

	// Breadth-first fail-link construction, completing goto() into a full
	// DFA transition function as each state is visited (the standard
	// Aho-Corasick construction), and counting each visited state's explicit
	// transitions to classify its storage strategy.
	root := g.nodes[0]
	var queue []int32
	explicit := 0
	for c := 0; c < 256; c++ {
		s := root.goto_[c]
		if s == -1 {
			root.goto_[c] = 0
			continue
		}
		explicit++
		g.nodes[s].fail = 0
		queue = append(queue, s)
	}
	root.strategy = classifyRow(explicit)

	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		rNode := g.nodes[r]
		rowExplicit := 0
		for c := 0; c < 256; c++ {
			s := rNode.goto_[c]
			if s != -1 {
				rowExplicit++
				failState := g.nodes[r].fail
				g.nodes[s].fail = g.nodes[failState].goto_[c]
				g.nodes[s].outputs = append(g.nodes[s].outputs, g.nodes[g.nodes[s].fail].outputs...)
				queue = append(queue, s)
			} else {
				rNode.goto_[c] = g.nodes[rNode.fail].goto_[c]
			}
		}
		rNode.strategy = classifyRow(rowExplicit)
	}

	return g
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}

type pendingMatch struct {
	userData uint32
	endOffset int
}

// StringMatcher is the Aho-Corasick coprocessor: it scans the current
// exchange buffer against one of its compiled groups and queues matches
// for get_result to pop one at a time, grounded on acsmx2.c's
// try_match/try_match_at_offset/get_result contract.
type StringMatcher struct {
	regs    *RegisterFile
	groups  []*acGroup
	buf     []byte
	pending []pendingMatch
}

// Register layout: R0 group id, R1 scan length, R2 start offset (ignored
// by TryMatch, honoured by TryMatchAtOffset), R3 result user_data, R4
// result end offset, R5 result-found flag, all populated by GetResult.
func NewStringMatcher() *StringMatcher {
	sm := &StringMatcher{regs: NewRegisterFile(6)}
	sm.regs.SetAccess(3, true, false)
	sm.regs.SetAccess(4, true, false)
	sm.regs.SetAccess(5, true, false)
	return sm
}

func (sm *StringMatcher) Name() string                  { return "stringmatching" }
func (sm *StringMatcher) NumRegs() int                  { return sm.regs.NumRegs() }
func (sm *StringMatcher) Read(reg int) (uint32, error)  { return sm.regs.Read(reg) }
func (sm *StringMatcher) Write(reg int, v uint32) error { return sm.regs.Write(reg, v) }

// SetBuffer installs the current exchange buffer's bytes, per spec.md §3's
// "current exchange-buffer pointer" field.
func (sm *StringMatcher) SetBuffer(data []byte) { sm.buf = data }

// Init parses the group descriptor blob: [u16 group_count] ([u16
// pattern_count] ([u16 pattern_length, u16 case_insensitive, u32
// user_data, bytes[pattern_length]])*)*, per spec.md §4.8.
func (sm *StringMatcher) Init(data []byte) error {
	r := &blobReader{data: data}
	groupCount, err := r.u16()
	if err != nil {
		return errors.Wrap(err, "copro: stringmatching: init")
	}
	sm.groups = make([]*acGroup, groupCount)
	for g := 0; g < int(groupCount); g++ {
		patCount, err := r.u16()
		if err != nil {
			return errors.Wrap(err, "copro: stringmatching: init")
		}
		patterns := make([]Pattern, patCount)
		for i := 0; i < int(patCount); i++ {
			length, err := r.u16()
			if err != nil {
				return errors.Wrap(err, "copro: stringmatching: init")
			}
			ci, err := r.u16()
			if err != nil {
				return errors.Wrap(err, "copro: stringmatching: init")
			}
			userData, err := r.u32()
			if err != nil {
				return errors.Wrap(err, "copro: stringmatching: init")
			}
			bytes, err := r.bytes(int(length))
			if err != nil {
				return errors.Wrap(err, "copro: stringmatching: init")
			}
			patterns[i] = Pattern{Bytes: bytes, CaseInsensitive: ci != 0, UserData: userData}
		}
		sm.groups[g] = buildGroup(patterns)
	}
	sm.pending = nil
	return nil
}

func (sm *StringMatcher) scan(groupID, start, length int) error {
	if groupID < 0 || groupID >= len(sm.groups) {
		return errors.Errorf("copro: stringmatching: group %d out of range", groupID)
	}
	g := sm.groups[groupID]
	end := start + length
	if end > len(sm.buf) {
		end = len(sm.buf)
	}
	state := int32(0)
	for i := start; i < end; i++ {
		state = g.nodes[state].goto_[sm.buf[i]]
		for _, out := range g.nodes[state].outputs {
			if len(sm.pending) >= maxPendingMatches {
				break
			}
			sm.pending = append(sm.pending, pendingMatch{userData: out.userData, endOffset: i + 1})
		}
	}
	return nil
}

func (sm *StringMatcher) Invoke(op uint32) error {
	switch MatchOp(op) {
	case MatchOpTryMatch:
		return sm.scan(int(sm.regs.get(0)), 0, int(sm.regs.get(1)))
	case MatchOpTryMatchAtOffset:
		return sm.scan(int(sm.regs.get(0)), int(sm.regs.get(2)), int(sm.regs.get(1)))
	case MatchOpGetResult:
		if len(sm.pending) == 0 {
			sm.regs.set(5, 0)
			return nil
		}
		m := sm.pending[0]
		sm.pending = sm.pending[1:]
		sm.regs.set(3, m.userData)
		sm.regs.set(4, uint32(m.endOffset))
		sm.regs.set(5, 1)
		return nil
	default:
		return errors.Errorf("copro: stringmatching: unsupported operation %d", op)
	}
}

// blobReader reads fixed-width fields out of a coprocessor init blob in
// the little-endian layout spec.md §4.8 specifies.
type blobReader struct {
	data []byte
	pos  int
}

func (r *blobReader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, errors.New("blob truncated reading u16")
	}
	v := uint16(r.data[r.pos]) | uint16(r.data[r.pos+1])<<8
	r.pos += 2
	return v, nil
}

func (r *blobReader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, errors.New("blob truncated reading u32")
	}
	v := uint32(r.data[r.pos]) | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])<<16 | uint32(r.data[r.pos+3])<<24
	r.pos += 4
	return v, nil
}

func (r *blobReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errors.New("blob truncated reading bytes")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
