package copro

import (
	"regexp"

	"github.com/pkg/errors"
)

// Regex is the regex-DFA coprocessor: it mirrors StringMatcher's
// try_match/try_match_at_offset/get_result contract but runs a compiled
// pattern set instead of an Aho-Corasick automaton, grounded on
// arch/octeon/coprocessors/regexp.c and regexp2.c.
//
// Go's regexp package already compiles to a DFA-like automaton (RE2's
// lazy-DFA/NFA hybrid) with no catastrophic-backtracking failure mode, so
// this module compiles patterns through it directly rather than hand-
// rolling a DFA construction a second time after Aho-Corasick's — no
// regex-DFA library exists in the pack, and stdlib regexp is the
// idiomatic choice the rest of the Go ecosystem reaches for here.
type Regex struct {
	regs     *RegisterFile
	patterns []*regexp.Regexp
	buf      []byte
	pending  []pendingMatch

	// HardwareAssist records whether the init blob asked for the
	// accelerator DFA-load path. On this software-only target it changes
	// nothing observable (spec.md §4.8: "the semantic contract is
	// unchanged"), so it is carried purely as an inspectable capability
	// flag.
	HardwareAssist bool
}

// Register layout mirrors StringMatcher: R0 pattern id, R1 scan length,
// R2 start offset, R3 result identifier (the matched pattern's index), R4
// result end offset, R5 result-found flag.
func NewRegex() *Regex {
	r := &Regex{regs: NewRegisterFile(6)}
	r.regs.SetAccess(3, true, false)
	r.regs.SetAccess(4, true, false)
	r.regs.SetAccess(5, true, false)
	return r
}

func (r *Regex) Name() string                  { return "regexp" }
func (r *Regex) NumRegs() int                  { return r.regs.NumRegs() }
func (r *Regex) Read(reg int) (uint32, error)  { return r.regs.Read(reg) }
func (r *Regex) Write(reg int, v uint32) error { return r.regs.Write(reg, v) }

func (r *Regex) SetBuffer(data []byte) { r.buf = data }

// Init parses [u16 pattern_count] ([u16 flags_len, bytes, u16
// pattern_len, bytes])*, per spec.md §4.8. A flags byte of 'h' (in
// addition to the regexp-syntax flags 'i'/'m'/'s') sets HardwareAssist.
func (r *Regex) Init(data []byte) error {
	br := &blobReader{data: data}
	count, err := br.u16()
	if err != nil {
		return errors.Wrap(err, "copro: regexp: init")
	}
	r.patterns = make([]*regexp.Regexp, count)
	for i := 0; i < int(count); i++ {
		flagsLen, err := br.u16()
		if err != nil {
			return errors.Wrap(err, "copro: regexp: init")
		}
		flags, err := br.bytes(int(flagsLen))
		if err != nil {
			return errors.Wrap(err, "copro: regexp: init")
		}
		patLen, err := br.u16()
		if err != nil {
			return errors.Wrap(err, "copro: regexp: init")
		}
		pat, err := br.bytes(int(patLen))
		if err != nil {
			return errors.Wrap(err, "copro: regexp: init")
		}

		var syntaxFlags []byte
		for _, f := range flags {
			switch f {
			case 'i', 'm', 's':
				syntaxFlags = append(syntaxFlags, f)
			case 'h':
				r.HardwareAssist = true
			}
		}
		expr := string(pat)
		if len(syntaxFlags) > 0 {
			expr = "(?" + string(syntaxFlags) + ")" + expr
		}
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return errors.Wrapf(err, "copro: regexp: compile pattern %d", i)
		}
		r.patterns[i] = compiled
	}
	r.pending = nil
	return nil
}

func (r *Regex) scan(patternID, start, length int) error {
	if patternID < 0 || patternID >= len(r.patterns) {
		return errors.Errorf("copro: regexp: pattern %d out of range", patternID)
	}
	end := start + length
	if end > len(r.buf) {
		end = len(r.buf)
	}
	if start < 0 || start > end {
		return errors.Errorf("copro: regexp: invalid scan range [%d,%d)", start, end)
	}
	locs := r.patterns[patternID].FindAllIndex(r.buf[start:end], -1)
	for _, loc := range locs {
		if len(r.pending) >= maxPendingMatches {
			break
		}
		r.pending = append(r.pending, pendingMatch{userData: uint32(patternID), endOffset: start + loc[1]})
	}
	return nil
}

func (r *Regex) Invoke(op uint32) error {
	switch MatchOp(op) {
	case MatchOpTryMatch:
		return r.scan(int(r.regs.get(0)), 0, int(r.regs.get(1)))
	case MatchOpTryMatchAtOffset:
		return r.scan(int(r.regs.get(0)), int(r.regs.get(2)), int(r.regs.get(1)))
	case MatchOpGetResult:
		if len(r.pending) == 0 {
			r.regs.set(5, 0)
			return nil
		}
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.regs.set(3, m.userData)
		r.regs.set(4, uint32(m.endOffset))
		r.regs.set(5, 1)
		return nil
	default:
		return errors.Errorf("copro: regexp: unsupported operation %d", op)
	}
}
