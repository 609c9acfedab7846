// Package ir defines the two IR node shapes the rest of the compiler
// operates on: NetILInstr, the verified-but-not-yet-lowered NetIL stream
// wrapped for cfg.Graph, and Instr, the target-machine tagged-variant
// instruction lowering produces.
package ir

import (
	"netvm/bytecode"
)

// NetILInstr adapts one verified bytecode.InstructionInfo for use as a
// cfg.Graph node, so the verifier's flat instruction array can be rebuilt
// into a cfg.Graph[NetILInstr] for lowering to consume.
type NetILInstr struct {
	Info  bytecode.InstructionInfo
	Index int // original instruction index, for line-map / debug lookups
}
