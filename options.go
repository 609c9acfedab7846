package netvm

// Backend selects which compiled target the lowering/emission pipeline
// produces code for. spec.md §6 lists backend selection as part of Start's
// public surface; this module implements a single interpreted synthetic
// target (see emit's package doc on why machine code here is a tagged
// byte stream rather than a real x86/Octeon ISA), so BackendInterpreted is
// the only value Start currently accepts. The type stays so a future
// backend slots into the same call shape.
type Backend int

const (
	BackendInterpreted Backend = iota
)

// OptLevel is the optimisation level selected at Start time.
type OptLevel int

const (
	OptNone OptLevel = iota
	OptDefault
)

// JITFlags mirrors spec.md §6's {assembly, native, inline, init,
// boundscheck} flag set. DeadCodeElim is an addition package lower's
// EliminateDeadCode (dce.go) already documents ("not part of the core contract...
// opts in") but spec.md leaves unnamed; wiring it here is what lets that
// pass run at all.
type JITFlags struct {
	// Assembly requests the compiled page's bytes be retained for
	// disassembly/debugging rather than discarded after the handler is
	// wired up. Informational only: emit.Result.Page.Bytes() is always
	// addressable, so this flag governs nothing further we implement.
	Assembly bool
	// Native requests native machine code. Always false under
	// BackendInterpreted; accepted for API parity with spec.md §6,
	// rejected by Start if set true without a native backend.
	Native bool
	// Inline enables cross-segment call inlining. Not implemented: NetIL
	// segments compile independently, so this flag is accepted but unused.
	Inline bool
	// Init runs the PE's init segment (if present) once during Start.
	Init bool
	// BoundsCheck keeps lower.go's OpBoundsCheck instructions in the
	// compiled output. Turning it off strips them post-lowering, per
	// spec.md §4.3's "the bounds check may be elided when the analyser
	// proves the access is in range" — this module doesn't attempt that
	// proof, so eliding is strictly the caller's opt-in risk.
	BoundsCheck bool
	// DeadCodeElim runs lower.EliminateDeadCode on every compiled segment.
	DeadCodeElim bool
}

// StartOptions configures one VM.Start call.
type StartOptions struct {
	Backend  Backend
	OptLevel OptLevel
	Flags    JITFlags
}

func defaultStartOptions() StartOptions {
	return StartOptions{
		Backend:  BackendInterpreted,
		OptLevel: OptDefault,
		Flags:    JITFlags{Init: true, BoundsCheck: true},
	}
}

// StartOption configures a single Start call via the functional-options
// pattern, per SPEC_FULL.md's Configuration section.
type StartOption func(*StartOptions)

func WithBackend(b Backend) StartOption { return func(o *StartOptions) { o.Backend = b } }

func WithOptLevel(l OptLevel) StartOption { return func(o *StartOptions) { o.OptLevel = l } }

func WithBoundsCheck(enabled bool) StartOption {
	return func(o *StartOptions) { o.Flags.BoundsCheck = enabled }
}

func WithDeadCodeElim(enabled bool) StartOption {
	return func(o *StartOptions) { o.Flags.DeadCodeElim = enabled }
}

func WithRunInit(enabled bool) StartOption {
	return func(o *StartOptions) { o.Flags.Init = enabled }
}

func WithFlags(f JITFlags) StartOption {
	return func(o *StartOptions) { o.Flags = f }
}
