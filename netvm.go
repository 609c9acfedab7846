// Package netvm is the PE lifecycle facade spec.md §6 describes: create
// and destroy a VM, load PEs, wire their ports and sockets together, start
// the JIT pipeline over every loaded PE, and exchange buffers through
// application interfaces. It owns none of the lower-level machinery
// directly — bytecode parsing, verification, lowering, register
// allocation, emission and interpretation all live in their own packages
// under this module; netvm only sequences them.
package netvm

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"netvm/bytecode"
	"netvm/vmrt"
)

// ErrNotImplemented marks a named public-API entry point this module
// deliberately leaves unimplemented, per spec.md §1's scope exclusions
// (filesystem I/O, physical-interface enumeration). The name stays part
// of the surface so host code written against the full API compiles
// against this module and fails loudly, rather than not existing at all.
var ErrNotImplemented = errors.New("netvm: not implemented in this module")

var (
	errNilPE          = errors.New("netvm: nil PE")
	errSocketUnbound  = errors.New("netvm: socket has no bound application interface")
	errWrongDirection = errors.New("netvm: application interface used in the wrong direction")
)

// VM owns every PE and socket created under it. Not safe for concurrent
// use, matching every component it wires together (spec.md §5).
type VM struct {
	log zerolog.Logger

	pes     map[string]*PE
	sockets map[string]*Socket

	started bool
	opts    StartOptions
}

// Option configures a VM at CreateVM time.
type Option func(*VM)

// WithLogger sets the zerolog.Logger the VM holds (a no-op logger by
// default), matching the teacher's convention of an injected, never
// package-level, logger. The logger stays on the VM; it is not passed to
// the PEs the VM creates or to the compile pipeline.
func WithLogger(l zerolog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// CreateVM constructs an empty VM with no loaded PEs or sockets.
func CreateVM(opts ...Option) *VM {
	vm := &VM{
		log:     zerolog.Nop(),
		pes:     map[string]*PE{},
		sockets: map[string]*Socket{},
	}
	for _, o := range opts {
		o(vm)
	}
	return vm
}

// DestroyVM releases every PE's compiled handler pages and coprocessor
// state. After DestroyVM returns, vm must not be used again.
func (vm *VM) DestroyVM() {
	for _, pe := range vm.pes {
		for _, seg := range pe.compiled {
			if seg.handler != nil && seg.handler.Result != nil && seg.handler.Result.Page != nil {
				seg.handler.Result.Page.Close()
			}
		}
	}
	vm.pes = nil
	vm.sockets = nil
}

// Start runs every loaded PE's segments through the compile pipeline
// (verify, lower, allocate/spill, emit) and, when StartOptions.Flags.Init
// is set, runs each PE's init segment once. PEs are visited in map
// iteration order, so the order in which different PEs' init segments run
// is not defined. Start may be called only once per VM.
func (vm *VM) Start(opts ...StartOption) error {
	if vm.started {
		return errors.New("netvm: VM already started")
	}
	o := defaultStartOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if o.Backend != BackendInterpreted {
		return errors.New("netvm: unsupported backend")
	}
	if o.Flags.Native {
		return errors.Wrap(ErrNotImplemented, "netvm: native code generation")
	}
	vm.opts = o

	for name, pe := range vm.pes {
		nextBlockID := 0
		for _, kind := range []bytecode.Kind{bytecode.KindInit, bytecode.KindPush, bytecode.KindPull} {
			seg, ok := pe.raw[kind]
			if !ok {
				continue
			}
			compiled, err := compile(kind, seg, nextBlockID, o.Flags)
			if err != nil {
				return errors.Wrapf(err, "netvm: PE %q", name)
			}
			pe.compiled[kind] = compiled
			nextBlockID += compiled.info.NumBasicBlocks
		}
	}

	if o.Flags.Init {
		for name, pe := range vm.pes {
			if err := pe.runInit(); err != nil {
				return errors.Wrapf(err, "netvm: PE %q", name)
			}
		}
	}

	vm.started = true
	return nil
}

// deliverFromPort routes an exchange buffer leaving src's given output
// port to whatever it is connected to (another PE's push segment or a
// bound socket), per spec.md §6's "connect PE output port to PE input
// port; connect socket to PE". An unconnected output port silently drops
// the buffer, the same way a router drops traffic off an unpatched
// interface.
func (vm *VM) deliverFromPort(src *PE, port int64, xbuf *vmrt.ExchangeBuffer) error {
	target, ok := src.outPorts[port]
	if !ok {
		return nil
	}
	if target.pe != nil {
		return target.pe.runPush(target.port, xbuf)
	}
	if target.socket != nil {
		return target.socket.deliver(xbuf)
	}
	return nil
}
