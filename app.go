package netvm

import "netvm/vmrt"

// Direction is which way an application interface moves exchange
// buffers relative to the PE graph: in (an external process pushes
// buffers into a PE) or out (a PE's sendpkt drains into an external
// process).
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// AppInterface is spec.md §6's "push/pull application interface (in or
// out)": a host-facing endpoint bound to a socket. A push interface
// (DirectionIn) drives a PE's push segment from host-supplied buffers; a
// pull interface (DirectionOut) drains buffers a PE routed to the
// socket's port.
type AppInterface struct {
	dir    Direction
	socket *Socket
	inbox  []*vmrt.ExchangeBuffer
}

// CreateRuntimeEnvironment returns a lightweight named facade over vm,
// per spec.md §6's explicit "create runtime environment" step. It adds
// no state of its own: every operation it exposes just forwards to vm.
func (vm *VM) CreateRuntimeEnvironment(name string) *RuntimeEnvironment {
	return &RuntimeEnvironment{vm: vm, name: name}
}

// RuntimeEnvironment is the named handle CreateRuntimeEnvironment
// returns.
type RuntimeEnvironment struct {
	vm   *VM
	name string
}

func (re *RuntimeEnvironment) CreatePushAppInterface(socket *Socket) *AppInterface {
	return re.vm.CreatePushAppInterface(socket)
}

func (re *RuntimeEnvironment) CreatePullAppInterface(socket *Socket) *AppInterface {
	return re.vm.CreatePullAppInterface(socket)
}

// CreatePushAppInterface binds a DirectionIn application interface to
// socket: Write delivers a host-supplied buffer into socket's PE port as
// if it arrived from another PE.
func (vm *VM) CreatePushAppInterface(socket *Socket) *AppInterface {
	ai := &AppInterface{dir: DirectionIn, socket: socket}
	return ai
}

// CreatePullAppInterface binds a DirectionOut application interface to
// socket: Read drains buffers the PE graph routed to socket, per
// spec.md §6.
func (vm *VM) CreatePullAppInterface(socket *Socket) *AppInterface {
	ai := &AppInterface{dir: DirectionOut, socket: socket}
	socket.sink = ai
	return ai
}

// Write delivers xbuf into ai's socket's bound PE port. Valid only on a
// DirectionIn interface.
func (ai *AppInterface) Write(xbuf *vmrt.ExchangeBuffer) error {
	if ai.dir != DirectionIn {
		return errWrongDirection
	}
	if ai.socket == nil || ai.socket.pe == nil {
		return errSocketUnbound
	}
	return ai.socket.pe.runPush(ai.socket.port, xbuf)
}

// Read pops the oldest buffer delivered to ai's inbox, if any. Valid
// only on a DirectionOut interface.
func (ai *AppInterface) Read() (*vmrt.ExchangeBuffer, bool) {
	if ai.dir != DirectionOut || len(ai.inbox) == 0 {
		return nil, false
	}
	xbuf := ai.inbox[0]
	ai.inbox = ai.inbox[1:]
	return xbuf, true
}
