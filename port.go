package netvm

import "netvm/vmrt"

// portTarget is what a PE's output port is wired to: either another PE's
// input (push segment) or a socket bound to an application interface.
// Exactly one of pe/socket is set.
type portTarget struct {
	pe     *PE
	port   int64
	socket *Socket
}

// ConnectPort wires srcPE's output port srcPort to dstPE's input port
// dstPort, per spec.md §6's "connect PE output port to PE input port". A
// sendpkt instruction executed against srcPort during srcPE's push/pull
// segment delivers its exchange buffer to dstPE's push segment, called
// with dstPort as its calling port id.
func (vm *VM) ConnectPort(srcPE *PE, srcPort int64, dstPE *PE, dstPort int64) error {
	if srcPE == nil || dstPE == nil {
		return errNilPE
	}
	srcPE.outPorts[srcPort] = portTarget{pe: dstPE, port: dstPort}
	return nil
}

// Socket is a named external attachment point: one side faces a PE's
// port, the other faces an application interface a host process reads
// from or writes into.
type Socket struct {
	name string
	pe   *PE
	port int64
	sink *AppInterface
}

// ConnectSocket creates (or replaces) a named socket bound to pe's given
// port, per spec.md §6's "connect socket to PE". The socket has no
// application interface bound yet; see CreatePushAppInterface /
// CreatePullAppInterface.
func (vm *VM) ConnectSocket(name string, pe *PE, port int64) *Socket {
	s := &Socket{name: name, pe: pe, port: port}
	vm.sockets[name] = s
	pe.outPorts[port] = portTarget{socket: s}
	return s
}

// deliver hands xbuf to the application interface bound to s, if any.
func (s *Socket) deliver(xbuf *vmrt.ExchangeBuffer) error {
	if s.sink == nil {
		return errSocketUnbound
	}
	s.sink.inbox = append(s.sink.inbox, xbuf)
	return nil
}
