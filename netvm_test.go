package netvm

import (
	"testing"

	"netvm/bytecode"
	"netvm/vmrt"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// sendpktSegment builds a push segment whose whole body is "sendpkt port":
// lower.go appends the trailing ret itself, so the source bytecode is just
// the two-byte instruction.
func sendpktSegment(port byte) *bytecode.Segment {
	return &bytecode.Segment{Kind: bytecode.KindPush, MaxStackSize: 1, Code: []byte{0x48, port}}
}

// writeByteSegment builds a push segment that stores a constant byte at
// packet offset 0: pushb offset; pushb value; pkt_st8; ret.
func writeByteSegment(value byte) *bytecode.Segment {
	return &bytecode.Segment{
		Kind:         bytecode.KindPush,
		MaxStackSize: 3,
		Code:         []byte{0x04, 0, 0x04, value, 0x55, 0x46},
	}
}

func TestEndToEndPushRoutingAndWrite(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()

	src, err := vm.LoadPEFromAssembler("src", AssembledPE{Push: sendpktSegment(1)})
	assert(t, err == nil, "LoadPEFromAssembler(src) failed: %v", err)
	dst, err := vm.LoadPEFromAssembler("dst", AssembledPE{Push: writeByteSegment(9)})
	assert(t, err == nil, "LoadPEFromAssembler(dst) failed: %v", err)

	inSocket := vm.ConnectSocket("in", src, 0)
	assert(t, vm.ConnectPort(src, 1, dst, 0) == nil, "ConnectPort failed")

	assert(t, vm.Start() == nil, "Start failed")

	ai := vm.CreatePushAppInterface(inSocket)
	xbuf := &vmrt.ExchangeBuffer{Packet: make([]byte, 4)}
	assert(t, ai.Write(xbuf) == nil, "Write failed")
	assert(t, xbuf.Packet[0] == 9, "expected dst's push segment to have stamped packet[0]=9, got %d", xbuf.Packet[0])
}

func TestEndToEndPullAppInterfaceDrainsRoutedBuffer(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()

	src, err := vm.LoadPEFromAssembler("src", AssembledPE{Push: sendpktSegment(2)})
	assert(t, err == nil, "LoadPEFromAssembler failed: %v", err)

	inSocket := vm.ConnectSocket("in", src, 0)
	outSocket := vm.ConnectSocket("out", src, 2)

	assert(t, vm.Start() == nil, "Start failed")

	pull := vm.CreatePullAppInterface(outSocket)
	_, ok := pull.Read()
	assert(t, !ok, "expected an empty pull interface before anything is routed")

	push := vm.CreatePushAppInterface(inSocket)
	xbuf := &vmrt.ExchangeBuffer{Packet: []byte{77, 0, 0, 0}}
	assert(t, push.Write(xbuf) == nil, "Write failed")

	got, ok := pull.Read()
	assert(t, ok, "expected a routed buffer to be available")
	assert(t, got.Packet[0] == 77, "expected the routed buffer's payload to survive, got %d", got.Packet[0])

	_, ok = pull.Read()
	assert(t, !ok, "expected the inbox to be empty after draining the one buffer")
}

func TestAppInterfaceRejectsWrongDirection(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()

	src, err := vm.LoadPEFromAssembler("src", AssembledPE{Push: sendpktSegment(1)})
	assert(t, err == nil, "LoadPEFromAssembler failed: %v", err)
	socket := vm.ConnectSocket("s", src, 0)
	assert(t, vm.Start() == nil, "Start failed")

	pull := vm.CreatePullAppInterface(socket)
	err = pull.Write(&vmrt.ExchangeBuffer{})
	assert(t, err == errWrongDirection, "expected Write on a pull interface to report errWrongDirection, got %v", err)

	push := vm.CreatePushAppInterface(socket)
	_, ok := push.Read()
	assert(t, !ok, "expected Read on a push interface to report nothing available")
}

func TestStartRunsInitSegmentOnce(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()

	// init segment: pushb 0; pushb 5; pkt_st8 -- stamps packet[0]=5 the
	// moment Start runs it, with no host interaction at all.
	initSeg := &bytecode.Segment{
		Kind:         bytecode.KindInit,
		MaxStackSize: 2,
		Code:         []byte{0x04, 0, 0x04, 5, 0x55, 0x46},
	}
	_, err := vm.LoadPEFromAssembler("boot", AssembledPE{Init: initSeg})
	assert(t, err == nil, "LoadPEFromAssembler failed: %v", err)

	err = vm.Start()
	assert(t, err == nil, "Start failed: %v", err)
}

func TestStartRejectsSecondCall(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()
	_, err := vm.LoadPEFromAssembler("src", AssembledPE{Push: sendpktSegment(1)})
	assert(t, err == nil, "LoadPEFromAssembler failed: %v", err)

	assert(t, vm.Start() == nil, "first Start should succeed")
	assert(t, vm.Start() != nil, "second Start on the same VM must fail")
}

func TestLoadPEFromAssemblerRejectsEmptyInput(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()
	_, err := vm.LoadPEFromAssembler("empty", AssembledPE{})
	assert(t, err != nil, "expected an error when no segments are supplied")
}

func TestConnectPortRejectsNilPE(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()
	src, _ := vm.LoadPEFromAssembler("src", AssembledPE{Push: sendpktSegment(1)})
	assert(t, vm.ConnectPort(src, 0, nil, 0) == errNilPE, "expected errNilPE for a nil destination")
}

func TestUnimplementedSurfacesStayNamedButFail(t *testing.T) {
	vm := CreateVM()
	defer vm.DestroyVM()

	_, err := vm.LoadPEFromFile("whatever.netil")
	assert(t, err != nil, "LoadPEFromFile must report an error")

	_, err = vm.EnumeratePhysicalInterfaces()
	assert(t, err != nil, "EnumeratePhysicalInterfaces must report an error")

	err = vm.BindPhysicalInterface(PhysicalInterface{Name: "eth0"}, nil)
	assert(t, err != nil, "BindPhysicalInterface must report an error")
}

func TestWriteErrorTruncatesAndClears(t *testing.T) {
	buf := make([]byte, 8)
	WriteError(buf, errNilPE)
	assert(t, buf[len(buf)-1] == 0, "expected a truncated message to still be NUL-terminated")

	WriteError(buf, nil)
	assert(t, buf[0] == 0, "expected a nil error to clear the buffer")
}
