package hsclient

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/cvsouth/hsclient-go/cell"
	"github.com/cvsouth/hsclient-go/circuit"
	"github.com/cvsouth/hsclient-go/link"
	"github.com/cvsouth/hsclient-go/onion"
)

// discardCircuit returns a circuit whose writes go nowhere, enough to
// exercise code paths that call SendRelay/Destroy without a live link.
func discardCircuit() *circuit.Circuit {
	return &circuit.Circuit{
		ID:   1,
		Link: &link.Link{Writer: cell.NewWriter(io.Discard)},
	}
}

// recordingCircuit returns a circuit whose writes land in buf, so a test can
// inspect how many (and which) cells were sent.
func recordingCircuit(buf *bytes.Buffer) *circuit.Circuit {
	return &circuit.Circuit{
		ID:   1,
		Link: &link.Link{Writer: cell.NewWriter(buf)},
	}
}

// destroyCellCount counts fixed-length DESTROY cells written to buf.
func destroyCellCount(buf *bytes.Buffer) int {
	data := buf.Bytes()
	count := 0
	for off := 0; off+5 <= len(data); off += cell.FixedCellLen {
		if data[off+4] == cell.CmdDestroy {
			count++
		}
	}
	return count
}

// ipv6OnlyLinkSpecs builds a link-specifier block with only an IPv6 address
// (no IPv4), which circuit.Extend rejects at its IP-validation step before
// touching the network — useful for exercising the "extend failed" branch of
// close_or_reextend deterministically, without a live link.
func ipv6OnlyLinkSpecs() []byte {
	data := []byte{
		0x02,       // NSPEC = 2
		0x01, 0x12, // LSTYPE=IPv6, LSLEN=18
	}
	data = append(data, make([]byte, 16)...) // address ::
	data = append(data, 0x01, 0xBB)          // port 443
	data = append(data, 0x02, 0x14)          // LSTYPE=RSA, LSLEN=20
	data = append(data, make([]byte, 20)...) // identity
	return data
}

func TestSelectIntroPointNoDescriptor(t *testing.T) {
	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)

	var service ServiceId
	if _, err := ism.SelectIntroPoint(service); err == nil {
		t.Fatal("expected error with no cached descriptor")
	}
}

func TestSelectIntroPointSkipsUnusable(t *testing.T) {
	var authA, authB [32]byte
	authA[0] = 1
	authB[0] = 2

	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	var service ServiceId

	parser := fakeParser{desc: &Descriptor{
		Version:     3,
		IntroPoints: []onion.IntroPoint{{AuthKey: authA}, {AuthKey: authB}},
	}}
	storeWithoutVerify(t, dcv, service, parser)

	ipfc.Note(service, authA, FailGeneric)

	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)
	ip, err := ism.SelectIntroPoint(service)
	if err != nil {
		t.Fatalf("SelectIntroPoint: %v", err)
	}
	if ip.AuthKey != authB {
		t.Fatalf("expected the remaining usable intro point, got %x", ip.AuthKey)
	}
}

func TestSelectIntroPointAllUnusable(t *testing.T) {
	var authA [32]byte
	authA[0] = 1

	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	var service ServiceId

	parser := fakeParser{desc: &Descriptor{
		Version:     3,
		IntroPoints: []onion.IntroPoint{{AuthKey: authA}},
	}}
	storeWithoutVerify(t, dcv, service, parser)
	ipfc.Note(service, authA, FailGeneric)

	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)
	if _, err := ism.SelectIntroPoint(service); err == nil {
		t.Fatal("expected error when every intro point is unusable")
	}
}

// storeWithoutVerify seeds dcv directly by writing into its map, bypassing
// signature verification — selection logic only reads IntroPoints, which is
// what these tests exercise.
func storeWithoutVerify(t *testing.T, dcv *DescriptorCache, service ServiceId, parser fakeParser) {
	t.Helper()
	dcv.mu.Lock()
	dcv.byID[service] = *parser.desc
	dcv.mu.Unlock()
}

func TestUniformRandomIntBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		v, err := uniformRandomInt(5)
		if err != nil {
			t.Fatalf("uniformRandomInt: %v", err)
		}
		if v < 0 || v >= 5 {
			t.Fatalf("uniformRandomInt(5) = %d, out of range", v)
		}
	}
}

func TestUniformRandomIntRejectsNonPositive(t *testing.T) {
	if _, err := uniformRandomInt(0); err == nil {
		t.Fatal("expected error for n=0")
	}
}

func TestParseIntroAckStatus(t *testing.T) {
	cases := []struct {
		raw  uint16
		want IntroAckStatus
	}{
		{0, AckSuccess},
		{1, AckFailure},
		{2, AckBadFmt},
		{3, AckNoRelay},
		{99, AckUnknown},
	}
	for _, c := range cases {
		if got := ParseIntroAckStatus(c.raw); got != c.want {
			t.Errorf("ParseIntroAckStatus(%d) = %v, want %v", c.raw, got, c.want)
		}
	}
}

// TestOnIntroduceAckFailureNoDescriptorClosesBothLegs covers close_or_reextend
// step 1: no descriptor cached means there's no way to pick a fresh intro
// point, so both the intro and rendezvous circuits are closed.
func TestOnIntroduceAckFailureNoDescriptorClosesBothLegs(t *testing.T) {
	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)

	var service ServiceId
	var authPK [32]byte
	var introBuf, rendBuf bytes.Buffer
	rend := &RendCirc{Circ: recordingCircuit(&rendBuf)}
	ic := &IntroCirc{Ident: IntroCircIdent{ServiceID: service, IntroAuthPK: authPK}, Circ: recordingCircuit(&introBuf), Rend: rend}

	var ackStatus IntroAckStatus
	ism.OnAck(func(ident IntroCircIdent, status IntroAckStatus) { ackStatus = status })

	got := ism.OnIntroduceAck(ic, 1, time.Now())
	if got != AckFailure {
		t.Fatalf("OnIntroduceAck = %v, want AckFailure", got)
	}
	if ackStatus != AckFailure {
		t.Fatal("expected OnAck callback to fire with AckFailure")
	}
	if ipfc.Usable(service, authPK) {
		t.Fatal("expected IPFC to record a failure")
	}
	if destroyCellCount(&introBuf) != 1 {
		t.Fatalf("intro circuit DESTROY count = %d, want 1", destroyCellCount(&introBuf))
	}
	if destroyCellCount(&rendBuf) != 1 {
		t.Fatal("expected close_or_reextend to also close the paired rendezvous circuit")
	}
}

// TestOnIntroduceAckFailureReextendsWithFreshIntroPoint covers close_or_reextend
// step 3: with a fresh usable intro point available, close_or_reextend
// tries to extend the existing intro circuit to it and leaves the paired
// rendezvous circuit untouched. circuit.Extend here fails fast on the
// IPv6-only link specifier's address before touching any network, which is
// enough to prove SelectIntroPoint and Extend were reached without needing
// a live link — and to prove the rendezvous circuit is only closed via the
// "no usable intro point" / "no descriptor" branches, not this one.
func TestOnIntroduceAckFailureReextendsWithFreshIntroPoint(t *testing.T) {
	var authA, authB [32]byte
	authA[0] = 1
	authB[0] = 2

	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	var service ServiceId
	parser := fakeParser{desc: &Descriptor{
		Version: 3,
		IntroPoints: []onion.IntroPoint{
			{AuthKey: authA},
			{AuthKey: authB, LinkSpecifiers: ipv6OnlyLinkSpecs()},
		},
	}}
	storeWithoutVerify(t, dcv, service, parser)

	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)

	var introBuf, rendBuf bytes.Buffer
	rend := &RendCirc{Circ: recordingCircuit(&rendBuf)}
	ic := &IntroCirc{
		Ident:   IntroCircIdent{ServiceID: service, IntroAuthPK: authA},
		Circ:    recordingCircuit(&introBuf),
		Purpose: PurposeIntroduceAckWait,
		Rend:    rend,
	}

	got := ism.OnIntroduceAck(ic, 1, time.Now())
	if got != AckFailure {
		t.Fatalf("OnIntroduceAck = %v, want AckFailure", got)
	}
	if ipfc.Usable(service, authA) {
		t.Fatal("expected IPFC to record a failure against the original intro point")
	}
	if ic.Purpose != PurposeIntroducing {
		t.Fatalf("Purpose = %v, want PurposeIntroducing (reverted before close_or_reextend)", ic.Purpose)
	}
	if destroyCellCount(&rendBuf) != 0 {
		t.Fatal("a fresh usable intro point was available: the rendezvous circuit must not be closed")
	}
}

func TestOnIntroduceAckSuccess(t *testing.T) {
	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	ism := NewIntroductionStateMachine(Config{}, ipfc, dcv, nil)

	var service ServiceId
	var authPK [32]byte
	ic := &IntroCirc{Ident: IntroCircIdent{ServiceID: service, IntroAuthPK: authPK}, Circ: discardCircuit()}

	got := ism.OnIntroduceAck(ic, 0, time.Now())
	if got != AckSuccess {
		t.Fatalf("OnIntroduceAck = %v, want AckSuccess", got)
	}
	if ic.Purpose != PurposeIntroduceDone {
		t.Fatalf("Purpose = %v, want PurposeIntroduceDone", ic.Purpose)
	}
	if !ipfc.Usable(service, authPK) {
		t.Fatal("a successful ack must not mark the intro point unusable")
	}
}
