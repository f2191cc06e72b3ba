package hsclient

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/hsclient-go/circuit"
	"github.com/cvsouth/hsclient-go/onion"
)

// RendCircState is the rendezvous circuit's position in its lifecycle.
type RendCircState int

const (
	StateEstablishRend RendCircState = iota
	StateRendReady
	StateReadyIntroAcked
	StateRendJoined
)

func (s RendCircState) String() string {
	switch s {
	case StateEstablishRend:
		return "establish_rend"
	case StateRendReady:
		return "rend_ready"
	case StateReadyIntroAcked:
		return "ready_intro_acked"
	case StateRendJoined:
		return "rend_joined"
	default:
		return "unknown"
	}
}

// RendCirc wraps a *circuit.Circuit with rendezvous-specific state: identity,
// lifecycle state, and the hs-ntor client state carried over from the
// introduction attempt that used this rendezvous point.
type RendCirc struct {
	Circ         *circuit.Circuit
	Ident        RendCircIdent
	State        RendCircState
	LastActivity time.Time

	hsNtorState *onion.HsNtorClientState

	pathBiasUseAttempts int
	pathBiasUseSuccess  int
}

// PathbiasCountUseAttempt records that this circuit was chosen for use.
func (rc *RendCirc) PathbiasCountUseAttempt() { rc.pathBiasUseAttempts++ }

// PathbiasCountUseSuccess records that the use of this circuit succeeded.
func (rc *RendCirc) PathbiasCountUseSuccess() { rc.pathBiasUseSuccess++ }

// AttachHsNtorState carries the handshake state from the introduction
// attempt that targeted this rendezvous point, so RENDEZVOUS2 can complete it.
func (rc *RendCirc) AttachHsNtorState(s *onion.HsNtorClientState) {
	rc.hsNtorState = s
}

// CircuitMap indexes live rendezvous circuits by rendezvous cookie.
// The event loop is single-threaded; this map has no mutex and neither
// does ClientCore, so it is driven only from the callback entry points on
// that one goroutine.
type CircuitMap struct {
	byCookie map[[20]byte]*RendCirc
}

// NewCircuitMap creates an empty circuit map.
func NewCircuitMap() *CircuitMap {
	return &CircuitMap{byCookie: make(map[[20]byte]*RendCirc)}
}

func (m *CircuitMap) put(rc *RendCirc) { m.byCookie[rc.Ident.RendezvousCookie] = rc }
func (m *CircuitMap) get(cookie [20]byte) (*RendCirc, bool) {
	rc, ok := m.byCookie[cookie]
	return rc, ok
}
func (m *CircuitMap) remove(cookie [20]byte) { delete(m.byCookie, cookie) }

// RendezvousStateMachine (RSM) drives rendezvous circuits from
// ESTABLISH_RENDEZVOUS through to an end-to-end joined circuit.
type RendezvousStateMachine struct {
	circuits *CircuitMap
	logger   *slog.Logger
}

// NewRendezvousStateMachine builds an RSM over circuits. logger defaults to
// slog.Default.
func NewRendezvousStateMachine(circuits *CircuitMap, logger *slog.Logger) *RendezvousStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RendezvousStateMachine{circuits: circuits, logger: logger}
}

// Establish sends ESTABLISH_RENDEZVOUS on circ and registers it in the
// circuit map, keyed by the freshly generated rendezvous cookie.
func (rsm *RendezvousStateMachine) Establish(circ *circuit.Circuit, ident RendCircIdent, now time.Time) (*RendCirc, error) {
	rc := &RendCirc{Circ: circ, Ident: ident, State: StateEstablishRend, LastActivity: now}

	if err := circ.SendRelay(circuit.RelayEstablishRendezvous, 0, ident.RendezvousCookie[:]); err != nil {
		return nil, fmt.Errorf("send ESTABLISH_RENDEZVOUS: %w", err)
	}
	rsm.circuits.put(rc)
	return rc, nil
}

// OnRendezvousEstablished advances rc to rend_ready once
// RENDEZVOUS_ESTABLISHED arrives.
func (rsm *RendezvousStateMachine) OnRendezvousEstablished(rc *RendCirc, now time.Time) error {
	if rc.State != StateEstablishRend {
		return fmt.Errorf("RENDEZVOUS_ESTABLISHED in unexpected state %s", rc.State)
	}
	rc.State = StateRendReady
	rc.LastActivity = now
	return nil
}

// NoteIntroAcked marks that the introduction attempt using this rendezvous
// point succeeded: it advances rend_ready -> ready_intro_acked, recording
// that INTRODUCE_ACK arrived before RENDEZVOUS2. The move to rend_joined is
// driven by OnRendezvous2; in any other state this is a no-op.
func (rsm *RendezvousStateMachine) NoteIntroAcked(rc *RendCirc, now time.Time) {
	if rc.State == StateRendReady {
		rc.State = StateReadyIntroAcked
		rc.LastActivity = now
	}
}

// OnRendezvous2 processes a RENDEZVOUS2 cell body. This is legal
// from either rend_ready (the B2 shortcut: RENDEZVOUS2 arrives before the
// INTRODUCE_ACK) or ready_intro_acked; any other state is a protocol
// violation. The handshake state attached via AttachHsNtorState must be
// present; onion.CompleteRendezvous checks the service's AUTH MAC in
// constant time, and the circuit is considered joined only if it passes.
func (rsm *RendezvousStateMachine) OnRendezvous2(rc *RendCirc, body []byte, now time.Time) (*onion.RendezvousKeys, error) {
	switch rc.State {
	case StateRendReady, StateReadyIntroAcked:
	default:
		return nil, fmt.Errorf("RENDEZVOUS2 in unexpected state %s", rc.State)
	}
	if rc.hsNtorState == nil {
		return nil, fmt.Errorf("RENDEZVOUS2 with no pending hs-ntor handshake")
	}

	keys, err := onion.CompleteRendezvous(rc.hsNtorState, body)
	if err != nil {
		return nil, fmt.Errorf("complete rendezvous: %w", err)
	}

	rc.State = StateRendJoined
	rc.LastActivity = now
	rc.PathbiasCountUseSuccess()
	return keys, nil
}

// VerifyDigestEquality constant-time compares two digest seeds, used when
// validating derived keys against an independently computed value in tests
// or diagnostics; production key installation trusts CompleteRendezvous's
// own MAC check and never needs this outside that context.
func VerifyDigestEquality(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Lookup finds the rendezvous circuit for a cookie, e.g. when a RENDEZVOUS2
// cell arrives on a circuit whose cookie must be cross-checked against the
// map before dispatching.
func (rsm *RendezvousStateMachine) Lookup(cookie [20]byte) (*RendCirc, bool) {
	return rsm.circuits.get(cookie)
}

// Remove drops a rendezvous circuit from the map, e.g. on teardown.
func (rsm *RendezvousStateMachine) Remove(cookie [20]byte) {
	rsm.circuits.remove(cookie)
}
