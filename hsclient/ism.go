package hsclient

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cvsouth/hsclient-go/circuit"
	"github.com/cvsouth/hsclient-go/descriptor"
	"github.com/cvsouth/hsclient-go/onion"
)

// IntroCircPurpose tracks what an introduction circuit is currently doing,
// mirroring the purpose field C-tor circuits carry.
type IntroCircPurpose int

const (
	PurposeIntroducing IntroCircPurpose = iota
	PurposeIntroduceAckWait
	PurposeIntroduceDone
)

// IntroCirc wraps a *circuit.Circuit with the bookkeeping the introduction
// state machine needs: identity, purpose, and path-bias counters.
// The teacher's circuit.Circuit has no notion of purpose or path bias; those
// concepts belong to the onion-service layer, not the generic circuit wire
// protocol, so they live here instead of being bolted onto circuit.Circuit.
type IntroCirc struct {
	Circ         *circuit.Circuit
	Ident        IntroCircIdent
	Purpose      IntroCircPurpose
	LastActivity time.Time

	// Rend is the rendezvous circuit this introduction attempt is paired
	// with. close_or_reextend needs it to mark the rendezvous leg closed
	// when the intro circuit is abandoned outright rather than re-extended.
	Rend *RendCirc

	pathBiasUseAttempts int
	pathBiasUseSuccess  int

	hsNtorState *onion.HsNtorClientState
}

// PathbiasCountUseAttempt records that this circuit was chosen for use.
func (c *IntroCirc) PathbiasCountUseAttempt() {
	c.pathBiasUseAttempts++
}

// PathbiasCountUseSuccess records that the use of this circuit succeeded.
func (c *IntroCirc) PathbiasCountUseSuccess() {
	c.pathBiasUseSuccess++
}

// IntroductionStateMachine (ISM) drives introduction circuits: selecting an
// intro point, sending INTRODUCE1, and dispatching on the resulting
// INTRODUCE_ACK.
type IntroductionStateMachine struct {
	cfg    Config
	ipfc   *IntroFailureCache
	dcv    *DescriptorCache
	logger *slog.Logger

	// onAck is invoked with the outcome of an introduction attempt so the
	// rendezvous state machine (or caller) can react; ISM itself only
	// drives the intro circuit and the failure cache.
	onAck func(ident IntroCircIdent, status IntroAckStatus)
}

// NewIntroductionStateMachine builds an ISM. logger defaults to slog.Default.
func NewIntroductionStateMachine(cfg Config, ipfc *IntroFailureCache, dcv *DescriptorCache, logger *slog.Logger) *IntroductionStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntroductionStateMachine{cfg: cfg, ipfc: ipfc, dcv: dcv, logger: logger}
}

// OnAck registers the callback invoked once an INTRODUCE_ACK status is parsed.
func (ism *IntroductionStateMachine) OnAck(fn func(ident IntroCircIdent, status IntroAckStatus)) {
	ism.onAck = fn
}

// SelectIntroPoint picks a usable introduction point for service at random
//, honoring ExcludeNodes/StrictNodes: an excluded intro point is
// skipped unless StrictNodes is false and no other candidate remains, in
// which case it is used anyway rather than giving up entirely.
func (ism *IntroductionStateMachine) SelectIntroPoint(service ServiceId) (*onion.IntroPoint, error) {
	desc, ok := ism.dcv.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("no descriptor cached for service")
	}

	var usable []onion.IntroPoint
	var usableNotExcluded []onion.IntroPoint
	for _, ip := range desc.IntroPoints {
		if !ism.ipfc.Usable(service, ip.AuthKey) {
			continue
		}
		usable = append(usable, ip)
		if !ism.excluded(ip) {
			usableNotExcluded = append(usableNotExcluded, ip)
		}
	}

	pool := usableNotExcluded
	if len(pool) == 0 {
		if ism.cfg.StrictNodes || len(usable) == 0 {
			return nil, fmt.Errorf("no usable intro points")
		}
		// StrictNodes is false: fall back to an excluded-but-usable point
		// rather than refusing the connection outright.
		pool = usable
	}

	idx, err := uniformRandomInt(len(pool))
	if err != nil {
		return nil, err
	}
	chosen := pool[idx]
	return &chosen, nil
}

func (ism *IntroductionStateMachine) excluded(ip onion.IntroPoint) bool {
	if len(ism.cfg.ExcludeNodes) == 0 {
		return false
	}
	specs, err := onion.ParseLinkSpecifiers(ip.LinkSpecifiers)
	if err != nil {
		return false
	}
	return ism.cfg.ExcludeNodes[specs.Identity]
}

func uniformRandomInt(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("uniformRandomInt: n must be positive")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("uniformRandomInt: %w", err)
	}
	return int(v.Int64()), nil
}

// OnCircuitOpened is called once circ's last hop reports OR_CONN_EVENT_OPEN
//. It builds and sends INTRODUCE1 for the given intro point and
// rendezvous parameters.
func (ism *IntroductionStateMachine) OnCircuitOpened(ic *IntroCirc, ip onion.IntroPoint, subcredential [32]byte,
	rendCookie [20]byte, rendOnionKey [32]byte, rendLinkSpecs []byte, now time.Time) error {

	ic.PathbiasCountUseAttempt()

	payload, state, err := onion.BuildINTRODUCE1(ip.AuthKey[:], ip.EncKey, subcredential, rendCookie, rendOnionKey, rendLinkSpecs)
	if err != nil {
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailGeneric)
		return fmt.Errorf("build INTRODUCE1: %w", err)
	}
	ic.hsNtorState = state

	if err := ic.Circ.SendRelay(circuit.RelayIntroduce1, 0, payload); err != nil {
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailUnreachable)
		return fmt.Errorf("send INTRODUCE1: %w", err)
	}

	ic.Purpose = PurposeIntroduceAckWait
	ic.LastActivity = now
	return nil
}

// HsNtorState exposes the per-attempt handshake state so the rendezvous
// state machine can complete it once RENDEZVOUS2 arrives.
func (ic *IntroCirc) HsNtorState() *onion.HsNtorClientState {
	return ic.hsNtorState
}

// OnIntroduceAck handles an INTRODUCE_ACK cell's status byte. On success the
// circuit is marked done and left open for path-bias bookkeeping until the
// rendezvous completes; on a Failure/BadFmt/NoRelay status the intro point
// is recorded into IPFC and close_or_reextend decides whether to retry on a
// fresh intro point or give up on this introduction attempt entirely.
func (ism *IntroductionStateMachine) OnIntroduceAck(ic *IntroCirc, statusRaw uint16, now time.Time) IntroAckStatus {
	status := ParseIntroAckStatus(statusRaw)
	ic.LastActivity = now

	switch status {
	case AckSuccess:
		ic.Purpose = PurposeIntroduceDone
		ic.PathbiasCountUseSuccess()
	case AckFailure:
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailGeneric)
		ism.closeOrReextend(ic, now)
	case AckBadFmt:
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailGeneric)
		ism.closeOrReextend(ic, now)
	case AckNoRelay:
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailUnreachable)
		ism.closeOrReextend(ic, now)
	default:
		ism.logger.Warn("unrecognized INTRODUCE_ACK status", "status", statusRaw)
		ism.ipfc.Note(ic.Ident.ServiceID, ic.Ident.IntroAuthPK, FailGeneric)
		ism.closeOrReextend(ic, now)
	}

	if ism.onAck != nil {
		ism.onAck(ic.Ident, status)
	}
	return status
}

// closeOrReextend implements the post-INTRODUCE_ACK-failure policy: revert
// purpose to introducing, then either extend the existing intro circuit to
// a fresh usable intro point (refreshing its ident and last-activity), or,
// when no descriptor or no usable intro point remains or the chosen point's
// link specifiers do not parse, close the intro circuit and the paired
// rendezvous circuit too. When the extend itself fails (including an
// exhausted RELAY_EARLY budget), only the intro circuit is closed.
func (ism *IntroductionStateMachine) closeOrReextend(ic *IntroCirc, now time.Time) {
	ic.Purpose = PurposeIntroducing

	ip, err := ism.SelectIntroPoint(ic.Ident.ServiceID)
	if err != nil {
		ism.closeBothLegs(ic)
		return
	}

	specs, err := onion.ParseLinkSpecifiers(ip.LinkSpecifiers)
	if err != nil {
		ism.closeBothLegs(ic)
		return
	}
	relayInfo := &descriptor.RelayInfo{
		NodeID:       specs.Identity,
		NtorOnionKey: ip.OnionKey,
		Address:      specs.Address,
		ORPort:       specs.ORPort,
	}

	if err := ic.Circ.Extend(relayInfo, ism.logger); err != nil {
		// Covers both a failed extend and an exhausted RELAY_EARLY budget:
		// either way this circuit is done and the driver launches a new one.
		ism.logger.Debug("intro circuit re-extend failed", "error", err)
		ism.closeCirc(ic, ReasonFinished)
		return
	}

	ic.Ident.IntroAuthPK = ip.AuthKey
	ic.LastActivity = now
}

func (ism *IntroductionStateMachine) closeBothLegs(ic *IntroCirc) {
	ism.closeCirc(ic, ReasonFinished)
	if ic.Rend == nil {
		return
	}
	if err := ic.Rend.Circ.Destroy(); err != nil {
		ism.logger.Debug("rendezvous circuit destroy failed", "error", err)
	}
}

func (ism *IntroductionStateMachine) closeCirc(ic *IntroCirc, reason string) {
	if err := ic.Circ.Destroy(); err != nil {
		ism.logger.Debug("intro circuit destroy failed", "reason", reason, "error", err)
	}
}
