package hsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cvsouth/hsclient-go/circuit"
	"github.com/cvsouth/hsclient-go/onion"
)

// ClientCore wires the descriptor cache, intro-point failure cache, fetch
// scheduler, introduction/rendezvous state machines, and stream table into
// the single entry point an embedder drives with inbound events. All
// methods are meant to be called from one goroutine, matching the
// cooperative, callback-driven model the rest of the client uses; nothing
// here blocks.
type ClientCore struct {
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	dcv  *DescriptorCache
	ipfc *IntroFailureCache
	fs   *FetchScheduler
	ism  *IntroductionStateMachine
	rsm  *RendezvousStateMachine
	circ *CircuitMap
	stms *StreamTable

	introCircs map[IntroCircIdent]*IntroCirc
}

// NewClientCore builds a fully wired ClientCore. clock and logger default
// when nil.
func NewClientCore(cfg Config, cons ConsensusSource, fetcher DirectoryFetcher, clock func() time.Time, logger *slog.Logger) *ClientCore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	ipfc := NewIntroFailureCache(clock)
	dcv := NewDescriptorCache(ipfc, clock, logger)
	fs := NewFetchScheduler(cfg, cons, fetcher, dcv, ipfc, clock, logger)
	circMap := NewCircuitMap()
	stms := NewStreamTable(logger)

	cc := &ClientCore{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		dcv:        dcv,
		ipfc:       ipfc,
		fs:         fs,
		ism:        NewIntroductionStateMachine(cfg, ipfc, dcv, logger),
		rsm:        NewRendezvousStateMachine(circMap, logger),
		circ:       circMap,
		stms:       stms,
		introCircs: make(map[IntroCircIdent]*IntroCirc),
	}

	fs.OnTerminalFailure(func(service ServiceId, status FetchStatus) {
		stms.PurgeService(service, ReasonNoUsableIntroPts)
	})
	cc.ism.OnAck(cc.onAckDispatch)

	return cc
}

// Connect begins resolving a .onion address and parks a stream against it,
// driving a fetch if no usable descriptor is cached.
func (cc *ClientCore) Connect(address, target string) (*Stream, error) {
	pubkey, err := onion.DecodeOnion(address)
	if err != nil {
		return nil, fmt.Errorf("decode onion address: %w", err)
	}
	service := ServiceId(pubkey)

	s := cc.stms.Park(service, target)

	status := cc.fs.Refetch(service)
	switch status {
	case StatusHaveDesc, StatusNoHsDirs, StatusNotAllowed, StatusError:
		cc.stms.OnDescriptorArrived(service, status)
	}
	return s, nil
}

// OnDescriptorArrived is the callback fired once a directory fetch
// completes (success or failure) for service.
func (cc *ClientCore) OnDescriptorArrived(service ServiceId, raw []byte, blindedKey BlindedKey, parser DescriptorParser) {
	pub := [32]byte(service)
	subcred := onion.Subcredential(pub, [32]byte(blindedKey))

	var status FetchStatus
	if err := cc.dcv.Store(parser, raw, service, [32]byte(blindedKey), subcred); err != nil {
		cc.logger.Info("descriptor rejected", "service_id", fmt.Sprintf("%x", service[:8]), "error", err)
		status = StatusError
	} else {
		status = StatusHaveDesc
	}
	cc.stms.OnDescriptorArrived(service, status)
}

// OnDirInfoChanged is the callback fired when the consensus/directory info
// view changes (e.g. a new consensus arrives), giving parked streams a
// chance to retry their fetch.
func (cc *ClientCore) OnDirInfoChanged() {
	for _, service := range cc.stms.OnDirInfoChanged() {
		status := cc.fs.Refetch(service)
		if status != StatusMissingInfo && status != StatusPending {
			cc.stms.OnDescriptorArrived(service, status)
		}
	}
}

// BeginIntroduction selects an intro point for service, opens an
// introduction circuit via circ, and drives it through OnCircuitOpened
//. rend must already be established (rend_ready) so its cookie
// and rendezvous-point parameters can be embedded in INTRODUCE1.
func (cc *ClientCore) BeginIntroduction(service ServiceId, circ *circuit.Circuit, rend *RendCirc, rendOnionKey [32]byte, rendLinkSpecs []byte) (*IntroCirc, error) {
	desc, ok := cc.dcv.Lookup(service)
	if !ok {
		// The descriptor vanished between circuit build and use (e.g. it
		// aged out of the cache). Treat this as transient: refetch and send
		// this service's streams back to renddesc_wait rather than building
		// INTRODUCE1 against zero-value key material.
		cc.fs.Refetch(service)
		cc.stms.Repark(service)
		return nil, fmt.Errorf("no descriptor cached for service")
	}

	ip, err := cc.ism.SelectIntroPoint(service)
	if err != nil {
		cc.fs.NoteIntroExhausted(service)
		cc.fs.Refetch(service)
		cc.stms.Repark(service)
		return nil, err
	}

	ident := IntroCircIdent{ServiceID: service, IntroAuthPK: ip.AuthKey}
	ic := &IntroCirc{Circ: circ, Ident: ident, Purpose: PurposeIntroducing, LastActivity: cc.clock(), Rend: rend}
	cc.introCircs[ident] = ic

	if err := cc.ism.OnCircuitOpened(ic, *ip, desc.Subcredential, rend.Ident.RendezvousCookie, rendOnionKey, rendLinkSpecs, cc.clock()); err != nil {
		delete(cc.introCircs, ident)
		return nil, err
	}
	rend.AttachHsNtorState(ic.HsNtorState())
	return ic, nil
}

// OnIntroduceAck is the callback fired when an INTRODUCE_ACK cell arrives on
// an introduction circuit.
func (cc *ClientCore) OnIntroduceAck(ic *IntroCirc, statusRaw uint16) IntroAckStatus {
	return cc.ism.OnIntroduceAck(ic, statusRaw, cc.clock())
}

func (cc *ClientCore) onAckDispatch(ident IntroCircIdent, status IntroAckStatus) {
	delete(cc.introCircs, ident)
	cc.logger.Debug("introduction outcome", "service_id", fmt.Sprintf("%x", ident.ServiceID[:8]), "status", status)
}

// EstablishRendezvous sends ESTABLISH_RENDEZVOUS on circ and registers the
// rendezvous circuit under a fresh cookie.
func (cc *ClientCore) EstablishRendezvous(service ServiceId, circ *circuit.Circuit) (*RendCirc, error) {
	cookie, err := onion.GenerateRendezvousCookie()
	if err != nil {
		return nil, fmt.Errorf("generate rendezvous cookie: %w", err)
	}
	ident := RendCircIdent{ServiceID: service, RendezvousCookie: cookie}
	return cc.rsm.Establish(circ, ident, cc.clock())
}

// OnRendezvousEstablished is the callback fired when RENDEZVOUS_ESTABLISHED
// arrives on a rendezvous circuit.
func (cc *ClientCore) OnRendezvousEstablished(rc *RendCirc) error {
	return cc.rsm.OnRendezvousEstablished(rc, cc.clock())
}

// OnRendezvous2 is the callback fired when RENDEZVOUS2 arrives.
func (cc *ClientCore) OnRendezvous2(cookie [20]byte, body []byte) (*onion.RendezvousKeys, error) {
	rc, ok := cc.rsm.Lookup(cookie)
	if !ok {
		return nil, fmt.Errorf("RENDEZVOUS2 for unknown cookie")
	}
	return cc.rsm.OnRendezvous2(rc, body, cc.clock())
}

// OnConnectionAttemptSucceeded records a successful stream attach and
// refreshes HSDir-selection memory for the service.
func (cc *ClientCore) OnConnectionAttemptSucceeded(s *Stream) {
	cc.stms.OnConnectionAttemptSucceeded(s, cc.fs, cc.clock())
}

// OnNewnym implements NEWNYM: purge IPFC, the descriptor cache, and
// fetch-scheduler memory so the next request re-resolves from scratch.
// Existing circuits and streams are left alone; per-client-auth purging is
// out of scope (no client-auth support is implemented).
func (cc *ClientCore) OnNewnym() {
	cc.ipfc.PurgeAll()
	cc.dcv.PurgeAll()
	cc.fs.PurgeAll()
}

// Descriptor exposes the cached descriptor for service, if any.
func (cc *ClientCore) Descriptor(service ServiceId) (Descriptor, bool) {
	return cc.dcv.Lookup(service)
}

// PendingStreams returns the streams currently parked against service.
func (cc *ClientCore) PendingStreams(service ServiceId) []*Stream {
	return cc.stms.Pending(service)
}
