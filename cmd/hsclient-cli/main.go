package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cvsouth/hsclient-go/circuit"
	"github.com/cvsouth/hsclient-go/descriptor"
	"github.com/cvsouth/hsclient-go/directory"
	"github.com/cvsouth/hsclient-go/hsclient"
	"github.com/cvsouth/hsclient-go/link"
	"github.com/cvsouth/hsclient-go/onion"
	"github.com/cvsouth/hsclient-go/pathselect"
	"github.com/cvsouth/hsclient-go/socks"
	"github.com/cvsouth/hsclient-go/stream"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fmt.Printf("=== hsclient %s ===\n\n", Version)

	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	consensus := loadConsensus(cache, logger)

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}
	cb := &circuitBuilder{consensus: consensus, logger: logger}

	driver := newConnDriver(consensus, httpClient, cb, logger)

	socksAddr := "127.0.0.1:9050"
	fmt.Printf("Starting SOCKS5 proxy on %s...\n", socksAddr)
	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetCirc: func() (*circuit.Circuit, error) {
			return nil, fmt.Errorf("direct (non-onion) connections are not supported by this driver")
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			return driver.connect(onionAddr, port)
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://<address>.onion")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

func loadConsensus(cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	text, ok := cache.LoadConsensus()
	if !ok {
		fmt.Println("Fetching consensus from directory authorities...")
		var err error
		text, err = directory.FetchConsensus()
		if err != nil {
			fmt.Printf("fetch consensus: %v\n", err)
			os.Exit(1)
		}
	}

	keyCerts, err := cache.LoadKeyCerts()
	if err != nil || len(keyCerts) == 0 {
		keyCerts, err = directory.FetchKeyCerts()
		if err != nil {
			logger.Warn("failed to fetch key certificates, falling back to structural validation", "error", err)
			keyCerts = nil
		}
	}
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("consensus signature validation failed: %v\n", err)
		os.Exit(1)
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("parse consensus: %v\n", err)
		os.Exit(1)
	}
	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("consensus freshness check failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}

	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	cache.LoadMicrodescriptors(usefulRelays)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, usefulRelays) == nil {
			break
		}
	}
	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays

	fmt.Printf("Loaded consensus: %d usable relays\n", len(consensus.Relays))
	return consensus
}

// consensusSource adapts a static *directory.Consensus into
// hsclient.ConsensusSource. HaveEnoughDirInfo is unconditionally true: this
// driver only runs once the consensus has already been fetched, validated,
// and populated with microdescriptors.
type consensusSource struct {
	consensus *directory.Consensus
}

func (c *consensusSource) Consensus() (*directory.Consensus, error) { return c.consensus, nil }
func (c *consensusSource) SharedRandomValue(cons *directory.Consensus) ([]byte, error) {
	return onion.GetSRVForClient(cons)
}
func (c *consensusSource) HaveEnoughDirInfo() bool { return true }

// connDriver drives hsclient.ClientCore synchronously against real circuits,
// one onion connection at a time. The state machine itself has no
// concurrency requirement; this driver simply performs each blocking
// network step inline and feeds the result back into ClientCore before
// moving to the next step.
type connDriver struct {
	consensus *directory.Consensus
	http      *http.Client
	builder   onion.CircuitBuilder
	logger    *slog.Logger
	core      *hsclient.ClientCore

	mu      sync.Mutex
	pending map[hsclient.ServiceId]chan fetchResult
}

type fetchResult struct {
	raw        []byte
	blindedKey hsclient.BlindedKey
	err        error
}

func newConnDriver(consensus *directory.Consensus, httpClient *http.Client, builder onion.CircuitBuilder, logger *slog.Logger) *connDriver {
	d := &connDriver{
		consensus: consensus,
		http:      httpClient,
		builder:   builder,
		logger:    logger,
		pending:   make(map[hsclient.ServiceId]chan fetchResult),
	}
	cfg := hsclient.Config{FetchHidServDescriptors: true}
	d.core = hsclient.NewClientCore(cfg, &consensusSource{consensus: consensus}, d, nil, logger)
	return d
}

// LaunchAnonymousDirFetch implements hsclient.DirectoryFetcher. It runs the
// actual HSDir fetch in a goroutine and delivers the result on the channel
// connect() is waiting on.
func (d *connDriver) LaunchAnonymousDirFetch(hsdirIdentity [20]byte, service hsclient.ServiceId, blindedKey hsclient.BlindedKey) error {
	var target *directory.Relay
	for i := range d.consensus.Relays {
		if d.consensus.Relays[i].Identity == hsdirIdentity {
			target = &d.consensus.Relays[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("HSDir %x not found in consensus", hsdirIdentity)
	}

	d.mu.Lock()
	ch, ok := d.pending[service]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no fetch waiter registered for service")
	}

	go func() {
		raw, err := d.fetchDescriptor(target, [32]byte(blindedKey))
		ch <- fetchResult{raw: []byte(raw), blindedKey: blindedKey, err: err}
	}()
	return nil
}

func (d *connDriver) fetchDescriptor(hsdir *directory.Relay, blindedKey [32]byte) (string, error) {
	if hsdir.DirPort > 0 {
		return onion.FetchDescriptor(d.http, fmt.Sprintf("%s:%d", hsdir.Address, hsdir.DirPort), blindedKey)
	}
	built, err := d.builder.BuildCircuit(&descriptor.RelayInfo{
		NodeID:       hsdir.Identity,
		NtorOnionKey: hsdir.NtorOnionKey,
		Address:      hsdir.Address,
		ORPort:       hsdir.ORPort,
	})
	if err != nil {
		return "", fmt.Errorf("build circuit to HSDir: %w", err)
	}
	defer func() { _ = built.LinkCloser.Close() }()
	return onion.FetchDescriptorViaCircuit(built.Circuit, blindedKey)
}

// connect resolves address, drives the introduction/rendezvous handshake,
// and returns a live stream to (address, port).
func (d *connDriver) connect(address string, port uint16) (io.ReadWriteCloser, error) {
	service, err := onion.DecodeOnion(address)
	if err != nil {
		return nil, fmt.Errorf("decode onion address: %w", err)
	}
	sid := hsclient.ServiceId(service)

	ch := make(chan fetchResult, 1)
	d.mu.Lock()
	d.pending[sid] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, sid)
		d.mu.Unlock()
	}()

	if _, err := d.core.Connect(address, fmt.Sprintf("%s:%d", address, port)); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if _, ok := d.core.Descriptor(sid); !ok {
		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("fetch descriptor: %w", res.err)
			}
			parser := hsclient.OnionDescriptorParser{BlindedKey: [32]byte(res.blindedKey)}
			d.core.OnDescriptorArrived(sid, res.raw, res.blindedKey, parser)
		case <-time.After(60 * time.Second):
			return nil, fmt.Errorf("timed out waiting for descriptor")
		}
	}

	if _, ok := d.core.Descriptor(sid); !ok {
		return nil, fmt.Errorf("no usable descriptor for %s", address)
	}

	return d.rendezvousAndIntroduce(sid, address, port)
}

func (d *connDriver) rendezvousAndIntroduce(sid hsclient.ServiceId, address string, port uint16) (io.ReadWriteCloser, error) {
	rendBuilt, err := d.builder.BuildCircuit(nil)
	if err != nil {
		return nil, fmt.Errorf("build rendezvous circuit: %w", err)
	}

	rc, err := d.core.EstablishRendezvous(sid, rendBuilt.Circuit)
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, err
	}

	if _, relayCmd, _, _, err := rendBuilt.Circuit.ReceiveRelay(); err != nil || relayCmd != circuit.RelayRendezvousEstablished {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("RENDEZVOUS_ESTABLISHED: %w", err)
	}
	if err := d.core.OnRendezvousEstablished(rc); err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, err
	}

	rendLinkSpecs, err := onion.BuildRendLinkSpecs(rendBuilt.LastHop.NodeID, rendBuilt.LastHop.Address, rendBuilt.LastHop.ORPort, [32]byte{})
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("build rend link specs: %w", err)
	}

	desc, _ := d.core.Descriptor(sid)
	var lastErr error
	for i, ip := range desc.IntroPoints {
		s, err := d.tryIntroPoint(sid, ip, rendBuilt, rc, rendLinkSpecs, address, port)
		if err == nil {
			return s, nil
		}
		d.logger.Warn("intro point failed", "index", i, "error", err)
		lastErr = err
	}
	_ = rendBuilt.LinkCloser.Close()
	return nil, fmt.Errorf("all introduction points failed: %w", lastErr)
}

func (d *connDriver) tryIntroPoint(sid hsclient.ServiceId, ip onion.IntroPoint, rendBuilt *onion.BuiltCircuit, rc *hsclient.RendCirc, rendLinkSpecs []byte, address string, port uint16) (io.ReadWriteCloser, error) {
	specs, err := onion.ParseLinkSpecifiers(ip.LinkSpecifiers)
	if err != nil {
		return nil, fmt.Errorf("parse link specifiers: %w", err)
	}

	introBuilt, err := d.builder.BuildCircuit(&descriptor.RelayInfo{
		NodeID:       specs.Identity,
		NtorOnionKey: ip.OnionKey,
		Address:      specs.Address,
		ORPort:       specs.ORPort,
	})
	if err != nil {
		return nil, fmt.Errorf("build intro circuit: %w", err)
	}
	defer func() { _ = introBuilt.LinkCloser.Close() }()

	ic, err := d.core.BeginIntroduction(sid, introBuilt.Circuit, rc, rendBuilt.LastHop.NtorOnionKey, rendLinkSpecs)
	if err != nil {
		return nil, fmt.Errorf("begin introduction: %w", err)
	}

	_, relayCmd, _, ackData, err := introBuilt.Circuit.ReceiveRelay()
	if err != nil {
		return nil, fmt.Errorf("receive INTRODUCE_ACK: %w", err)
	}
	if relayCmd != circuit.RelayIntroduceAck || len(ackData) < 2 {
		return nil, fmt.Errorf("malformed INTRODUCE_ACK")
	}
	statusRaw := uint16(ackData[0])<<8 | uint16(ackData[1])
	if status := d.core.OnIntroduceAck(ic, statusRaw); status != hsclient.AckSuccess {
		return nil, fmt.Errorf("INTRODUCE_ACK status=%v", status)
	}

	_, relayCmd, _, rend2Data, err := rendBuilt.Circuit.ReceiveRelay()
	if err != nil || relayCmd != circuit.RelayRendezvous2 {
		return nil, fmt.Errorf("receive RENDEZVOUS2: %w", err)
	}
	keys, err := d.core.OnRendezvous2(rc.Ident.RendezvousCookie, rend2Data)
	if err != nil {
		return nil, fmt.Errorf("complete rendezvous: %w", err)
	}

	hop, err := onionHopFromKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("init onion hop: %w", err)
	}
	rendBuilt.Circuit.AddHop(hop)

	s, err := stream.Begin(rendBuilt.Circuit, fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("stream begin: %w", err)
	}

	wrapped := &attachedStream{Stream: s, linkCloser: rendBuilt.LinkCloser}
	stmt := d.core.PendingStreams(sid)
	if len(stmt) > 0 {
		d.core.OnConnectionAttemptSucceeded(stmt[0])
	}
	return wrapped, nil
}

// onionHopFromKeys derives a circuit hop from rendezvous keys, mirroring the
// teacher's initOnionHop in onion/connect.go (unexported there, so this
// driver carries its own copy of the AES-256-CTR/SHA3-256 hop construction).
func onionHopFromKeys(keys *onion.RendezvousKeys) (*circuit.Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)
	fwdBlock, err := aes.NewCipher(keys.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("AES-256-CTR forward: %w", err)
	}
	bwdBlock, err := aes.NewCipher(keys.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("AES-256-CTR backward: %w", err)
	}
	dfHash, dbHash := onion.NewRendezvousDigests(keys.Df, keys.Db)
	return circuit.NewHop(cipher.NewCTR(fwdBlock, zeroIV), cipher.NewCTR(bwdBlock, zeroIV), dfHash, dbHash), nil
}

type attachedStream struct {
	*stream.Stream
	linkCloser io.Closer
}

func (s *attachedStream) Close() error {
	err := s.Stream.Close()
	_ = s.linkCloser.Close()
	return err
}

// circuitBuilder implements onion.CircuitBuilder: ordinary 3-hop path
// construction has nothing onion-service-specific about it.
type circuitBuilder struct {
	consensus *directory.Consensus
	logger    *slog.Logger
}

func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts")
}

func (cb *circuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	var guard, middle, lastHopRelay *directory.Relay
	var lastHopInfo *descriptor.RelayInfo

	if target != nil {
		exit, err := pathselect.SelectExit(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		guard, err = pathselect.SelectGuard(cb.consensus, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		middle, err = pathselect.SelectMiddle(cb.consensus, guard, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		lastHopInfo = target
	} else {
		path, err := pathselect.SelectPath(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard = &path.Guard
		middle = &path.Middle
		lastHopRelay = &path.Exit
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}

	l, err := link.Handshake(fmt.Sprintf("%s:%d", guard.Address, guard.ORPort), cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	c, err := circuit.Create(l, relayInfoFromConsensus(guard), cb.logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}
	if err := c.Extend(relayInfoFromConsensus(middle), cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}
	if err := c.Extend(lastHopInfo, cb.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}
	_ = l.SetDeadline(time.Time{})

	return &onion.BuiltCircuit{Circuit: c, LinkCloser: l, LastHop: lastHopInfo}, nil
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}
