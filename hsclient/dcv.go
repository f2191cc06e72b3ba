package hsclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/hsclient-go/onion"
)

// DescriptorParser is the external decode collaborator: it turns raw
// descriptor bytes into a Descriptor, given the subcredential derived for
// the current time period. Decryption/parsing of the wire format is a
// black box to the core; DCV only performs the descriptor version and signature checks
// once the parser hands back a result.
type DescriptorParser interface {
	Decode(raw []byte, subcred [32]byte) (*Descriptor, error)
}

// OnionDescriptorParser adapts the onion package's outer-layer parser and
// layered decryptor into a DescriptorParser. It expects raw to be the
// plaintext-outer-layer descriptor text (as returned by a directory fetch)
// and still-encrypted superencrypted/encrypted inner layers, matching what
// onion.FetchDescriptor / onion.FetchDescriptorViaCircuit return.
type OnionDescriptorParser struct {
	BlindedKey [32]byte
}

// Decode implements DescriptorParser.
func (p OnionDescriptorParser) Decode(raw []byte, subcred [32]byte) (*Descriptor, error) {
	outer, err := onion.ParseDescriptorOuter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse descriptor outer layer: %w", err)
	}
	introPoints, err := onion.DecryptAndParseDescriptor(outer, p.BlindedKey, subcred)
	if err != nil {
		return nil, fmt.Errorf("decrypt descriptor: %w", err)
	}
	return &Descriptor{
		Version:        outer.Version,
		Subcredential:  subcred,
		SigningKeyCert: outer.SigningKeyCert,
		IntroPoints:    introPoints,
	}, nil
}

// DescriptorCache (DCV — descriptor cache client view) is the lookup-only
// surface over the descriptor store. It owns the only copies of
// Descriptor the core holds; Lookup returns a value copy so callers never
// hold a reference past the call.
type DescriptorCache struct {
	mu     sync.Mutex
	clock  func() time.Time
	byID   map[ServiceId]Descriptor
	ipfc   *IntroFailureCache
	logger *slog.Logger
}

// NewDescriptorCache creates an empty DCV. clock and logger default to
// time.Now / slog.Default when nil.
func NewDescriptorCache(ipfc *IntroFailureCache, clock func() time.Time, logger *slog.Logger) *DescriptorCache {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DescriptorCache{clock: clock, byID: make(map[ServiceId]Descriptor), ipfc: ipfc, logger: logger}
}

// Lookup returns the current descriptor for service, if one is cached.
func (d *DescriptorCache) Lookup(service ServiceId) (Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.byID[service]
	return desc, ok
}

// HasUsableIntroPoint reports whether the cached descriptor for service (if
// any) has at least one intro point IPFC still considers usable.
func (d *DescriptorCache) HasUsableIntroPoint(service ServiceId) bool {
	desc, ok := d.Lookup(service)
	if !ok {
		return false
	}
	for _, ip := range desc.IntroPoints {
		if d.ipfc.Usable(service, ip.AuthKey) {
			return true
		}
	}
	return false
}

// Store decodes raw via parser, validates it against blindedKey
// (version must be 3, signing-key-cert must verify), and — only if both
// checks pass — replaces the cached descriptor for service. A rejected
// descriptor leaves the cache untouched and is logged as a warning.
func (d *DescriptorCache) Store(parser DescriptorParser, raw []byte, service ServiceId, blindedKey [32]byte, subcred [32]byte) error {
	desc, err := parser.Decode(raw, subcred)
	if err != nil {
		d.logger.Warn("descriptor decode failed", "service_id", fmt.Sprintf("%x", service[:8]), "error", err)
		return err
	}
	if desc.Version != 3 {
		d.logger.Warn("rejecting descriptor: unsupported version", "version", desc.Version)
		return fmt.Errorf("unsupported descriptor version %d", desc.Version)
	}
	if !onion.TorCertCheckSig(desc.SigningKeyCert, blindedKey, d.clock()) {
		d.logger.Warn("rejecting descriptor: signing-key-cert does not verify under blinded key",
			"service_id", fmt.Sprintf("%x", service[:8]))
		return fmt.Errorf("signing-key-cert verification failed")
	}

	d.mu.Lock()
	d.byID[service] = *desc
	d.mu.Unlock()
	return nil
}

// PurgeAll drops every cached descriptor, e.g. on NEWNYM.
func (d *DescriptorCache) PurgeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[ServiceId]Descriptor)
}
