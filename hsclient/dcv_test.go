package hsclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cvsouth/hsclient-go/onion"
)

// fakeParser returns a canned Descriptor regardless of input, or an error
// if err is set.
type fakeParser struct {
	desc *Descriptor
	err  error
}

func (p fakeParser) Decode(raw []byte, subcred [32]byte) (*Descriptor, error) {
	if p.err != nil {
		return nil, p.err
	}
	d := *p.desc
	d.Subcredential = subcred
	return &d, nil
}

func buildCert(t *testing.T, blindedPriv ed25519.PrivateKey, signingPub [32]byte, expHours uint32) []byte {
	t.Helper()
	buf := make([]byte, 0, 39+1+64)
	buf = append(buf, 0x01)
	buf = append(buf, onion.CertTypeHSDescSigning)
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expHours)
	buf = append(buf, expBuf[:]...)
	buf = append(buf, 0x01)
	buf = append(buf, signingPub[:]...)
	buf = append(buf, 0x00)
	sig := ed25519.Sign(blindedPriv, buf)
	return append(buf, sig...)
}

func TestDescriptorCacheStoreAndLookup(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)
	copy(signingKey[:], "a-descriptor-signing-key-32byte!")

	cert := buildCert(t, blindedPriv, signingKey, uint32(time.Now().Add(24*time.Hour).Unix()/3600))

	parser := fakeParser{desc: &Descriptor{Version: 3, SigningKeyCert: cert}}
	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)

	var service ServiceId
	if err := dcv.Store(parser, []byte("raw"), service, blindedKey, [32]byte{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok := dcv.Lookup(service)
	if !ok {
		t.Fatal("expected descriptor to be cached")
	}
	if got.Version != 3 {
		t.Fatalf("Version = %d, want 3", got.Version)
	}
}

func TestDescriptorCacheRejectsWrongVersion(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)

	cert := buildCert(t, blindedPriv, signingKey, uint32(time.Now().Add(24*time.Hour).Unix()/3600))
	parser := fakeParser{desc: &Descriptor{Version: 2, SigningKeyCert: cert}}
	dcv := NewDescriptorCache(NewIntroFailureCache(nil), nil, nil)

	var service ServiceId
	if err := dcv.Store(parser, nil, service, blindedKey, [32]byte{}); err == nil {
		t.Fatal("expected version-2 descriptor to be rejected")
	}
	if _, ok := dcv.Lookup(service); ok {
		t.Fatal("rejected descriptor must not be cached")
	}
}

func TestDescriptorCacheRejectsBadSignature(t *testing.T) {
	blindedPub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)

	cert := buildCert(t, otherPriv, signingKey, uint32(time.Now().Add(24*time.Hour).Unix()/3600))
	parser := fakeParser{desc: &Descriptor{Version: 3, SigningKeyCert: cert}}
	dcv := NewDescriptorCache(NewIntroFailureCache(nil), nil, nil)

	var service ServiceId
	if err := dcv.Store(parser, nil, service, blindedKey, [32]byte{}); err == nil {
		t.Fatal("expected descriptor signed by wrong key to be rejected")
	}
}

func TestDescriptorCacheDecodeError(t *testing.T) {
	parser := fakeParser{err: errDecodeFailed}
	dcv := NewDescriptorCache(NewIntroFailureCache(nil), nil, nil)

	var service ServiceId
	if err := dcv.Store(parser, nil, service, [32]byte{}, [32]byte{}); err == nil {
		t.Fatal("expected decode error to propagate")
	}
}

func TestDescriptorCachePurgeAll(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)

	cert := buildCert(t, blindedPriv, signingKey, uint32(time.Now().Add(24*time.Hour).Unix()/3600))
	parser := fakeParser{desc: &Descriptor{Version: 3, SigningKeyCert: cert}}
	dcv := NewDescriptorCache(NewIntroFailureCache(nil), nil, nil)

	var service ServiceId
	_ = dcv.Store(parser, nil, service, blindedKey, [32]byte{})
	dcv.PurgeAll()
	if _, ok := dcv.Lookup(service); ok {
		t.Fatal("expected cache to be empty after PurgeAll")
	}
}

func TestHasUsableIntroPoint(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)

	cert := buildCert(t, blindedPriv, signingKey, uint32(time.Now().Add(24*time.Hour).Unix()/3600))
	var authKey [32]byte
	authKey[0] = 7
	parser := fakeParser{desc: &Descriptor{
		Version:        3,
		SigningKeyCert: cert,
		IntroPoints:    []onion.IntroPoint{{AuthKey: authKey}},
	}}

	ipfc := NewIntroFailureCache(nil)
	dcv := NewDescriptorCache(ipfc, nil, nil)
	var service ServiceId
	_ = dcv.Store(parser, nil, service, blindedKey, [32]byte{})

	if !dcv.HasUsableIntroPoint(service) {
		t.Fatal("expected at least one usable intro point")
	}

	ipfc.Note(service, authKey, FailGeneric)
	if dcv.HasUsableIntroPoint(service) {
		t.Fatal("expected no usable intro points once the only one has failed")
	}
}

type decodeErr struct{}

func (decodeErr) Error() string { return "decode failed" }

var errDecodeFailed = decodeErr{}
