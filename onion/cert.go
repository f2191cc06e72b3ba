package onion

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// CertTypeHSDescSigning identifies the "signing key, signed with blinded key"
// certificate carried as signing-key-cert in a v3 HS descriptor
// (rend-spec-v3 §2.1).
const CertTypeHSDescSigning = 0x08

// Cert is a parsed Ed25519 Tor certificate (cert-spec.txt format), the same
// TLV-with-extensions shape used for the link handshake's CertType 4/5 certs.
type Cert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	Signature     [64]byte
	Raw           []byte
}

// ParseCert parses a raw Ed25519 Tor certificate.
func ParseCert(data []byte) (*Cert, error) {
	if len(data) < 39+64 {
		return nil, fmt.Errorf("tor cert too short: %d bytes", len(data))
	}

	c := &Cert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(c.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-64 {
			return nil, fmt.Errorf("extension overflows cert at pos %d", pos)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-64 {
			return nil, fmt.Errorf("extension data overflows")
		}
		if extFlags&0x01 != 0 {
			// AFFECTS_VALIDATION on an extension this verifier doesn't
			// interpret must cause rejection, per cert-spec.
			return nil, fmt.Errorf("unrecognized critical extension in cert")
		}
		pos += extLen
	}

	copy(c.Signature[:], data[len(data)-64:])
	return c, nil
}

// TorCertCheckSig verifies the descriptor's signing-key-cert: it must be a
// CertTypeHSDescSigning certificate, unexpired at now, and signed by
// blindedKey (the cert_type 0x08 convention is "signed WITH the blinded
// key", not by the embedded extension key — there is no extension to fall
// back on here).
func TorCertCheckSig(certBytes []byte, blindedKey [32]byte, now time.Time) bool {
	c, err := ParseCert(certBytes)
	if err != nil {
		return false
	}
	if c.CertType != CertTypeHSDescSigning {
		return false
	}
	expTime := time.Unix(int64(c.ExpirationHrs)*3600, 0)
	if now.After(expTime) {
		return false
	}
	signed := c.Raw[:len(c.Raw)-64]
	return ed25519.Verify(blindedKey[:], signed, c.Signature[:])
}

// SigningKeyFromCert returns the descriptor signing key certified by a
// validated signing-key-cert (CertifiedKey field). Callers must have already
// confirmed TorCertCheckSig succeeded.
func SigningKeyFromCert(certBytes []byte) ([32]byte, error) {
	c, err := ParseCert(certBytes)
	if err != nil {
		return [32]byte{}, err
	}
	return c.CertifiedKey, nil
}
