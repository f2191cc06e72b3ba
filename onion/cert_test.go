package onion

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"
)

// buildSigningKeyCert builds a CertTypeHSDescSigning certificate, signed by
// blindedPriv, certifying signingPub, expiring expHours from now.
func buildSigningKeyCert(blindedPriv ed25519.PrivateKey, signingPub [32]byte, expHours uint32) []byte {
	buf := make([]byte, 0, 39+1+64)
	buf = append(buf, 0x01)                // version
	buf = append(buf, CertTypeHSDescSigning) // cert type
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expHours)
	buf = append(buf, expBuf[:]...)
	buf = append(buf, 0x01) // key type (ed25519)
	buf = append(buf, signingPub[:]...)
	buf = append(buf, 0x00) // n_extensions = 0

	sig := ed25519.Sign(blindedPriv, buf)
	buf = append(buf, sig...)
	return buf
}

func expHoursFromNow(d time.Duration) uint32 {
	return uint32(time.Now().Add(d).Unix() / 3600)
}

func TestTorCertCheckSigValid(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)
	copy(signingKey[:], "descriptor-signing-key-32-bytes!")

	cert := buildSigningKeyCert(blindedPriv, signingKey, expHoursFromNow(24*time.Hour))

	if !TorCertCheckSig(cert, blindedKey, time.Now()) {
		t.Fatal("expected valid cert to check out")
	}

	got, err := SigningKeyFromCert(cert)
	if err != nil {
		t.Fatalf("SigningKeyFromCert: %v", err)
	}
	if got != signingKey {
		t.Fatal("certified signing key mismatch")
	}
}

func TestTorCertCheckSigExpired(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)
	copy(signingKey[:], "descriptor-signing-key-32-bytes!")

	cert := buildSigningKeyCert(blindedPriv, signingKey, expHoursFromNow(-24*time.Hour))

	if TorCertCheckSig(cert, blindedKey, time.Now()) {
		t.Fatal("expected expired cert to fail")
	}
}

func TestTorCertCheckSigWrongKey(t *testing.T) {
	_, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	var otherKey, signingKey [32]byte
	copy(otherKey[:], otherPub)
	copy(signingKey[:], "descriptor-signing-key-32-bytes!")

	cert := buildSigningKeyCert(blindedPriv, signingKey, expHoursFromNow(24*time.Hour))

	if TorCertCheckSig(cert, otherKey, time.Now()) {
		t.Fatal("expected cert signed by a different key to fail verification")
	}
}

func TestTorCertCheckSigWrongType(t *testing.T) {
	blindedPub, blindedPriv, _ := ed25519.GenerateKey(rand.Reader)
	var blindedKey, signingKey [32]byte
	copy(blindedKey[:], blindedPub)
	copy(signingKey[:], "descriptor-signing-key-32-bytes!")

	buf := make([]byte, 0, 39+1+64)
	buf = append(buf, 0x01)
	buf = append(buf, 0x04) // wrong cert type
	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], expHoursFromNow(24*time.Hour))
	buf = append(buf, expBuf[:]...)
	buf = append(buf, 0x01)
	buf = append(buf, signingKey[:]...)
	buf = append(buf, 0x00)
	sig := ed25519.Sign(blindedPriv, buf)
	buf = append(buf, sig...)

	if TorCertCheckSig(buf, blindedKey, time.Now()) {
		t.Fatal("expected wrong cert type to fail")
	}
}
