// Package hsclient implements the v3 onion-service client core: the
// callback-driven state machine that resolves a .onion address to a
// descriptor, selects an introduction point, and drives the
// introduction/rendezvous handshake through to an end-to-end encrypted
// circuit. It is the orchestration layer sitting above the cryptographic
// and wire-protocol primitives in the onion package.
package hsclient

import (
	"time"

	"github.com/cvsouth/hsclient-go/onion"
)

// ServiceId is the 32-byte Ed25519 identity public key of an onion service.
type ServiceId [32]byte

// BlindedKey is a time-period-specific Ed25519 public key used to index the
// HSDir hashring. It is never cached across periods.
type BlindedKey [32]byte

// DefaultTimePeriodLength is the standard time-period length in minutes (1 day).
const DefaultTimePeriodLength = 1440

// TimePeriodNow returns the current time period, matching onion.TimePeriod
// with the default period length.
func TimePeriodNow(now time.Time) int64 {
	return onion.TimePeriod(now, DefaultTimePeriodLength)
}

// BlindedKeyFor recomputes the blinded key for (id, period). Callers must
// not cache the result across a time-period boundary.
func BlindedKeyFor(id ServiceId, period int64) (BlindedKey, error) {
	b, err := onion.BlindPublicKey([32]byte(id), period, DefaultTimePeriodLength)
	return BlindedKey(b), err
}

// Descriptor is the decoded, validated container consumed by the core.
// It is produced by a DescriptorParser and accepted into the DCV only after
// the version and signature checks pass.
type Descriptor struct {
	Version        int
	Subcredential  [32]byte
	SigningKeyCert []byte
	IntroPoints    []onion.IntroPoint
}

// IntroFailureKind enumerates the fault kinds IPFC accumulates.
type IntroFailureKind int

const (
	FailGeneric IntroFailureKind = iota
	FailTimeout
	FailUnreachable
)

// MaxReachFailures is the unreachable-count threshold at which an intro
// point is considered unusable.
const MaxReachFailures = 3

// introKey identifies an IPFC/intro-point record: (service, intro auth key).
type introKey struct {
	service ServiceId
	authPK  [32]byte
}

// IntroCircIdent is the CircuitIdent carried on an introduction circuit.
type IntroCircIdent struct {
	ServiceID   ServiceId
	IntroAuthPK [32]byte
}

// RendCircIdent is the CircuitIdent carried on a rendezvous circuit.
type RendCircIdent struct {
	ServiceID        ServiceId
	IntroAuthPK      [32]byte
	IntroEncPK       [32]byte
	RendezvousCookie [20]byte
}

// FetchStatus is the result of FetchScheduler.Refetch.
type FetchStatus int

const (
	StatusLaunched FetchStatus = iota
	StatusHaveDesc
	StatusNoHsDirs
	StatusNotAllowed
	StatusMissingInfo
	StatusPending
	StatusError
)

func (s FetchStatus) String() string {
	switch s {
	case StatusLaunched:
		return "Launched"
	case StatusHaveDesc:
		return "HaveDesc"
	case StatusNoHsDirs:
		return "NoHsDirs"
	case StatusNotAllowed:
		return "NotAllowed"
	case StatusMissingInfo:
		return "MissingInfo"
	case StatusPending:
		return "Pending"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// IntroAckStatus is the parsed result of an INTRODUCE_ACK cell.
type IntroAckStatus int

const (
	AckSuccess IntroAckStatus = iota
	AckFailure
	AckBadFmt
	AckNoRelay
	AckUnknown
)

// ParseIntroAckStatus parses the single-byte INTRODUCE_ACK status per
// rend-spec-v3: 0 = success, 1 = unspecified failure at the intro point,
// 2 = bad format, 3 = can't relay to rendezvous point; anything else is
// left unrecognized (fail-closed via the Unknown branch).
func ParseIntroAckStatus(status uint16) IntroAckStatus {
	switch status {
	case 0:
		return AckSuccess
	case 1:
		return AckFailure
	case 2:
		return AckBadFmt
	case 3:
		return AckNoRelay
	default:
		return AckUnknown
	}
}

// Config mirrors the external config collaborator.
type Config struct {
	FetchHidServDescriptors bool
	// ExcludeNodes holds the legacy (RSA identity digest) fingerprints of
	// relays the client avoids as intro points and HSDirs. An excluded intro
	// point is still used as a last resort unless StrictNodes is set; an
	// excluded HSDir is skipped only when StrictNodes is set.
	ExcludeNodes map[[20]byte]bool
	StrictNodes  bool
}

// Close reasons used when closing circuits and failing streams, matching the
// vocabulary spec.md uses throughout.
const (
	ReasonFinished         = "finished"
	ReasonInternal         = "internal"
	ReasonTorProtocol      = "TORPROTOCOL"
	ReasonResolveFailed    = "resolve failed"
	ReasonNoUsableIntroPts = "no usable intro points"
)
