package hsclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/hsclient-go/directory"
	"github.com/cvsouth/hsclient-go/onion"
)

// DirectoryFetcher is the external collaborator that launches an anonymous
// directory fetch against a chosen HSDir. The core never talks to the
// network directly; it only asks for a fetch to be launched and is told
// later, via OnDescriptorArrived, how it went.
type DirectoryFetcher interface {
	LaunchAnonymousDirFetch(hsdirIdentity [20]byte, service ServiceId, blindedKey BlindedKey) error
}

// ConsensusSource supplies the live consensus and shared random value the
// HSDir hashring computation needs.
type ConsensusSource interface {
	Consensus() (*directory.Consensus, error)
	SharedRandomValue(c *directory.Consensus) ([]byte, error)
	HaveEnoughDirInfo() bool
}

// recentQuery remembers that a blinded key was queried recently, so a burst
// of stream attempts for the same service doesn't relaunch fetches against
// every HSDir on the ring.
type recentQuery struct {
	at time.Time
}

const recentQueryTTL = 15 * time.Minute

// FetchScheduler (FS) decides, on demand, whether a fresh descriptor fetch
// is needed for a service, and if so launches it against a selected HSDir
//.
type FetchScheduler struct {
	mu      sync.Mutex
	clock   func() time.Time
	cfg     Config
	cons    ConsensusSource
	fetcher DirectoryFetcher
	dcv     *DescriptorCache
	ipfc    *IntroFailureCache
	logger  *slog.Logger

	recent map[BlindedKey]recentQuery
	// onTerminalFailure lets the core purge stream state when a fetch is
	// declared terminally failed, without FS importing the stream package.
	onTerminalFailure func(service ServiceId, status FetchStatus)
}

// NewFetchScheduler builds an FS wired to its collaborators. clock and
// logger default when nil.
func NewFetchScheduler(cfg Config, cons ConsensusSource, fetcher DirectoryFetcher, dcv *DescriptorCache, ipfc *IntroFailureCache, clock func() time.Time, logger *slog.Logger) *FetchScheduler {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchScheduler{
		clock:   clock,
		cfg:     cfg,
		cons:    cons,
		fetcher: fetcher,
		dcv:     dcv,
		ipfc:    ipfc,
		logger:  logger,
		recent:  make(map[BlindedKey]recentQuery),
	}
}

// OnTerminalFailure registers a hook invoked when Refetch is about to return
// a terminal-failure status (NotAllowed, NoHsDirs, Error), so the caller can
// purge parked streams waiting on this service.
func (fs *FetchScheduler) OnTerminalFailure(fn func(service ServiceId, status FetchStatus)) {
	fs.onTerminalFailure = fn
}

// Refetch implements the five ordered pre-checks and, when all pass,
// selects an HSDir and launches a fetch.
func (fs *FetchScheduler) Refetch(service ServiceId) FetchStatus {
	// 1. descriptor fetching must be enabled.
	if !fs.cfg.FetchHidServDescriptors {
		return fs.terminal(service, StatusNotAllowed)
	}

	// 2. already have a usable cached descriptor.
	if fs.dcv.HasUsableIntroPoint(service) {
		return StatusHaveDesc
	}

	// 3. need live consensus / enough directory info.
	if !fs.cons.HaveEnoughDirInfo() {
		return StatusMissingInfo
	}
	consensus, err := fs.cons.Consensus()
	if err != nil {
		fs.logger.Warn("fetch scheduler: consensus unavailable", "error", err)
		return fs.terminal(service, StatusError)
	}

	now := fs.clock()
	period := TimePeriodNow(now)
	blinded, err := BlindedKeyFor(service, period)
	if err != nil {
		fs.logger.Warn("fetch scheduler: blind key failed", "error", err)
		return fs.terminal(service, StatusError)
	}

	// 4. don't relaunch a fetch we already have in flight / recently sent.
	fs.mu.Lock()
	if rq, ok := fs.recent[blinded]; ok && now.Sub(rq.at) < recentQueryTTL {
		fs.mu.Unlock()
		return StatusPending
	}
	fs.mu.Unlock()

	// 5. select HSDirs from the hashring and pick one.
	srv, err := fs.cons.SharedRandomValue(consensus)
	if err != nil {
		fs.logger.Warn("fetch scheduler: no shared random value", "error", err)
		return fs.terminal(service, StatusNoHsDirs)
	}
	candidates, err := onion.SelectHSDirs(consensus, [32]byte(blinded), period, DefaultTimePeriodLength, srv)
	if err != nil || len(candidates) == 0 {
		fs.logger.Info("fetch scheduler: no HSDirs available", "service_id", fmt.Sprintf("%x", service[:8]))
		return fs.terminal(service, StatusNoHsDirs)
	}
	if fs.cfg.StrictNodes && len(fs.cfg.ExcludeNodes) > 0 {
		allowed := make([]*directory.Relay, 0, len(candidates))
		for _, c := range candidates {
			if !fs.cfg.ExcludeNodes[c.Identity] {
				allowed = append(allowed, c)
			}
		}
		if len(allowed) == 0 {
			fs.logger.Info("fetch scheduler: every candidate HSDir is excluded under StrictNodes")
			return fs.terminal(service, StatusNoHsDirs)
		}
		candidates = allowed
	}
	chosen, err := onion.PickRandomHSDir(candidates)
	if err != nil {
		return fs.terminal(service, StatusNoHsDirs)
	}

	if err := fs.fetcher.LaunchAnonymousDirFetch(chosen.Identity, service, blinded); err != nil {
		fs.logger.Warn("fetch scheduler: launch failed", "error", err)
		return fs.terminal(service, StatusError)
	}

	fs.mu.Lock()
	fs.recent[blinded] = recentQuery{at: now}
	fs.mu.Unlock()

	fs.logger.Debug("fetch scheduler: launched", "service_id", fmt.Sprintf("%x", service[:8]), "time_period", period)
	return StatusLaunched
}

// NoteIntroExhausted logs that every known intro point for service is
// currently unusable. This is a hint only — no new retry policy is driven
// off it; the caller decides whether to call Refetch again.
func (fs *FetchScheduler) NoteIntroExhausted(service ServiceId) {
	fs.logger.Info("all known intro points exhausted", "service_id", fmt.Sprintf("%x", service[:8]))
}

// terminal applies the terminal-failure policy: purge this service's
// recently-queried memory so the next attempt doesn't get stuck on
// StatusPending, and notify the registered hook so parked streams can be
// failed.
func (fs *FetchScheduler) terminal(service ServiceId, status FetchStatus) FetchStatus {
	now := fs.clock()
	period := TimePeriodNow(now)
	if blinded, err := BlindedKeyFor(service, period); err == nil {
		fs.mu.Lock()
		delete(fs.recent, blinded)
		fs.mu.Unlock()
	}
	if fs.onTerminalFailure != nil {
		fs.onTerminalFailure(service, status)
	}
	return status
}

// PurgeAll clears recently-queried memory, e.g. on NEWNYM.
func (fs *FetchScheduler) PurgeAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.recent = make(map[BlindedKey]recentQuery)
}
