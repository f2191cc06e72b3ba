package hsclient

import (
	"log/slog"
	"time"

	"github.com/cvsouth/hsclient-go/stream"
)

// StreamState is a pending SOCKS stream's position relative to descriptor
// and circuit availability.
type StreamState int

const (
	StreamRenddescWait StreamState = iota
	StreamCircuitWait
	StreamAttached
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamRenddescWait:
		return "renddesc_wait"
	case StreamCircuitWait:
		return "circuit_wait"
	case StreamAttached:
		return "attached"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream is a pending connection to an onion service, parked until a
// descriptor is available and a rendezvous circuit has joined.
type Stream struct {
	Service ServiceId
	State   StreamState
	Target  string
	Failure string

	attached *stream.Stream
}

// Attached returns the underlying wire stream once State is StreamAttached.
func (s *Stream) Attached() *stream.Stream { return s.attached }

// StreamTable holds streams parked against a service while its descriptor
// or rendezvous circuit is still being established.
type StreamTable struct {
	byService map[ServiceId][]*Stream
	logger    *slog.Logger
}

// NewStreamTable builds an empty stream table. logger defaults to slog.Default.
func NewStreamTable(logger *slog.Logger) *StreamTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTable{byService: make(map[ServiceId][]*Stream), logger: logger}
}

// Park registers a new stream waiting on service, in renddesc_wait.
func (t *StreamTable) Park(service ServiceId, target string) *Stream {
	s := &Stream{Service: service, State: StreamRenddescWait, Target: target}
	t.byService[service] = append(t.byService[service], s)
	return s
}

// Pending returns the streams currently parked against service.
func (t *StreamTable) Pending(service ServiceId) []*Stream {
	return t.byService[service]
}

// OnDescriptorArrived moves every renddesc_wait stream for service to
// circuit_wait once a usable descriptor is cached, or fails them if status
// indicates the fetch cannot succeed.
func (t *StreamTable) OnDescriptorArrived(service ServiceId, status FetchStatus) {
	streams := t.byService[service]
	for _, s := range streams {
		if s.State != StreamRenddescWait {
			continue
		}
		switch status {
		case StatusHaveDesc:
			s.State = StreamCircuitWait
		case StatusMissingInfo, StatusLaunched, StatusPending:
			// Stalling, not terminal: no descriptor is cached yet. The
			// stream stays parked in renddesc_wait until a descriptor
			// arrives or OnDirInfoChanged retries the fetch.
		case StatusNoHsDirs, StatusNotAllowed, StatusError:
			s.State = StreamFailed
			s.Failure = ReasonResolveFailed
		}
	}
}

// OnDirInfoChanged retries any stream stuck waiting on directory info by
// letting the caller re-run FetchScheduler.Refetch; this just reports which
// services currently have a stream parked in renddesc_wait so the caller
// knows which to retry.
func (t *StreamTable) OnDirInfoChanged() []ServiceId {
	var waiting []ServiceId
	for service, streams := range t.byService {
		for _, s := range streams {
			if s.State == StreamRenddescWait {
				waiting = append(waiting, service)
				break
			}
		}
	}
	return waiting
}

// Attach marks a circuit_wait stream as attached to a live wire stream
//, once a rendezvous circuit has joined and INTRODUCE1 has been sent.
func (t *StreamTable) Attach(s *Stream, ws *stream.Stream) {
	s.attached = ws
	s.State = StreamAttached
}

// Fail marks s failed with reason and removes it from the parked table.
func (t *StreamTable) Fail(s *Stream, reason string) {
	s.State = StreamFailed
	s.Failure = reason
	t.remove(s)
}

func (t *StreamTable) remove(target *Stream) {
	streams := t.byService[target.Service]
	for i, s := range streams {
		if s == target {
			t.byService[target.Service] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
	if len(t.byService[target.Service]) == 0 {
		delete(t.byService, target.Service)
	}
}

// Repark moves every stream parked against service back to renddesc_wait,
// used when a descriptor or usable intro point vanishes between circuit
// build and use: the streams wait for the refetch this triggers instead of
// being failed outright.
func (t *StreamTable) Repark(service ServiceId) {
	for _, s := range t.byService[service] {
		if s.State == StreamFailed || s.State == StreamAttached {
			continue
		}
		s.State = StreamRenddescWait
	}
}

// PurgeService fails and removes every stream parked against service, with
// reason, used when a fetch is declared terminally failed.
func (t *StreamTable) PurgeService(service ServiceId, reason string) {
	for _, s := range append([]*Stream(nil), t.byService[service]...) {
		t.Fail(s, reason)
	}
}

// OnConnectionAttemptSucceeded records that a stream attached successfully.
// This purges HSDir-selection memory for the service (so a future
// reconnect attempt re-evaluates the hashring) but deliberately leaves IPFC
// untouched: a working connection says nothing about other intro points'
// reachability.
func (t *StreamTable) OnConnectionAttemptSucceeded(s *Stream, fs *FetchScheduler, now time.Time) {
	if s.State != StreamAttached {
		t.logger.Warn("connection-attempt-succeeded for a stream that is not attached", "state", s.State.String())
	}
	fs.forgetRecent(s.Service, now)
}

// forgetRecent drops this service's recently-queried HSDir memory.
func (fs *FetchScheduler) forgetRecent(service ServiceId, now time.Time) {
	period := TimePeriodNow(now)
	blinded, err := BlindedKeyFor(service, period)
	if err != nil {
		return
	}
	fs.mu.Lock()
	delete(fs.recent, blinded)
	fs.mu.Unlock()
}
