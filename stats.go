package freshproxy

import "sync/atomic"

// Stats counts resolved outcomes by kind. It is safe for concurrent use.
// Callers that share a coalesced origin fetch each count its outcome.
type Stats struct {
	miss        atomic.Int64
	freshHit    atomic.Int64
	revalidated atomic.Int64
	replaced    atomic.Int64
	refetched   atomic.Int64
	passthrough atomic.Int64
	failure     atomic.Int64
	badRequest  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Miss        int64 `json:"miss"`
	FreshHit    int64 `json:"freshHit"`
	Revalidated int64 `json:"revalidated"`
	Replaced    int64 `json:"replaced"`
	Refetched   int64 `json:"refetched"`
	Passthrough int64 `json:"passthrough"`
	Failure     int64 `json:"failure"`
	BadRequest  int64 `json:"badRequest"`
}

func (s *Stats) record(o Outcome) {
	switch o.(type) {
	case Miss:
		s.miss.Add(1)
	case FreshHit:
		s.freshHit.Add(1)
	case Revalidated:
		s.revalidated.Add(1)
	case Replaced:
		s.replaced.Add(1)
	case Refetched:
		s.refetched.Add(1)
	case Passthrough:
		s.passthrough.Add(1)
	case Failure:
		s.failure.Add(1)
	}
}

func (s *Stats) recordBadRequest() {
	s.badRequest.Add(1)
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Miss:        s.miss.Load(),
		FreshHit:    s.freshHit.Load(),
		Revalidated: s.revalidated.Load(),
		Replaced:    s.replaced.Load(),
		Refetched:   s.refetched.Load(),
		Passthrough: s.passthrough.Load(),
		Failure:     s.failure.Load(),
		BadRequest:  s.badRequest.Load(),
	}
}
