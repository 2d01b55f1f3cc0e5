// Package operator maintains the incident picture a human watches: guard
// alerts and selected platform events are deduplicated into lifecycle-managed
// incidents, surfaced over the operator audit subject, an HTTP API, and a
// live WebSocket feed.
package operator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/qiki/dtmp/internal/contracts"
)

// ErrNotFound reports an incident id with no live record behind it.
var ErrNotFound = errors.New("incident not found")

// IncidentStore coalesces repeated alerts for one (rule_id, target) key into
// a single incident per lifecycle. All updates are serialized under one short
// critical section.
type IncidentStore struct {
	mu    sync.Mutex
	byKey map[string]*contracts.Incident
	byID  map[string]*contracts.Incident

	coalesceWindowS float64
	autoClearS      float64
	metrics         *Metrics
}

func NewIncidentStore(coalesceWindowS, autoClearS float64, metrics *Metrics) *IncidentStore {
	return &IncidentStore{
		byKey:           make(map[string]*contracts.Incident),
		byID:            make(map[string]*contracts.Incident),
		coalesceWindowS: coalesceWindowS,
		autoClearS:      autoClearS,
		metrics:         metrics,
	}
}

func sevRank(s contracts.Severity) int {
	switch s {
	case contracts.SeverityWarn:
		return 1
	case contracts.SeverityError:
		return 2
	case contracts.SeverityEmerg:
		return 3
	default:
		return 0
	}
}

// ObserveOutcome reports what one alert did to the incident picture.
type ObserveOutcome int

const (
	// ObserveCoalesced folded the alert into an existing lifecycle.
	ObserveCoalesced ObserveOutcome = iota
	// ObserveOpened started a new lifecycle.
	ObserveOpened
	// ObserveEscalated re-opened an acknowledged incident because the alert
	// carried a higher severity than the one the operator acknowledged.
	ObserveEscalated
)

// Observe folds one alert into the store. Repeats only bump count and
// last_seen_ts; a severity escalation on an acked incident re-opens it. A
// cleared incident swallows stragglers inside the coalesce window and starts
// a fresh lifecycle after it.
func (s *IncidentStore) Observe(ruleID, targetKey string, severity contracts.Severity, ts float64) (contracts.Incident, ObserveOutcome) {
	key := ruleID + "|" + targetKey

	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byKey[key]
	switch {
	case ok && inc.State != contracts.IncidentCleared:
		inc.Count++
		inc.LastSeenTs = ts
		if sevRank(severity) > sevRank(inc.Severity) {
			inc.Severity = severity
			if inc.State == contracts.IncidentAcked {
				// The acknowledgement covered the lower severity only.
				inc.State = contracts.IncidentOpen
				return *inc, ObserveEscalated
			}
		}
		return *inc, ObserveCoalesced

	case ok && ts-inc.LastSeenTs <= s.coalesceWindowS:
		// Cleared, but the burst that caused it is still draining.
		inc.LastSeenTs = ts
		return *inc, ObserveCoalesced
	}

	if ok {
		delete(s.byID, inc.ID)
	}
	fresh := &contracts.Incident{
		ID:          uuid.NewString(),
		RuleID:      ruleID,
		TargetKey:   targetKey,
		Severity:    severity,
		FirstSeenTs: ts,
		LastSeenTs:  ts,
		Count:       1,
		State:       contracts.IncidentOpen,
	}
	s.byKey[key] = fresh
	s.byID[fresh.ID] = fresh
	s.metrics.RecordOpenCount(s.openLocked())
	return *fresh, ObserveOpened
}

// Ack moves an open incident to acked.
func (s *IncidentStore) Ack(id string, ts float64) (contracts.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return contracts.Incident{}, ErrNotFound
	}
	if inc.State != contracts.IncidentOpen {
		return contracts.Incident{}, fmt.Errorf("incident %s is %s, not open", id, inc.State)
	}
	inc.State = contracts.IncidentAcked
	inc.LastSeenTs = ts
	return *inc, nil
}

// Clear moves an acked incident to cleared. Un-acked incidents must be
// acknowledged first; only the absence timer clears those.
func (s *IncidentStore) Clear(id string, ts float64) (contracts.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return contracts.Incident{}, ErrNotFound
	}
	if inc.State != contracts.IncidentAcked {
		return contracts.Incident{}, fmt.Errorf("incident %s is %s, not acked", id, inc.State)
	}
	inc.State = contracts.IncidentCleared
	s.metrics.RecordOpenCount(s.openLocked())
	return *inc, nil
}

// Sweep clears every live incident that has gone quiet for the absence
// window and returns the cleared copies.
func (s *IncidentStore) Sweep(now float64) []contracts.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared []contracts.Incident
	for _, inc := range s.byKey {
		if inc.State == contracts.IncidentCleared {
			continue
		}
		if now-inc.LastSeenTs > s.autoClearS {
			inc.State = contracts.IncidentCleared
			cleared = append(cleared, *inc)
		}
	}
	if len(cleared) > 0 {
		s.metrics.RecordOpenCount(s.openLocked())
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i].FirstSeenTs < cleared[j].FirstSeenTs })
	return cleared
}

// Get returns a copy of one incident by id.
func (s *IncidentStore) Get(id string) (contracts.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return contracts.Incident{}, false
	}
	return *inc, true
}

// List returns copies of all live-lifecycle incidents, oldest first. An empty
// state filters nothing.
func (s *IncidentStore) List(state contracts.IncidentState) []contracts.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.Incident, 0, len(s.byKey))
	for _, inc := range s.byKey {
		if state != "" && inc.State != state {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenTs != out[j].FirstSeenTs {
			return out[i].FirstSeenTs < out[j].FirstSeenTs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Open reports how many incidents are open or acked.
func (s *IncidentStore) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *IncidentStore) openLocked() int {
	n := 0
	for _, inc := range s.byKey {
		if inc.State != contracts.IncidentCleared {
			n++
		}
	}
	return n
}
