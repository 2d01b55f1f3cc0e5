package contracts

// FSMTransition is one recorded state change in the snapshot history.
type FSMTransition struct {
	From    FSMState `json:"from"`
	To      FSMState `json:"to"`
	Reason  string   `json:"reason"`
	TsEpoch float64  `json:"ts_epoch"`
}

// FSMSnapshot is the wire DTO of the agent finite-state machine. The SSOT
// store serializes it canonically; the serialized bytes define identity for
// versioning.
type FSMSnapshot struct {
	State        FSMState        `json:"current_state"`
	Reason       string          `json:"reason"`
	History      []FSMTransition `json:"history"`
	ContextData  map[string]any  `json:"context_data,omitempty"`
	SourceModule string          `json:"source_module"`
	AttemptCount int             `json:"attempt_count"`
}

// MaxFSMHistory bounds the history carried in a snapshot.
const MaxFSMHistory = 32

// WithTransition returns a copy of s moved to state `to`, with the transition
// appended to a bounded history.
func (s FSMSnapshot) WithTransition(to FSMState, reason string, tsEpoch float64) FSMSnapshot {
	next := s
	next.History = make([]FSMTransition, len(s.History), len(s.History)+1)
	copy(next.History, s.History)
	next.History = append(next.History, FSMTransition{
		From:    s.State,
		To:      to,
		Reason:  reason,
		TsEpoch: tsEpoch,
	})
	if len(next.History) > MaxFSMHistory {
		next.History = next.History[len(next.History)-MaxFSMHistory:]
	}
	next.State = to
	next.Reason = reason
	return next
}
