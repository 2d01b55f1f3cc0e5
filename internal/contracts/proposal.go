package contracts

// ProposalAction is a named action a proposal would take if a human operator
// approved it. The proposals-only invariant requires the emitted list to be
// empty; the type exists so evaluation pipelines can reason about intent
// without ever actuating.
type ProposalAction struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Proposal is the agent output unit. The agent emits proposals for operator
// consideration; it never translates them into actuator commands.
type Proposal struct {
	ID            string           `json:"id"`
	SourceModule  string           `json:"source_module"`
	TsEpoch       float64          `json:"ts_epoch"`
	Actions       []ProposalAction `json:"actions"`
	Justification string           `json:"justification"`
	Priority      float64          `json:"priority"`
	Confidence    float64          `json:"confidence"`
	Type          ProposalType     `json:"type"`
	Status        ProposalStatus   `json:"status"`
	DependsOn     []string         `json:"depends_on,omitempty"`
	ConflictsWith []string         `json:"conflicts_with,omitempty"`
}
