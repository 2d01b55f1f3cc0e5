// Package contracts defines the canonical wire types exchanged between the
// QIKI services: telemetry snapshots, radar frames and tracks, FSM snapshots,
// proposals, incidents, BIOS status, and the command/event envelopes.
//
// Everything here is plain JSON (UTF-8, snake_case keys). Consumers must
// ignore unknown keys; producers must omit keys for data they do not have
// instead of fabricating zero values.
package contracts

// Severity classifies audit events.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
	SeverityEmerg Severity = "EMERG"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError, SeverityEmerg:
		return true
	}
	return false
}

// FSMState is the agent finite-state machine state carried on the wire.
type FSMState string

const (
	StateBooting  FSMState = "BOOTING"
	StateIdle     FSMState = "IDLE"
	StateActive   FSMState = "ACTIVE"
	StateError    FSMState = "ERROR_STATE"
	StateShutdown FSMState = "SHUTDOWN"
)

// Valid reports whether st is a known FSM state.
func (st FSMState) Valid() bool {
	switch st {
	case StateBooting, StateIdle, StateActive, StateError, StateShutdown:
		return true
	}
	return false
}

// IsTerminal returns true if no transition may leave st.
func (st FSMState) IsTerminal() bool {
	return st == StateShutdown
}

// ProposalType orders proposals by class; safety always wins over exploration.
type ProposalType string

const (
	ProposalSafety      ProposalType = "SAFETY"
	ProposalPlanning    ProposalType = "PLANNING"
	ProposalDiagnostics ProposalType = "DIAGNOSTICS"
	ProposalExploration ProposalType = "EXPLORATION"
)

// TypePriority maps the proposal type to its sort weight (higher first).
func (t ProposalType) TypePriority() int {
	switch t {
	case ProposalSafety:
		return 3
	case ProposalPlanning:
		return 2
	case ProposalDiagnostics:
		return 1
	case ProposalExploration:
		return 0
	default:
		return -1
	}
}

// ProposalStatus is the lifecycle status of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalAccepted ProposalStatus = "ACCEPTED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalExecuted ProposalStatus = "EXECUTED"
	ProposalExpired  ProposalStatus = "EXPIRED"
)

// IsTerminal returns true once a proposal can no longer change status.
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalAccepted, ProposalRejected, ProposalExecuted, ProposalExpired:
		return true
	}
	return false
}

// IncidentState is the operator incident lifecycle state.
type IncidentState string

const (
	IncidentOpen    IncidentState = "open"
	IncidentAcked   IncidentState = "acked"
	IncidentCleared IncidentState = "cleared"
)

// XpdrMode is the transponder (IFF beacon) mode.
type XpdrMode string

const (
	XpdrOn     XpdrMode = "ON"
	XpdrOff    XpdrMode = "OFF"
	XpdrSilent XpdrMode = "SILENT"
	XpdrSpoof  XpdrMode = "SPOOF"
)

// Valid reports whether m is one of the four transponder modes.
func (m XpdrMode) Valid() bool {
	switch m {
	case XpdrOn, XpdrOff, XpdrSilent, XpdrSpoof:
		return true
	}
	return false
}

// Emitting reports whether the transponder radiates an identifier in mode m.
func (m XpdrMode) Emitting() bool {
	return m == XpdrOn || m == XpdrSpoof
}

// RangeBand classifies a detection or track by distance. LR carries no
// identity; SR may carry transponder identity.
type RangeBand string

const (
	BandLR RangeBand = "LR"
	BandSR RangeBand = "SR"
)

// TrackStatus is the radar track lifecycle status.
type TrackStatus string

const (
	TrackNew     TrackStatus = "NEW"
	TrackTracked TrackStatus = "TRACKED"
	TrackLost    TrackStatus = "LOST"
)

// Guard rule identifiers. The radar evaluator emits alerts under these ids
// and the operator console keys incidents on them; both sides must agree.
const (
	RuleUnknownContactClose = "UNKNOWN_CONTACT_CLOSE"
	RuleFoeXpdrOffApproach  = "FOE_TRANSPONDER_OFF_APPROACH"
	RuleSpoofingDetected    = "SPOOFING_DETECTED"
	RuleTempCoreTrip        = "TEMP_CORE_TRIP"
)

// Docking states for the docking port state machine.
type DockingState string

const (
	DockingIdle      DockingState = "IDLE"
	DockingEngaging  DockingState = "ENGAGING"
	DockingConnected DockingState = "CONNECTED"
	DockingReleasing DockingState = "RELEASING"
)
