package agent

import "github.com/qiki/dtmp/internal/contracts"

// Transition reasons recorded in FSM snapshots.
const (
	ReasonColdStart      = "COLD_START"
	ReasonBootComplete   = "BOOT_COMPLETE"
	ReasonBiosError      = "BIOS_ERROR"
	ReasonHasProposals   = "HAS_PROPOSALS"
	ReasonNoProposals    = "NO_PROPOSALS"
	ReasonFatalError     = "FATAL_ERROR"
	ReasonShutdownSignal = "SHUTDOWN_SIGNAL"
)

// fsmConditions are the tick-derived facts the transition table consumes.
type fsmConditions struct {
	biosSeen          bool
	biosOK            bool
	hasValidProposals bool
	fatal             bool
}

// nextFSM applies the transition table. It returns the target state, the
// transition reason, and whether a transition is due at all.
//
// The table: BOOTING waits for BIOS and resolves to IDLE or ERROR_STATE;
// IDLE and ACTIVE toggle on proposal availability; a fatal fault forces
// ERROR_STATE from anywhere; SHUTDOWN is terminal.
func nextFSM(current contracts.FSMState, c fsmConditions) (contracts.FSMState, string, bool) {
	if current.IsTerminal() {
		return current, "", false
	}
	if c.fatal && current != contracts.StateError {
		return contracts.StateError, ReasonFatalError, true
	}

	switch current {
	case contracts.StateBooting:
		if !c.biosSeen {
			return current, "", false
		}
		if c.biosOK {
			return contracts.StateIdle, ReasonBootComplete, true
		}
		return contracts.StateError, ReasonBiosError, true

	case contracts.StateIdle:
		if c.hasValidProposals {
			return contracts.StateActive, ReasonHasProposals, true
		}

	case contracts.StateActive:
		if !c.hasValidProposals {
			return contracts.StateIdle, ReasonNoProposals, true
		}
	}
	return current, "", false
}
