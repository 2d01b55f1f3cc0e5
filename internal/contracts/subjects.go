package contracts

import (
	"strings"
	"time"
)

// Canonical subject taxonomy, version-prefixed. Adding a v2 subject while v1
// exists in the same major is forbidden (see guardrails).
const (
	SubjectTelemetry = "qiki.telemetry"

	SubjectRadarFrames   = "qiki.radar.v1.frames"
	SubjectRadarFramesLR = "qiki.radar.v1.frames.lr"
	SubjectRadarTracks   = "qiki.radar.v1.tracks"
	SubjectRadarTracksSR = "qiki.radar.v1.tracks.sr"
	SubjectGuardAlerts   = "qiki.radar.v1.guard_alerts"

	SubjectCommandsControl  = "qiki.commands.control"
	SubjectResponsesControl = "qiki.responses.control"
	SubjectIntents          = "qiki.intents"
	SubjectResponsesQiki    = "qiki.responses.qiki"

	SubjectEventsWildcard = "qiki.events.v1.>"
	SubjectAudit          = "qiki.events.v1.audit"
	SubjectBiosStatus     = "qiki.events.v1.bios_status"

	SubjectOperatorActions = "qiki.operator.actions"
)

// CanonicalSubjects lists every fixed subject this build publishes or
// consumes, for the boot-time version gate.
func CanonicalSubjects() []string {
	return []string{
		SubjectTelemetry,
		SubjectRadarFrames,
		SubjectRadarFramesLR,
		SubjectRadarTracks,
		SubjectRadarTracksSR,
		SubjectGuardAlerts,
		SubjectCommandsControl,
		SubjectResponsesControl,
		SubjectIntents,
		SubjectResponsesQiki,
		SubjectAudit,
		SubjectBiosStatus,
		SubjectOperatorActions,
	}
}

// EventsPrefix is the root of the persisted event space.
const EventsPrefix = "qiki.events.v1."

// Edge event kinds; each kind publishes on EventsPrefix + kind.
const (
	KindThermalTrip    = "thermal_trip"
	KindSocEdge        = "soc_edge"
	KindPduOvercurrent = "pdu_overcurrent"
	KindXpdrMode       = "xpdr_mode"
	KindDocking        = "docking"
)

// EdgeSubject returns the canonical subject for an edge event kind.
func EdgeSubject(kind string) string {
	return EventsPrefix + kind
}

// Stream and durable names. The radar stream binds the whole radar subject
// subtree so the banded routing copies (frames.lr, tracks.sr) persist next to
// the union subjects.
const (
	StreamRadar  = "QIKI_RADAR_V1"
	StreamEvents = "QIKI_EVENTS_V1"

	StreamRadarSubjects  = "qiki.radar.v1.>"
	StreamEventsSubjects = "qiki.events.v1.>"

	DurableRadarFrames    = "radar_frames_pull"
	DurableRadarTracks    = "radar_tracks_pull"
	DurableEventsAudit    = "events_audit_pull"
	DurableOperatorAlerts = "operator_alerts_pull"
	DurableOperatorEvents = "operator_events_pull"
	DurableRegistrar      = "registrar_archive"
	DurableBridgeRadar    = "bridge_radar"
	DurableBridgeEvents   = "bridge_events"
)

// SessionDurable names the per-operator-session track consumer, so each
// connected console gets its own cursor into the radar stream.
func SessionDurable(session, kind string) string {
	return "op_" + session + "_" + kind
}

// HeaderMsgID is the message id header used for stream dedup. Consumers must
// be idempotent with respect to it inside the dedup window.
const HeaderMsgID = "Nats-Msg-Id"

// DefaultDedupWindow bounds producer and consumer dedup.
const DefaultDedupWindow = 120 * time.Second

// MatchSubject reports whether subject matches pattern. Patterns use
// dot-separated tokens where `*` matches exactly one token and a trailing `>`
// matches one or more remaining tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}

// IsVersionToken reports whether tok is a subject version segment ("v1").
func IsVersionToken(tok string) bool {
	if len(tok) < 2 || tok[0] != 'v' {
		return false
	}
	for _, r := range tok[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SubjectVersion extracts the version token ("v1") of a subject, or "" when
// the subject carries no version segment.
func SubjectVersion(subject string) string {
	for _, tok := range strings.Split(subject, ".") {
		if IsVersionToken(tok) {
			return tok
		}
	}
	return ""
}
