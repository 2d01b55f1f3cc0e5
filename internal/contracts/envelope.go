package contracts

import (
	"time"

	"github.com/google/uuid"
)

// EventSchemaVersion is the current audit event envelope version.
const EventSchemaVersion = 1

// EventEnvelope is the append-only audit event shape persisted on
// qiki.events.v1.>. Kind names the event, Category groups it (sim, radar,
// agent, operator, bios), Severity and Code classify it for triage.
type EventEnvelope struct {
	EventSchemaVersion int            `json:"event_schema_version"`
	Source             string         `json:"source"`
	Subject            string         `json:"subject"`
	TsEpoch            float64        `json:"ts"`
	Kind               string         `json:"kind"`
	Category           string         `json:"category"`
	Severity           Severity       `json:"severity"`
	Code               int            `json:"code"`
	Payload            map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an audit envelope stamped with the current wall clock.
func NewEvent(source, subject, kind, category string, sev Severity, code int, payload map[string]any) *EventEnvelope {
	return &EventEnvelope{
		EventSchemaVersion: EventSchemaVersion,
		Source:             source,
		Subject:            subject,
		TsEpoch:            EpochNow(),
		Kind:               kind,
		Category:           category,
		Severity:           sev,
		Code:               code,
		Payload:            payload,
	}
}

// MessageMetadata identifies and routes a command or response.
type MessageMetadata struct {
	MessageID   string   `json:"message_id"`
	MessageType string   `json:"message_type"`
	Source      string   `json:"source"`
	Destination string   `json:"destination,omitempty"`
	TsEpoch     *float64 `json:"ts_epoch,omitempty"`
}

// CommandEnvelope is a control command on qiki.commands.control.
type CommandEnvelope struct {
	CommandName string          `json:"command_name"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Metadata    MessageMetadata `json:"metadata"`
}

// ResponseEnvelope answers a command; RequestID echoes the command MessageID.
type ResponseEnvelope struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Result    map[string]any  `json:"result,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
}

// NewCommand builds a command envelope with a fresh message id.
func NewCommand(name, source, destination string, params map[string]any) *CommandEnvelope {
	ts := EpochNow()
	return &CommandEnvelope{
		CommandName: name,
		Parameters:  params,
		Metadata: MessageMetadata{
			MessageID:   uuid.NewString(),
			MessageType: "control_command",
			Source:      source,
			Destination: destination,
			TsEpoch:     &ts,
		},
	}
}

// NewResponse builds the response for cmd from the given responder.
func NewResponse(cmd *CommandEnvelope, source string, ok bool, errStr string, result map[string]any) *ResponseEnvelope {
	ts := EpochNow()
	return &ResponseEnvelope{
		RequestID: cmd.Metadata.MessageID,
		OK:        ok,
		Error:     errStr,
		Result:    result,
		Metadata: MessageMetadata{
			MessageID:   uuid.NewString(),
			MessageType: "control_response",
			Source:      source,
			Destination: cmd.Metadata.Source,
			TsEpoch:     &ts,
		},
	}
}

// EpochNow returns the wall clock as fractional epoch seconds, the timestamp
// convention used across all wire payloads.
func EpochNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
