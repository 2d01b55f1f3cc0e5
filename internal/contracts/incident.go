package contracts

// Incident is the deduplicated, lifecycle-managed representation of repeated
// guard alerts for one (rule_id, target) key.
type Incident struct {
	ID          string        `json:"id"`
	RuleID      string        `json:"rule_id"`
	TargetKey   string        `json:"target_key"`
	Severity    Severity      `json:"severity"`
	FirstSeenTs float64       `json:"first_seen_ts"`
	LastSeenTs  float64       `json:"last_seen_ts"`
	Count       int           `json:"count"`
	State       IncidentState `json:"state"`
}

// Key returns the dedup key an incident coalesces under.
func (i *Incident) Key() string {
	return i.RuleID + "|" + i.TargetKey
}

// Incident lifecycle kinds published on the operator audit subject.
const (
	KindIncidentOpen      = "incident_open"
	KindIncidentAck       = "incident_ack"
	KindIncidentClear     = "incident_clear"
	KindIncidentAutoClear = "incident_auto_clear"
	KindIncidentEscalate  = "incident_escalate"
	KindGuardAlert        = "guard_alert"
)
