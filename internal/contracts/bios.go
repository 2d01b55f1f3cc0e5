package contracts

// POST status levels per device, ordered by severity.
const (
	PostOK       = 0
	PostWarn     = 1
	PostFail     = 2
	PostCritical = 3
)

// PostResult is the power-on-self-test outcome for one declared device.
type PostResult struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name,omitempty"`
	Status        int    `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
}

// BiosStatus is the periodic BIOS status event (payload of
// qiki.events.v1.bios_status, schema v1).
type BiosStatus struct {
	EventSchemaVersion  int          `json:"event_schema_version"`
	Source              string       `json:"source"`
	Subject             string       `json:"subject"`
	Timestamp           float64      `json:"timestamp"`
	FirmwareVersion     string       `json:"firmware_version,omitempty"`
	PostResults         []PostResult `json:"post_results"`
	AllSystemsGo        bool         `json:"all_systems_go"`
	HardwareProfileHash string       `json:"hardware_profile_hash,omitempty"`
	UptimeS             float64      `json:"uptime_s,omitempty"`
}
