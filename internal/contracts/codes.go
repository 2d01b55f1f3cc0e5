package contracts

// Audit event codes, grouped by class:
// 1xx bootstrap, 2xx sensor I/O, 3xx control I/O, 5xx faults,
// 7xx guard triggers, 9xx emergency.
const (
	CodeBootStarted   = 100
	CodeBootComplete  = 101
	CodeBiosPost      = 102
	CodeFsmTransition = 103
	CodeShutdown      = 110

	CodeSensorInvalid   = 201
	CodeSensorDropout   = 202
	CodeRadarFrameError = 210

	CodeCommandAccepted = 300
	CodeCommandRejected = 301
	CodeCommandUnknown  = 302
	CodeProposalEmitted = 310
	CodeResponseInvalid = 311

	CodeTickDropped    = 501
	CodePublishFailure = 502
	CodeSafeModeEnter  = 503
	CodeSafeModeExit   = 504
	CodePduOvercurrent = 510
	CodeThermalTrip    = 511
	CodeSocLow         = 512
	CodeSocRecovered   = 513
	CodeXpdrModeChange = 514
	CodeDockingChange  = 515

	CodeGuardAlert        = 700
	CodeIncidentOpen      = 701
	CodeIncidentAck       = 702
	CodeIncidentClear     = 703
	CodeIncidentAutoClear = 704
	CodeIncidentEscalate  = 705

	CodeEmergencyStop = 900
	CodeFatalInternal = 901
)

// CodeClass returns the class digit (1, 2, 3, 5, 7, 9) of an audit code.
func CodeClass(code int) int {
	return code / 100
}
