package ctlproto

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Admission.
	ErrNoPermission    = "E_NO_PERMISSION"
	ErrNotConfirmed    = "E_NOT_CONFIRMED"
	ErrResetInProgress = "E_RESET_IN_PROGRESS"

	// Reset pipeline stages.
	ErrValidation       = "E_VALIDATION"
	ErrConfiguration    = "E_CONFIGURATION"
	ErrScriptGeneration = "E_SCRIPT_GENERATION"
	ErrLaunch           = "E_LAUNCH"

	// Console forwarding.
	ErrServerNotRunning = "E_SERVER_NOT_RUNNING"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrNoPermission:     {},
	ErrNotConfirmed:     {},
	ErrResetInProgress:  {},
	ErrValidation:       {},
	ErrConfiguration:    {},
	ErrScriptGeneration: {},
	ErrLaunch:           {},
	ErrServerNotRunning: {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
