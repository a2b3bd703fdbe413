// Package ctlproto defines the control-plane wire types shared by the
// daemon and the resetctl client. JSON schemas for the same messages live
// in the repository's schemas/ directory and are validated in tests.
package ctlproto

// Version is the control protocol version.
const Version = "1.0"

// StatusReport answers GET /v1/status.
type StatusReport struct {
	ProtocolVersion string `json:"protocol_version"`

	State        string `json:"state"`
	OpID         string `json:"op_id,omitempty"`
	CurrentWorld string `json:"current_world"`

	ServerRunning bool `json:"server_running"`
	ServerPID     int  `json:"server_pid,omitempty"`

	UptimeSeconds int64    `json:"uptime_seconds"`
	FreeDiskBytes uint64   `json:"free_disk_bytes"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Client -> Server. POST /v1/reset body. Confirm must be true; a request
// without it is rejected before any state changes.
type ResetRequest struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Actor   string `json:"actor,omitempty"`
	Confirm bool   `json:"confirm"`
	Reason  string `json:"reason,omitempty"`
}

// ResetResponse answers POST /v1/reset.
type ResetResponse struct {
	ProtocolVersion string `json:"protocol_version"`

	Accepted  bool   `json:"accepted"`
	OpID      string `json:"op_id,omitempty"`
	NextWorld string `json:"next_world,omitempty"`

	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// PlanReport answers GET /v1/plan: the deletion set a reset started right
// now would carry. Purely informational, nothing is deleted by asking.
type PlanReport struct {
	ProtocolVersion string `json:"protocol_version"`

	CurrentWorld  string   `json:"current_world"`
	DimensionDirs []string `json:"dimension_dirs"`
	OrphanDirs    []string `json:"orphan_dirs"`
	CacheFiles    []string `json:"cache_files"`
	CacheDirs     []string `json:"cache_dirs"`
	DataPatterns  []string `json:"data_patterns"`
}

// Client -> Server. First message on the /v1/events WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Replay asks for up to N buffered events before live ones.
	Replay int `json:"replay,omitempty"`
}

// Server -> Client. One lifecycle event on the /v1/events stream.
type Event struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	TS     string `json:"ts"`
	OpID   string `json:"op_id,omitempty"`
	Kind   string `json:"kind"`
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Event kinds on the /v1/events stream.
const (
	EventState   = "state"
	EventWarning = "warning"
	EventFailure = "failure"
	EventConsole = "console"
)

// HistoryEntry is one past reset in GET /v1/history.
type HistoryEntry struct {
	OpID      string `json:"op_id"`
	Actor     string `json:"actor"`
	PrevWorld string `json:"prev_world"`
	NextWorld string `json:"next_world,omitempty"`
	Seed      int64  `json:"seed,omitempty"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	StartedMS int64  `json:"started_ms"`
	UpdatedMS int64  `json:"updated_ms"`
}

// HistoryResponse answers GET /v1/history.
type HistoryResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	Ops             []HistoryEntry `json:"ops"`
}

// Client -> Server. POST /v1/console body, forwarded to the game server's
// stdin verbatim.
type ConsoleRequest struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Command string `json:"command"`
}

// ConsoleResponse answers POST /v1/console.
type ConsoleResponse struct {
	ProtocolVersion string `json:"protocol_version"`

	Sent   bool     `json:"sent"`
	Tail   []string `json:"tail,omitempty"`
	Error  string   `json:"error,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// ErrorBody is the JSON body of every non-2xx control-plane response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
