package ctlproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"worldreset.gg/internal/ctlproto"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	reject := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err == nil {
			t.Fatalf("expected validation failure, got none")
		}
	}

	statusSchema := compile("status.schema.json")
	resetReqSchema := compile("reset_request.schema.json")
	resetRespSchema := compile("reset_response.schema.json")
	planSchema := compile("plan.schema.json")
	eventSchema := compile("event.schema.json")
	historySchema := compile("history.schema.json")

	var status any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "state":"idle",
	  "current_world":"world_12345",
	  "server_running":true,
	  "server_pid":4242,
	  "uptime_seconds":360,
	  "free_disk_bytes":107374182400,
	  "warnings":["server artifact not found"]
	}`), &status)
	validate(statusSchema, status)

	var resetReq any
	_ = json.Unmarshal([]byte(`{
	  "type":"RESET",
	  "protocol_version":"1.0",
	  "actor":"resetctl",
	  "confirm":true,
	  "reason":"weekly rotation"
	}`), &resetReq)
	validate(resetReqSchema, resetReq)

	var unconfirmed any
	_ = json.Unmarshal([]byte(`{"type":"RESET","protocol_version":"1.0"}`), &unconfirmed)
	reject(resetReqSchema, unconfirmed)

	var resetResp any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "accepted":true,
	  "op_id":"3e1f0a9c-8f2b-4c7d-9a51-6d2f8f6a1b44",
	  "next_world":"world_67890"
	}`), &resetResp)
	validate(resetRespSchema, resetResp)

	var resetDenied any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "accepted":false,
	  "error":"E_RESET_IN_PROGRESS",
	  "detail":"another reset is already running"
	}`), &resetDenied)
	validate(resetRespSchema, resetDenied)

	var plan any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "current_world":"world_12345",
	  "dimension_dirs":["world_12345","world_12345_nether","world_12345_the_end"],
	  "orphan_dirs":["world_00007"],
	  "cache_files":["usercache.json","whitelist.json","banned-players.json","banned-ips.json","session.lock"],
	  "cache_dirs":["cache","logs","versions",".paper-remapped"],
	  "data_patterns":["level.dat*","uid.dat"]
	}`), &plan)
	validate(planSchema, plan)

	var event any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "protocol_version":"1.0",
	  "ts":"2024-06-01T10:00:00Z",
	  "op_id":"3e1f0a9c-8f2b-4c7d-9a51-6d2f8f6a1b44",
	  "kind":"state",
	  "state":"script_launched"
	}`), &event)
	validate(eventSchema, event)

	var history any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "ops":[{
	    "op_id":"3e1f0a9c-8f2b-4c7d-9a51-6d2f8f6a1b44",
	    "actor":"console",
	    "prev_world":"world_12345",
	    "next_world":"world_67890",
	    "seed":-7341299155901981,
	    "state":"shutdown_scheduled",
	    "started_ms":1717236000000,
	    "updated_ms":1717236015000
	  }]
	}`), &history)
	validate(historySchema, history)
}

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{"", ctlproto.ErrResetInProgress, ctlproto.ErrValidation, ctlproto.ErrLaunch} {
		if !ctlproto.IsKnownCode(code) {
			t.Fatalf("IsKnownCode(%q) = false", code)
		}
	}
	if ctlproto.IsKnownCode("E_MADE_UP") {
		t.Fatal("IsKnownCode accepted unknown code")
	}
}
