package ctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldreset.gg/internal/config"
	"worldreset.gg/internal/ctlproto"
	"worldreset.gg/internal/launch"
	"worldreset.gg/internal/persistence/history"
	"worldreset.gg/internal/props"
	"worldreset.gg/internal/reset"
	"worldreset.gg/internal/restartscript"
	"worldreset.gg/internal/serverenv"
	"worldreset.gg/internal/worldplan"
)

type fakeGame struct {
	mu      sync.Mutex
	running bool
	sent    []string
	sendErr error
}

func (f *fakeGame) Running() bool { return f.running }
func (f *fakeGame) PID() int      { return 31337 }

func (f *fakeGame) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeGame) ConsoleTail(n int) []string { return []string{"[12:00:00] Done (3.2s)!"} }

func (f *fakeGame) Broadcast(msg string) error { return f.Send("say " + msg) }

func (f *fakeGame) ProcessMatch() string { return `java.*server\.jar` }

func (f *fakeGame) FreeDiskBytes() (uint64, error) { return 42 << 30, nil }

type fakeTimer struct {
	mu   sync.Mutex
	arms []time.Duration
}

func (t *fakeTimer) Arm(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arms = append(t.arms, d)
	return len(t.arms) == 1
}

func (t *fakeTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.arms) > 0
}

func writeCtlProperties(t *testing.T, root, worldID string) {
	t.Helper()
	body := "motd=Minigames\nlevel-name=" + worldID + "\nlevel-seed=777\n"
	if err := os.WriteFile(filepath.Join(root, "server.properties"), []byte(body), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
}

// newTestServer wires a control server against a real temp root with fake
// process control. The token gates mutating endpoints.
func newTestServer(t *testing.T, token string) (*Server, *fakeGame) {
	t.Helper()
	root := t.TempDir()
	writeCtlProperties(t, root, "world_55555")

	logger := log.New(os.Stdout, "[ctl-test] ", log.LstdFlags)
	env, err := serverenv.Detect(root, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	game := &fakeGame{running: true}
	hub := NewHub(logger)
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"), logger)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	store := props.NewStore(env.Properties, root, "world_", logger)
	orch, err := reset.New(reset.Deps{
		Env:      env,
		Props:    store,
		Planner:  worldplan.NewPlanner(root, "world_", logger),
		Script:   restartscript.NewMaterializer(root, "restart_server.sh", logger),
		Server:   game,
		Timer:    &fakeTimer{},
		Launch:   func(launch.DetachedSpec) (int, error) { return 9001, nil },
		Session:  "minecraft_minigames",
		Relaunch: []string{"/usr/local/bin/resetd", "run"},
		History:  hist,
		Events:   hub.PublishReset,
		Cfg: config.ResetConfig{
			ScriptName:           "restart_server.sh",
			OutputLog:            "logs/world_reset_output.log",
			CleanupDelaySeconds:  8,
			GracefulWaitSeconds:  15,
			ForceKillWaitSeconds: 3,
			VerifyWaitSeconds:    3,
			ShutdownDelaySeconds: 3,
		},
		Log: logger,
	})
	if err != nil {
		t.Fatalf("reset.New: %v", err)
	}

	srv := NewServer(Deps{
		Orch:    orch,
		Game:    game,
		Props:   store,
		History: hist,
		Hub:     hub,
		Token:   token,
		Log:     logger,
	})
	return srv, game
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, remote string, hdr map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remote
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsIdleWorld(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/v1/status", "127.0.0.1:4000", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var st ctlproto.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ProtocolVersion != ctlproto.Version || st.State != "idle" {
		t.Fatalf("status = %+v", st)
	}
	if st.CurrentWorld != "world_55555" || !st.ServerRunning || st.ServerPID != 31337 {
		t.Fatalf("status = %+v", st)
	}
	if st.FreeDiskBytes != 42<<30 {
		t.Fatalf("free disk = %d", st.FreeDiskBytes)
	}
}

func TestStatusRejectsNonLoopback(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/v1/status", "8.8.8.8:1234", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var e ctlproto.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != ctlproto.ErrNoPermission {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestPlanPreviewListsDimensionTriple(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/v1/plan", "127.0.0.1:4000", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var p ctlproto.PlanReport
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CurrentWorld != "world_55555" {
		t.Fatalf("current world = %q", p.CurrentWorld)
	}
	want := []string{"world_55555", "world_55555_nether", "world_55555_the_end"}
	if len(p.DimensionDirs) != 3 {
		t.Fatalf("dimension dirs = %v", p.DimensionDirs)
	}
	for i := range want {
		if p.DimensionDirs[i] != want[i] {
			t.Fatalf("dimension dirs = %v, want %v", p.DimensionDirs, want)
		}
	}
	if len(p.CacheFiles) == 0 || len(p.CacheDirs) == 0 {
		t.Fatalf("plan missing cache lists: %+v", p)
	}
}

func TestResetRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()
	body := ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: ctlproto.Version, Confirm: true}

	rec := doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000", nil, body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000",
		map[string]string{TokenHeader: "wrong"}, body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/reset", "8.8.8.8:1234",
		map[string]string{TokenHeader: "hunter2"}, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestResetDisabledWithoutConfiguredToken(t *testing.T) {
	srv, _ := newTestServer(t, "")
	mux := srv.Routes()
	body := ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: ctlproto.Version, Confirm: true}

	rec := doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000",
		map[string]string{TokenHeader: "anything"}, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "not configured") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestResetTwoStepConfirm(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()
	hdr := map[string]string{TokenHeader: "hunter2"}

	// Step one: no confirm flag. A prompt, not a failure.
	rec := doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000", hdr,
		ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: ctlproto.Version, Actor: "ops"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unconfirmed: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp ctlproto.ResetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted || resp.Error != ctlproto.ErrNotConfirmed {
		t.Fatalf("unconfirmed response = %+v", resp)
	}

	// Step two: confirmed.
	rec = doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000", hdr,
		ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: ctlproto.Version, Actor: "ops", Confirm: true, Reason: "rotation"})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmed: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Accepted || resp.OpID == "" || !strings.HasPrefix(resp.NextWorld, "world_") {
		t.Fatalf("confirmed response = %+v", resp)
	}
	acceptedOp := resp.OpID

	// The slot is held until the daemon exits.
	rec = doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000", hdr,
		ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: ctlproto.Version, Confirm: true})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second reset: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != ctlproto.ErrResetInProgress {
		t.Fatalf("second reset response = %+v", resp)
	}

	// The accepted operation is visible through /v1/history.
	rec = doJSON(t, mux, http.MethodGet, "/v1/history?limit=5", "127.0.0.1:4000", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var hr ctlproto.HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hr); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hr.Ops) != 1 || hr.Ops[0].OpID != acceptedOp || hr.Ops[0].State != "shutdown_scheduled" {
		t.Fatalf("history ops = %+v", hr.Ops)
	}
}

func TestResetRejectsWrongProtocol(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/v1/reset", "127.0.0.1:4000",
		map[string]string{TokenHeader: "hunter2"},
		ctlproto.ResetRequest{Type: "RESET", ProtocolVersion: "0.9", Confirm: true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestConsoleForwardsAndTails(t *testing.T) {
	srv, game := newTestServer(t, "hunter2")
	mux := srv.Routes()
	hdr := map[string]string{TokenHeader: "hunter2"}

	rec := doJSON(t, mux, http.MethodPost, "/v1/console", "127.0.0.1:4000", hdr,
		ctlproto.ConsoleRequest{Type: "CONSOLE", ProtocolVersion: ctlproto.Version, Command: "list"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp ctlproto.ConsoleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Sent || len(resp.Tail) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if len(game.sent) != 1 || game.sent[0] != "list" {
		t.Fatalf("forwarded = %v", game.sent)
	}

	game.sendErr = errors.New("game server not running")
	rec = doJSON(t, mux, http.MethodPost, "/v1/console", "127.0.0.1:4000", hdr,
		ctlproto.ConsoleRequest{Type: "CONSOLE", ProtocolVersion: ctlproto.Version, Command: "list"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("down server: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Sent || resp.Error != ctlproto.ErrServerNotRunning {
		t.Fatalf("response = %+v", resp)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	mux := srv.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/metrics", "127.0.0.1:4000", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, line := range []string{
		"resetd_server_running 1",
		`resetd_state{state="idle"} 1`,
		`resetd_resets_total{outcome="accepted"} 0`,
		"resetd_events_subscribers 0",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("metrics missing %q:\n%s", line, body)
		}
	}
}

func TestEventsStreamHandshakeAndDelivery(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ctlproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: ctlproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the handler time to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.hub.Publish(ctlproto.Event{OpID: "op-1", Kind: ctlproto.EventState, State: "validating"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ctlproto.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "EVENT" || ev.OpID != "op-1" || ev.Kind != ctlproto.EventState || ev.TS == "" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventsStreamReplaysBacklog(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	srv.hub.Publish(ctlproto.Event{OpID: "op-old", Kind: ctlproto.EventState, State: "failed"})

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ctlproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: ctlproto.Version, Replay: 10}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ctlproto.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if ev.OpID != "op-old" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEventsStreamRejectsBadHandshake(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after bad handshake")
	}
}
