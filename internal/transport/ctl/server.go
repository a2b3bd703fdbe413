// Package ctl serves the daemon's loopback control plane: status, plan
// preview, reset requests, console forwarding, history, and a websocket
// event stream.
package ctl

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"worldreset.gg/internal/ctlproto"
	"worldreset.gg/internal/gameserver"
	"worldreset.gg/internal/persistence/history"
	"worldreset.gg/internal/props"
	"worldreset.gg/internal/reset"
)

// TokenHeader carries the shared reset token on mutating requests.
const TokenHeader = "X-Reset-Token"

// GameConsole is the slice of the supervisor the control plane exposes.
type GameConsole interface {
	Running() bool
	PID() int
	Send(line string) error
	ConsoleTail(n int) []string
	FreeDiskBytes() (uint64, error)
}

// Deps wires the control server.
type Deps struct {
	Orch    *reset.Orchestrator
	Game    GameConsole
	Props   *props.Store
	History *history.Store
	Hub     *Hub
	Token   string
	Log     *log.Logger
	Started time.Time
}

type Server struct {
	orch    *reset.Orchestrator
	game    GameConsole
	props   *props.Store
	hist    *history.Store
	hub     *Hub
	token   string
	log     *log.Logger
	started time.Time

	upgrader websocket.Upgrader

	acceptedTotal atomic.Uint64
	deniedTotal   atomic.Uint64
	failedTotal   atomic.Uint64
}

func NewServer(d Deps) *Server {
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	return &Server{
		orch:    d.Orch,
		game:    d.Game,
		props:   d.Props,
		hist:    d.History,
		hub:     d.Hub,
		token:   d.Token,
		log:     d.Log,
		started: d.Started,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// Routes assembles the control-plane mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/v1/status", s.status)
	mux.HandleFunc("/v1/plan", s.plan)
	mux.HandleFunc("/v1/history", s.historyHandler)
	mux.HandleFunc("/v1/reset", s.resetHandler)
	mux.HandleFunc("/v1/console", s.console)
	mux.HandleFunc("/v1/events", s.events)
	return mux
}

func (s *Server) healthz(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (s *Server) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snap := s.orch.Snapshot()
	running := 0
	if s.game.Running() {
		running = 1
	}
	free, err := s.game.FreeDiskBytes()
	if err != nil {
		free = 0
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP resetd_uptime_seconds Daemon uptime.\n")
	fmt.Fprintf(rw, "# TYPE resetd_uptime_seconds gauge\n")
	fmt.Fprintf(rw, "resetd_uptime_seconds %d\n", int64(time.Since(s.started).Seconds()))

	fmt.Fprintf(rw, "# HELP resetd_server_running Whether the game server child is alive.\n")
	fmt.Fprintf(rw, "# TYPE resetd_server_running gauge\n")
	fmt.Fprintf(rw, "resetd_server_running %d\n", running)

	fmt.Fprintf(rw, "# HELP resetd_state Current reset state (1 on the active state).\n")
	fmt.Fprintf(rw, "# TYPE resetd_state gauge\n")
	fmt.Fprintf(rw, "resetd_state{state=%q} 1\n", string(snap.State))

	fmt.Fprintf(rw, "# HELP resetd_resets_total Reset requests by outcome.\n")
	fmt.Fprintf(rw, "# TYPE resetd_resets_total counter\n")
	fmt.Fprintf(rw, "resetd_resets_total{outcome=%q} %d\n", "accepted", s.acceptedTotal.Load())
	fmt.Fprintf(rw, "resetd_resets_total{outcome=%q} %d\n", "denied", s.deniedTotal.Load())
	fmt.Fprintf(rw, "resetd_resets_total{outcome=%q} %d\n", "failed", s.failedTotal.Load())

	fmt.Fprintf(rw, "# HELP resetd_events_subscribers Connected event stream clients.\n")
	fmt.Fprintf(rw, "# TYPE resetd_events_subscribers gauge\n")
	fmt.Fprintf(rw, "resetd_events_subscribers %d\n", s.hub.Subscribers())

	fmt.Fprintf(rw, "# HELP resetd_free_disk_bytes Free bytes on the server root filesystem.\n")
	fmt.Fprintf(rw, "# TYPE resetd_free_disk_bytes gauge\n")
	fmt.Fprintf(rw, "resetd_free_disk_bytes %d\n", free)
}

func (s *Server) status(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		errorJSON(rw, http.StatusForbidden, ctlproto.ErrNoPermission, "loopback clients only")
		return
	}

	snap := s.orch.Snapshot()
	state := snap.State
	if state == "" {
		state = reset.StateIdle
	}
	resp := ctlproto.StatusReport{
		ProtocolVersion: ctlproto.Version,
		State:           string(state),
		OpID:            snap.OpID,
		CurrentWorld:    s.props.CurrentWorldID(),
		ServerRunning:   s.game.Running(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
	}
	if resp.ServerRunning {
		resp.ServerPID = s.game.PID()
	}
	if free, err := s.game.FreeDiskBytes(); err == nil {
		resp.FreeDiskBytes = free
	} else {
		s.log.Printf("WARN statfs: %v", err)
	}
	if snap.Detail != "" {
		resp.Warnings = []string{snap.Detail}
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) plan(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		errorJSON(rw, http.StatusForbidden, ctlproto.ErrNoPermission, "loopback clients only")
		return
	}

	p := s.orch.PlanPreview()
	writeJSON(rw, http.StatusOK, ctlproto.PlanReport{
		ProtocolVersion: ctlproto.Version,
		CurrentWorld:    p.PreviousWorldID,
		DimensionDirs:   p.DimensionDirs[:],
		OrphanDirs:      p.Orphans,
		CacheFiles:      p.CacheFiles,
		CacheDirs:       p.CacheDirs,
		DataPatterns:    p.DataPatterns,
	})
}

func (s *Server) historyHandler(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		errorJSON(rw, http.StatusForbidden, ctlproto.ErrNoPermission, "loopback clients only")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	resp := ctlproto.HistoryResponse{ProtocolVersion: ctlproto.Version, Ops: []ctlproto.HistoryEntry{}}
	if s.hist != nil {
		s.hist.Sync()
		recs, err := s.hist.Recent(r.Context(), limit)
		if err != nil {
			errorJSON(rw, http.StatusInternalServerError, ctlproto.ErrInternal, err.Error())
			return
		}
		for _, rec := range recs {
			resp.Ops = append(resp.Ops, ctlproto.HistoryEntry{
				OpID:      rec.OpID,
				Actor:     rec.Actor,
				PrevWorld: rec.PrevWorld,
				NextWorld: rec.NextWorld,
				Seed:      rec.Seed,
				State:     rec.State,
				Reason:    rec.Reason,
				StartedMS: rec.StartedMS,
				UpdatedMS: rec.UpdatedMS,
			})
		}
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) resetHandler(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if status, msg := s.authorize(r); status != 0 {
		s.deniedTotal.Add(1)
		errorJSON(rw, status, ctlproto.ErrNoPermission, msg)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		errorJSON(rw, http.StatusBadRequest, ctlproto.ErrProtoBadRequest, "unreadable body")
		return
	}
	var req ctlproto.ResetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorJSON(rw, http.StatusBadRequest, ctlproto.ErrProtoBadRequest, "bad json: "+err.Error())
		return
	}
	if req.Type != "RESET" || req.ProtocolVersion != ctlproto.Version {
		errorJSON(rw, http.StatusBadRequest, ctlproto.ErrProtoBadRequest, "expected RESET protocol "+ctlproto.Version)
		return
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "http:" + remoteHost(r.RemoteAddr)
	}

	ticket, err := s.orch.RequestReset(actor, req.Reason, req.Confirm)
	resp := ctlproto.ResetResponse{ProtocolVersion: ctlproto.Version}
	switch {
	case err == nil:
		s.acceptedTotal.Add(1)
		resp.Accepted = true
		resp.OpID = ticket.OpID
		resp.NextWorld = ticket.NextWorld
		writeJSON(rw, http.StatusOK, resp)
	case err == reset.ErrNotConfirmed:
		// Deliberate two-step surface: this is a prompt, not a failure.
		resp.Error = ctlproto.ErrNotConfirmed
		resp.Detail = "pass confirm=true to destroy the current world; nothing has changed"
		writeJSON(rw, http.StatusOK, resp)
	case err == reset.ErrInProgress:
		s.deniedTotal.Add(1)
		resp.Error = ctlproto.ErrResetInProgress
		resp.Detail = err.Error()
		writeJSON(rw, http.StatusConflict, resp)
	default:
		s.failedTotal.Add(1)
		resp.Error = stageCode(err)
		resp.Detail = err.Error()
		writeJSON(rw, http.StatusInternalServerError, resp)
	}
}

func (s *Server) console(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if status, msg := s.authorize(r); status != 0 {
		errorJSON(rw, status, ctlproto.ErrNoPermission, msg)
		return
	}

	var req ctlproto.ConsoleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&req); err != nil {
		errorJSON(rw, http.StatusBadRequest, ctlproto.ErrProtoBadRequest, "bad json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		errorJSON(rw, http.StatusBadRequest, ctlproto.ErrProtoBadRequest, "empty command")
		return
	}

	resp := ctlproto.ConsoleResponse{ProtocolVersion: ctlproto.Version}
	if err := s.game.Send(req.Command); err != nil {
		resp.Error = ctlproto.ErrServerNotRunning
		resp.Detail = err.Error()
		writeJSON(rw, http.StatusConflict, resp)
		return
	}
	resp.Sent = true
	resp.Tail = s.game.ConsoleTail(20)
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) events(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		errorJSON(rw, http.StatusForbidden, ctlproto.ErrNoPermission, "loopback clients only")
		return
	}
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Handshake: must send SUBSCRIBE first.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var sub ctlproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
		return
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != ctlproto.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
		return
	}

	id, ch, backlog := s.hub.Subscribe(sub.Replay)
	defer s.hub.Unsubscribe(id)

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for _, ev := range backlog {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				writeErr <- err
				return
			}
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
		}
	}()

	// Reader loop: the client sends nothing after SUBSCRIBE; this returns
	// when the peer closes.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unsubscribe(id)
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
}

// authorize gates mutating endpoints: loopback clients carrying the shared
// token. An unconfigured token disables them outright.
func (s *Server) authorize(r *http.Request) (int, string) {
	if !isLoopbackRemote(r.RemoteAddr) {
		return http.StatusForbidden, "loopback clients only"
	}
	if s.token == "" {
		return http.StatusForbidden, "reset token not configured; set control.token or RESETD_TOKEN"
	}
	got := strings.TrimSpace(r.Header.Get(TokenHeader))
	if got == "" {
		return http.StatusUnauthorized, "missing " + TokenHeader
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		return http.StatusUnauthorized, "bad token"
	}
	return 0, ""
}

func stageCode(err error) string {
	var f *reset.Failure
	if !errors.As(err, &f) {
		return ctlproto.ErrInternal
	}
	switch f.Stage {
	case reset.StageValidation:
		return ctlproto.ErrValidation
	case reset.StageConfiguration:
		return ctlproto.ErrConfiguration
	case reset.StageScriptGeneration:
		return ctlproto.ErrScriptGeneration
	case reset.StageLaunch:
		return ctlproto.ErrLaunch
	}
	return ctlproto.ErrInternal
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func errorJSON(rw http.ResponseWriter, status int, code, detail string) {
	writeJSON(rw, status, ctlproto.ErrorBody{Error: code, Detail: detail})
}

func remoteHost(remoteAddr string) string {
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return h
	}
	return remoteAddr
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var _ GameConsole = (*gameserver.Supervisor)(nil)
