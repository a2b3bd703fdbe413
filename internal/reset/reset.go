// Package reset sequences a world reset: validate the environment, rewrite
// the world configuration, materialize the restart script, launch it
// detached, then schedule the daemon's own shutdown. One forward path, no
// retries, no way back once the script is launched.
package reset

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"worldreset.gg/internal/config"
	"worldreset.gg/internal/launch"
	"worldreset.gg/internal/persistence/auditlog"
	"worldreset.gg/internal/persistence/history"
	"worldreset.gg/internal/persistence/report"
	"worldreset.gg/internal/props"
	"worldreset.gg/internal/restartscript"
	"worldreset.gg/internal/serverenv"
	"worldreset.gg/internal/worldplan"
)

// State names the phase a reset is in. Validating and ConfiguringWorld
// describe work in progress; the remaining states describe completed steps.
type State string

const (
	StateIdle              State = "idle"
	StateValidating        State = "validating"
	StateConfiguringWorld  State = "configuring_world"
	StateScriptGenerated   State = "script_generated"
	StateScriptLaunched    State = "script_launched"
	StateShutdownScheduled State = "shutdown_scheduled"
	StateFailed            State = "failed"
)

// Pipeline stages, used as Failure.Stage.
const (
	StageValidation       = "validation"
	StageConfiguration    = "configuration"
	StageScriptGeneration = "script_generation"
	StageLaunch           = "launch"
)

var (
	// ErrInProgress rejects a reset while another holds the in-flight slot.
	// The slot is held until the daemon process actually exits.
	ErrInProgress = errors.New("a reset is already in progress")

	// ErrNotConfirmed rejects a request without the confirm flag. Nothing
	// changes; the caller is expected to warn the operator.
	ErrNotConfirmed = errors.New("reset requires explicit confirmation")
)

// Failure reports which stage broke the pipeline.
type Failure struct {
	Stage string
	Err   error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Stage, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// GameServer is the slice of the supervisor the orchestrator needs.
type GameServer interface {
	Running() bool
	Broadcast(msg string) error
	ProcessMatch() string
}

// ShutdownTimer arms the daemon's one-shot termination.
type ShutdownTimer interface {
	Arm(d time.Duration) bool
	Armed() bool
}

// Event is one observable lifecycle moment, fanned out to the control
// plane's event stream.
type Event struct {
	At     time.Time
	OpID   string
	Kind   string
	State  State
	Detail string
}

// Event kinds.
const (
	EventState   = "state"
	EventWarning = "warning"
	EventFailure = "failure"
)

type EventSink func(Event)

// Deps wires the orchestrator. Props, Planner, Script, Server, Timer and
// Log are required; History, Audit, Reports and Events are optional sinks.
type Deps struct {
	Env     serverenv.Environment
	Props   *props.Store
	Planner *worldplan.Planner
	Script  *restartscript.Materializer
	Server  GameServer
	Timer   ShutdownTimer

	// Launch spawns the detached script; defaults to launch.StartDetached.
	Launch func(launch.DetachedSpec) (int, error)
	// Shell interprets the script; defaults to /bin/bash.
	Shell string
	// Session is the screen session the script restarts the server in.
	Session string
	// Relaunch is the argv the script runs inside the session.
	Relaunch []string

	History *history.Store
	Audit   *auditlog.Log
	Reports *report.Keeper
	Events  EventSink

	Cfg config.ResetConfig
	Log *log.Logger
}

// Ticket is handed back for an accepted reset.
type Ticket struct {
	OpID       string
	PrevWorld  string
	NextWorld  string
	Seed       int64
	ScriptPath string
	ScriptPID  int
	Warnings   []string
}

// Snapshot is the externally visible orchestrator state.
type Snapshot struct {
	State     State
	OpID      string
	PrevWorld string
	NextWorld string
	StartedAt time.Time
	Detail    string
}

// Orchestrator owns the single in-flight reset slot.
type Orchestrator struct {
	d   Deps
	log *log.Logger

	// inFlight is taken by the first confirmed request and never released
	// on the success path: the daemon is about to exit, and two resets
	// racing to overwrite one script file must be impossible.
	inFlight atomic.Bool

	mu  sync.Mutex
	cur Snapshot
}

func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Props == nil:
		return nil, errors.New("reset: missing properties store")
	case d.Planner == nil:
		return nil, errors.New("reset: missing planner")
	case d.Script == nil:
		return nil, errors.New("reset: missing script materializer")
	case d.Server == nil:
		return nil, errors.New("reset: missing game server")
	case d.Timer == nil:
		return nil, errors.New("reset: missing shutdown timer")
	case d.Log == nil:
		return nil, errors.New("reset: missing logger")
	case d.Session == "":
		return nil, errors.New("reset: missing screen session")
	case len(d.Relaunch) == 0:
		return nil, errors.New("reset: missing relaunch command")
	}
	if d.Launch == nil {
		d.Launch = launch.StartDetached
	}
	if d.Shell == "" {
		d.Shell = "/bin/bash"
	}
	return &Orchestrator{
		d:   d,
		log: d.Log,
		cur: Snapshot{State: StateIdle},
	}, nil
}

// Snapshot returns the current externally visible state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

// InFlight reports whether the in-flight slot is held.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// PlanPreview computes the deletion set a reset started now would carry.
// Read-only; safe to call at any time.
func (o *Orchestrator) PlanPreview() worldplan.Plan {
	prev := o.d.Props.CurrentWorldID()
	p := o.d.Planner.Compute(prev, prev)
	p.NextWorldID = ""
	return p
}

type operation struct {
	id     string
	actor  string
	reason string
	start  time.Time

	prev       string
	next       string
	seed       int64
	plan       worldplan.Plan
	planned    bool
	scriptPath string
	warnings   []string
}

// RequestReset runs the full pipeline synchronously. On success the
// returned ticket describes the launched reset and the daemon is already
// condemned: the shutdown timer is armed and cannot be stopped.
//
// The in-flight slot is released only when the pipeline fails before the
// script launch. A launch failure keeps it: the emergency shutdown is
// armed and a second reset racing the dying daemon helps nobody.
func (o *Orchestrator) RequestReset(actor, reason string, confirm bool) (Ticket, error) {
	if !confirm {
		return Ticket{}, ErrNotConfirmed
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return Ticket{}, ErrInProgress
	}

	op := &operation{
		id:     uuid.NewString(),
		actor:  actor,
		reason: reason,
		start:  time.Now(),
		prev:   o.d.Props.CurrentWorldID(),
	}
	o.log.Printf("reset %s requested by %s (world %s)", op.id, actor, op.prev)
	if o.d.History != nil {
		o.d.History.RecordStart(op.id, actor, op.prev, op.start)
	}
	o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindTransition, State: string(StateValidating), Actor: actor, Detail: reason})

	// Validating: refuse before anything is touched.
	o.transition(op, StateValidating)
	warnings, err := o.d.Env.Validate()
	if err != nil {
		return Ticket{}, o.fail(op, StageValidation, err, true)
	}
	op.warnings = warnings
	for _, w := range warnings {
		o.log.Printf("reset %s: WARN %s", op.id, w)
		o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindWarning, Detail: w})
		o.emit(Event{OpID: op.id, Kind: EventWarning, Detail: w})
	}

	// ConfiguringWorld: rewrite seed and world id. A failure here leaves
	// the properties file untouched.
	o.transition(op, StateConfiguringWorld)
	wc, err := o.d.Props.ApplyNewConfiguration()
	if err != nil {
		return Ticket{}, o.fail(op, StageConfiguration, err, true)
	}
	op.next = wc.WorldID
	op.seed = wc.Seed

	// Materialize the script against the pre-mutation world id. A failure
	// here aborts with the configuration already rewritten; the next
	// successful reset supersedes it.
	op.plan = o.d.Planner.Compute(op.prev, op.next)
	op.planned = true
	scriptPath, err := o.d.Script.Materialize(restartscript.Params{
		OperationID:   op.id,
		GeneratedAt:   op.start,
		Plan:          op.plan,
		ProcessMatch:  o.d.Server.ProcessMatch(),
		ScreenSession: o.d.Session,
		Relaunch:      restartscript.QuoteArgs(o.d.Relaunch),
		CleanupDelay:  o.d.Cfg.CleanupDelay(),
		GracefulWait:  o.d.Cfg.GracefulWait(),
		ForceKillWait: o.d.Cfg.ForceKillWait(),
		VerifyWait:    o.d.Cfg.VerifyWait(),
	})
	if err != nil {
		return Ticket{}, o.fail(op, StageScriptGeneration, err, true)
	}
	op.scriptPath = scriptPath
	o.transition(op, StateScriptGenerated)

	// Give players their warning while the server is still up. A dead
	// server is not an error: the script's wait loop simply finds nothing
	// to wait for.
	for _, msg := range o.d.Cfg.Broadcast {
		if err := o.d.Server.Broadcast(msg); err != nil {
			o.log.Printf("reset %s: WARN broadcast failed: %v", op.id, err)
			o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindWarning, Detail: "broadcast failed: " + err.Error()})
			break
		}
	}

	pid, err := o.d.Launch(launch.DetachedSpec{
		Dir:     o.d.Env.Root,
		Shell:   o.d.Shell,
		Script:  o.d.Script.Name(),
		LogPath: o.d.Cfg.OutputLog,
	})
	if err != nil {
		// Emergency path: the operator asked for destruction and the
		// configuration is already rewritten. Shut down anyway so the
		// host's session manager can bring the server back; report the
		// failure so nobody believes the cleanup ran.
		o.d.Timer.Arm(o.d.Cfg.ShutdownDelay())
		o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindShutdown, Detail: "emergency shutdown after launch failure"})
		return Ticket{}, o.fail(op, StageLaunch, err, false)
	}
	o.transition(op, StateScriptLaunched)
	o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindLaunch, Detail: fmt.Sprintf("script pid %d, log %s", pid, o.d.Cfg.OutputLog)})

	if !o.d.Timer.Arm(o.d.Cfg.ShutdownDelay()) {
		o.log.Printf("reset %s: WARN shutdown timer was already armed", op.id)
	}
	o.transition(op, StateShutdownScheduled)
	o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindShutdown, Detail: fmt.Sprintf("daemon exit in %s", o.d.Cfg.ShutdownDelay())})
	if o.d.History != nil {
		o.d.History.RecordOutcome(op.id, string(StateShutdownScheduled), "", time.Now())
	}
	o.saveReport(op, string(StateShutdownScheduled), "")
	o.log.Printf("reset %s: %s -> %s, script pid %d, shutdown in %s",
		op.id, op.prev, op.next, pid, o.d.Cfg.ShutdownDelay())

	return Ticket{
		OpID:       op.id,
		PrevWorld:  op.prev,
		NextWorld:  op.next,
		Seed:       op.seed,
		ScriptPath: scriptPath,
		ScriptPID:  pid,
		Warnings:   warnings,
	}, nil
}

func (o *Orchestrator) transition(op *operation, st State) {
	o.mu.Lock()
	o.cur = Snapshot{
		State:     st,
		OpID:      op.id,
		PrevWorld: op.prev,
		NextWorld: op.next,
		StartedAt: op.start,
	}
	o.mu.Unlock()
	o.log.Printf("reset %s: state %s", op.id, st)
	if st != StateValidating { // the start entry already covered it
		o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindTransition, State: string(st)})
	}
	if o.d.History != nil {
		o.d.History.RecordState(op.id, string(st), op.next, op.seed, time.Now())
	}
	o.emit(Event{OpID: op.id, Kind: EventState, State: st})
}

func (o *Orchestrator) fail(op *operation, stage string, err error, release bool) error {
	f := &Failure{Stage: stage, Err: err}
	o.log.Printf("reset %s failed at %s: %v", op.id, stage, err)

	o.mu.Lock()
	o.cur = Snapshot{
		State:     StateFailed,
		OpID:      op.id,
		PrevWorld: op.prev,
		NextWorld: op.next,
		StartedAt: op.start,
		Detail:    f.Error(),
	}
	o.mu.Unlock()

	o.audit(auditlog.Entry{OpID: op.id, Kind: auditlog.KindFailure, State: string(StateFailed), Actor: op.actor, Detail: f.Error()})
	if o.d.History != nil {
		o.d.History.RecordOutcome(op.id, string(StateFailed), f.Error(), time.Now())
	}
	o.emit(Event{OpID: op.id, Kind: EventFailure, State: StateFailed, Detail: f.Error()})
	o.saveReport(op, string(StateFailed), f.Error())

	if release {
		o.inFlight.Store(false)
	}
	return f
}

func (o *Orchestrator) saveReport(op *operation, state, failure string) {
	if o.d.Reports == nil {
		return
	}
	m := report.Manifest{
		OpID:      op.id,
		Actor:     op.actor,
		Seed:      op.seed,
		State:     state,
		Failure:   failure,
		Warnings:  op.warnings,
		StartedAt: op.start.UTC().Format(time.RFC3339Nano),
	}
	if op.planned {
		m.ApplyPlan(op.plan)
	} else {
		m.PrevWorld = op.prev
		m.NextWorld = op.next
	}
	if _, err := o.d.Reports.Save(m, op.scriptPath); err != nil {
		o.log.Printf("reset %s: WARN cannot save report: %v", op.id, err)
	}
}

func (o *Orchestrator) audit(e auditlog.Entry) {
	if o.d.Audit == nil {
		return
	}
	if err := o.d.Audit.Append(e); err != nil {
		o.log.Printf("WARN audit append: %v", err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.d.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.d.Events(ev)
}
