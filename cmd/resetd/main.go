// Command resetd supervises a minigame server and performs destructive
// world resets on demand.
//
// The daemon launches the game server as a child process, exposes a
// loopback control plane (status, plan preview, reset, console, events),
// and on a confirmed reset rewrites the world configuration, installs the
// restart script, launches it detached, and schedules its own exit. The
// detached script outlives the daemon, waits for the server process to
// disappear, deletes the retired world, and relaunches everything inside
// a fresh screen session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"worldreset.gg/internal/config"
	"worldreset.gg/internal/ctlproto"
	"worldreset.gg/internal/gameserver"
	"worldreset.gg/internal/launch"
	"worldreset.gg/internal/persistence/auditlog"
	"worldreset.gg/internal/persistence/history"
	"worldreset.gg/internal/persistence/report"
	"worldreset.gg/internal/props"
	"worldreset.gg/internal/reset"
	"worldreset.gg/internal/restartscript"
	"worldreset.gg/internal/serverenv"
	"worldreset.gg/internal/transport/ctl"
	"worldreset.gg/internal/worldplan"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to reset.yaml (empty: compiled defaults)")
		rootDir    = flag.String("root", "", "server root directory (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		addr       = flag.String("addr", "", "control plane listen address (overrides config)")
		artifact   = flag.String("artifact", "", "server jar path (overrides autodetection)")
		noStart    = flag.Bool("no_start", false, "do not launch the game server child (inspection mode)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[resetd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*rootDir) != "" {
		cfg.Server.Root = *rootDir
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = *dataDir
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Control.Addr = *addr
	}
	if strings.TrimSpace(*artifact) != "" {
		cfg.Server.Artifact = *artifact
	}

	env, err := serverenv.Detect(cfg.Server.Root, cfg.Server.Artifact)
	if err != nil {
		logger.Fatalf("detect server root: %v", err)
	}
	logger.Printf("server root %s, artifact %s", env.Root, orNone(env.Artifact))

	// A broken environment still gets a control plane: operators need
	// /v1/status to see what is wrong. Resets re-validate and refuse.
	if warnings, err := env.Validate(); err != nil {
		logger.Printf("WARN environment: %v", err)
	} else {
		for _, w := range warnings {
			logger.Printf("WARN environment: %s", w)
		}
	}

	hist, err := history.Open(filepath.Join(cfg.DataDir, "history.db"), logger)
	if err != nil {
		logger.Fatalf("open history index: %v", err)
	}
	defer hist.Close()
	audit := auditlog.New(filepath.Join(cfg.DataDir, "audit"))
	defer audit.Close()
	reports := report.NewKeeper(filepath.Join(cfg.DataDir, "reports"), logger)

	sup := gameserver.New(gameserver.Options{
		Root:         env.Root,
		Java:         cfg.Server.Java,
		Artifact:     env.Artifact,
		MemoryMin:    cfg.Server.MemoryMin,
		MemoryMax:    cfg.Server.MemoryMax,
		StopWait:     cfg.Server.StopWait(),
		ConsoleLines: cfg.Server.ConsoleLines,
	}, logger)

	ctx, cancel := signalContext()
	defer cancel()

	// The reset pipeline arms this once; firing tears the whole daemon down
	// through the root context. There is deliberately no way to stop it.
	timer := launch.NewOneShot(func() {
		logger.Printf("shutdown timer fired, exiting for world reset")
		if err := sup.Broadcast("Server going down NOW. Back in a minute with a fresh world."); err != nil {
			logger.Printf("WARN final broadcast: %v", err)
		}
		cancel()
	})

	exe, err := os.Executable()
	if err != nil {
		logger.Fatalf("resolve own executable: %v", err)
	}
	relaunch := append([]string{exe}, os.Args[1:]...)

	hub := ctl.NewHub(logger)
	propStore := props.NewStore(env.Properties, env.Root, cfg.World.Prefix, logger)
	orch, err := reset.New(reset.Deps{
		Env:      env,
		Props:    propStore,
		Planner:  worldplan.NewPlanner(env.Root, cfg.World.Prefix, logger),
		Script:   restartscript.NewMaterializer(env.Root, cfg.Reset.ScriptName, logger),
		Server:   sup,
		Timer:    timer,
		Session:  cfg.Server.ScreenSession,
		Relaunch: relaunch,
		History:  hist,
		Audit:    audit,
		Reports:  reports,
		Events:   hub.PublishReset,
		Cfg:      cfg.Reset,
		Log:      logger,
	})
	if err != nil {
		logger.Fatalf("reset orchestrator: %v", err)
	}

	ctlSrv := ctl.NewServer(ctl.Deps{
		Orch:    orch,
		Game:    sup,
		Props:   propStore,
		History: hist,
		Hub:     hub,
		Token:   cfg.Control.Token,
		Log:     logger,
	})
	if cfg.Control.Token == "" {
		logger.Printf("WARN no reset token configured; /v1/reset and /v1/console are disabled")
	}

	if *noStart {
		logger.Printf("server child not started (-no_start)")
	} else {
		if err := sup.Start(); err != nil {
			logger.Fatalf("start game server: %v", err)
		}
		go watchServerExit(ctx, sup, hub, logger)
	}

	srv := &http.Server{
		Addr:              cfg.Control.Addr,
		Handler:           ctlSrv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("control plane listening on %s", cfg.Control.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Control plane is drained; bring the child down before exiting so the
	// restart script (if one is waiting) sees the process disappear fast.
	if err := sup.Stop(cfg.Server.StopWait()); err != nil {
		logger.Printf("WARN stop game server: %v", err)
	}
	logger.Printf("resetd exiting")
}

// watchServerExit publishes a console event when the supervised child dies.
// Nothing restarts it from here: that is the restart script's job.
func watchServerExit(ctx context.Context, sup *gameserver.Supervisor, hub *ctl.Hub, logger *log.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-sup.Done():
	}
	detail := "game server exited"
	if st, ok := sup.LastExit(); ok {
		detail = fmt.Sprintf("game server exited code=%d", st.Code)
	}
	logger.Printf("%s", detail)
	hub.Publish(ctlproto.Event{Kind: ctlproto.EventConsole, Detail: detail})
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
