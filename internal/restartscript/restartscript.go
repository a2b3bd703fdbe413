// Package restartscript renders and installs the shell script that finishes
// a world reset after the daemon is gone.
//
// The script is the durable contract of a reset: it runs with no live
// counterpart to call back into, so every decision it needs — which
// directories, which patterns, which launch command — is embedded as a shell
// literal at generation time.
package restartscript

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"worldreset.gg/internal/worldplan"
)

// DefaultName is the script file name under the server root.
const DefaultName = "restart_server.sh"

// Params carries every literal the script embeds.
type Params struct {
	OperationID string
	GeneratedAt time.Time

	// Plan is the deletion set, fully resolved.
	Plan worldplan.Plan

	// ProcessMatch is the pgrep -f pattern identifying the old server
	// process by its launch arguments.
	ProcessMatch string

	// ScreenSession names the persistent screen session the new server is
	// started in.
	ScreenSession string

	// Relaunch is the command line run inside the screen session, already
	// shell-quoted per argument (see QuoteArgs).
	Relaunch string

	// Timings for the wait/escalate phase before deletion.
	CleanupDelay  time.Duration
	GracefulWait  time.Duration
	ForceKillWait time.Duration
	VerifyWait    time.Duration
}

func (p Params) validate() error {
	switch {
	case p.OperationID == "":
		return errors.New("missing operation id")
	case p.Plan.PreviousWorldID == "":
		return errors.New("missing previous world id")
	case p.ProcessMatch == "":
		return errors.New("missing process match pattern")
	case p.ScreenSession == "":
		return errors.New("missing screen session name")
	case p.Relaunch == "":
		return errors.New("missing relaunch command")
	}
	return nil
}

// Materializer installs restart scripts under one server root.
type Materializer struct {
	root string
	name string
	log  *log.Logger
}

// NewMaterializer returns a Materializer writing <root>/<name>. An empty
// name falls back to DefaultName.
func NewMaterializer(root, name string, logger *log.Logger) *Materializer {
	if name == "" {
		name = DefaultName
	}
	return &Materializer{root: root, name: name, log: logger}
}

// Name returns the script file name relative to the server root.
func (m *Materializer) Name() string { return m.name }

// Path returns the absolute script location.
func (m *Materializer) Path() string { return filepath.Join(m.root, m.name) }

// Materialize renders p and installs the script, replacing whatever a
// previous reset left at the same path. Install is temp-write, chmod,
// rename: a failure at any point leaves no executable file behind.
func (m *Materializer) Materialize(p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", fmt.Errorf("restart script: %w", err)
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = time.Now()
	}
	data := templateData(p)
	data.Root = m.root
	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render restart script: %w", err)
	}
	path := m.Path()
	if err := installExecutable(path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("install restart script: %w", err)
	}
	m.log.Printf("restart script installed: %s (%d bytes, %d orphans)", path, buf.Len(), len(p.Plan.Orphans))
	return path, nil
}

// installExecutable writes data next to path, marks it executable and then
// renames it into place, so readers either see the old complete script or
// the new complete script and never a partial one.
func installExecutable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".restart-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, 0o755)
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// QuoteArgs renders argv as one shell command line, each argument
// single-quoted so the script stays correct whatever the paths contain.
func QuoteArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func seconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

type tmplData struct {
	OperationID   string
	GeneratedAt   string
	Root          string
	Prev          string
	Next          string
	DimensionDirs []string
	Orphans       []string
	CacheFiles    []string
	CacheDirs     []string
	DataPatterns  []string
	Match         string
	Session       string
	Relaunch      string
	CleanupSec    int
	GracefulSec   int
	ForceKillSec  int
	VerifySec     int
}

func templateData(p Params) tmplData {
	return tmplData{
		OperationID:   p.OperationID,
		GeneratedAt:   p.GeneratedAt.Format("2006-01-02 15:04:05 MST"),
		Prev:          p.Plan.PreviousWorldID,
		Next:          p.Plan.NextWorldID,
		DimensionDirs: p.Plan.DimensionDirs[:],
		Orphans:       p.Plan.Orphans,
		CacheFiles:    p.Plan.CacheFiles,
		CacheDirs:     p.Plan.CacheDirs,
		DataPatterns:  p.Plan.DataPatterns,
		Match:         p.ProcessMatch,
		Session:       p.ScreenSession,
		Relaunch:      p.Relaunch,
		CleanupSec:    seconds(p.CleanupDelay),
		GracefulSec:   seconds(p.GracefulWait),
		ForceKillSec:  seconds(p.ForceKillWait),
		VerifySec:     seconds(p.VerifyWait),
	}
}

var scriptTmpl = template.Must(template.New("restart").Funcs(template.FuncMap{
	"shq": shellQuote,
}).Parse(scriptText))

const scriptText = `#!/bin/bash
#
# Generated {{.GeneratedAt}} for reset operation {{.OperationID}}.
# Rewritten on every reset. Do not edit, do not run by hand.

echo "==========================================="
echo "world reset started: $(date '+%Y-%m-%d %H:%M:%S')"
echo "operation:      {{.OperationID}}"
echo "retiring world: {{.Prev}}"
echo "next world:     {{.Next}}"
echo "==========================================="

# Every deletion below uses names relative to the server root. Refuse to
# run anywhere else.
cd {{shq .Root}} || { echo "FATAL cannot cd into server root"; exit 1; }

# Give the daemon time to finish its own shutdown before watching the
# process table.
sleep {{.CleanupSec}}

# Wait for the old server process to exit on its own. Match its launch
# arguments, never a bare process name: there may be unrelated java
# processes on this host.
waited=0
while pgrep -f {{shq .Match}} >/dev/null 2>&1; do
    if [ "$waited" -ge {{.GracefulSec}} ]; then
        echo "server still up after ${waited}s, escalating"
        pkill -TERM -f {{shq .Match}} 2>/dev/null
        sleep {{.ForceKillSec}}
        pkill -KILL -f {{shq .Match}} 2>/dev/null
        sleep {{.VerifySec}}
        break
    fi
    sleep 1
    waited=$((waited + 1))
done
echo "old server process gone (waited ${waited}s)"

# Each deletion stands alone: one stubborn path must not strand the rest.
remove_dir() {
    if [ -d "$1" ]; then
        if rm -rf -- "$1"; then
            echo "removed directory: $1"
        else
            echo "WARN could not remove directory: $1"
        fi
    fi
}

remove_file() {
    if [ -e "$1" ]; then
        if rm -f -- "$1"; then
            echo "removed file: $1"
        else
            echo "WARN could not remove file: $1"
        fi
    fi
}

echo "deleting dimension directories"
{{- range .DimensionDirs}}
remove_dir {{shq .}}
{{- end}}

echo "deleting orphan world directories"
{{- range .Orphans}}
remove_dir {{shq .}}
{{- end}}
{{- if not .Orphans}}
echo "(no orphans found at generation time)"
{{- end}}

echo "deleting cache files"
{{- range .CacheFiles}}
remove_file {{shq .}}
{{- end}}

echo "deleting cache directories"
{{- range .CacheDirs}}
remove_dir {{shq .}}
{{- end}}

echo "deleting stray world data files"
{{- range .DataPatterns}}
for f in {{.}}; do remove_file "$f"; done
{{- end}}

# Restart is unconditional: however many deletions failed above, a server
# must come back up.
echo "starting fresh server in screen session {{.Session}}"
if screen -dmS {{shq .Session}} {{.Relaunch}}; then
    echo "server relaunch issued"
else
    echo "FATAL failed to relaunch server"
    exit 1
fi

echo "world reset finished: $(date '+%Y-%m-%d %H:%M:%S')"
`
