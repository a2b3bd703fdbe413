// Package launch holds the two process-control primitives a reset needs:
// spawning the restart script so it survives the daemon, and the one-shot
// timer that tears the daemon down.
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// DetachedSpec describes a child process that must outlive the daemon.
type DetachedSpec struct {
	// Dir is the child's working directory (the server root).
	Dir string
	// Shell interprets the script, e.g. /bin/bash.
	Shell string
	// Script is the script file name relative to Dir.
	Script string
	// LogPath receives the child's stdout and stderr, resolved against Dir
	// when relative. Parent directories are created as needed.
	LogPath string
}

// StartDetached launches spec.Script as `nohup <shell> ./<script>` in a new
// session with stdio bound to files. The child shares nothing with the
// daemon that would die with it: no controlling terminal, no process group,
// no inherited pipes. It is never waited on; the kernel reparents it when
// the daemon exits.
func StartDetached(spec DetachedSpec) (int, error) {
	logPath := spec.LogPath
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(spec.Dir, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create script log dir: %w", err)
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open script log: %w", err)
	}
	defer out.Close()
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command("nohup", spec.Shell, "./"+spec.Script)
	cmd.Dir = spec.Dir
	cmd.Stdin = devnull
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn detached script: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release detached script: %w", err)
	}
	return pid, nil
}
