// Package gameserver supervises the game-server process as a managed child.
//
// The daemon owns exactly one server process at a time: it launches the JVM
// with fixed memory flags, mirrors its console into a bounded buffer, and
// can ask it to stop over stdin the way an operator would. Nothing here
// auto-restarts — bringing a server back up is the restart script's job.
package gameserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by console operations without a live server.
var ErrNotRunning = errors.New("server is not running")

// Options fixes how the server child is launched and stopped.
type Options struct {
	// Root is the server root directory; the child's working directory.
	Root string
	// Java is the JVM binary, default "java".
	Java string
	// Artifact is the absolute path of the runnable server jar.
	Artifact string
	// MemoryMin/MemoryMax become -Xms/-Xmx.
	MemoryMin string
	MemoryMax string
	// StopCommand is the console line that shuts the server down cleanly.
	StopCommand string
	// StopWait bounds the graceful window before SIGKILL.
	StopWait time.Duration
	// ConsoleLines bounds the retained console tail.
	ConsoleLines int
}

func (o *Options) fill() {
	if o.Java == "" {
		o.Java = "java"
	}
	if o.StopCommand == "" {
		o.StopCommand = "stop"
	}
	if o.StopWait <= 0 {
		o.StopWait = 15 * time.Second
	}
	if o.ConsoleLines <= 0 {
		o.ConsoleLines = 500
	}
}

// ExitStatus records how a server run ended.
type ExitStatus struct {
	Code int
	Err  error
	At   time.Time
}

// Supervisor owns at most one running server process.
type Supervisor struct {
	opts Options
	log  *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	exit    ExitStatus
	hasExit bool
	console *console
}

// New returns a stopped Supervisor.
func New(opts Options, logger *log.Logger) *Supervisor {
	opts.fill()
	closed := make(chan struct{})
	close(closed)
	return &Supervisor{
		opts:    opts,
		log:     logger,
		done:    closed,
		console: newConsole(opts.ConsoleLines),
	}
}

// LaunchArgs returns the JVM argument vector the supervisor starts the
// server with. Exposed so the restart path can embed the identical launch.
func (o Options) LaunchArgs() []string {
	return []string{"-Xms" + o.MemoryMin, "-Xmx" + o.MemoryMax, "-jar", o.Artifact, "nogui"}
}

// Start launches the server child. It fails when a run is already live or
// no artifact is configured.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("server already running")
	}
	if s.opts.Artifact == "" {
		return errors.New("no server artifact configured")
	}

	cmd := exec.Command(s.opts.Java, s.opts.LaunchArgs()...)
	cmd.Dir = s.opts.Root
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("server stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	done := make(chan struct{})
	s.cmd, s.stdin, s.done, s.hasExit = cmd, stdin, done, false
	go s.drain(stdout)
	go s.reap(cmd, done)
	s.log.Printf("server started pid=%d artifact=%s", cmd.Process.Pid, filepath.Base(s.opts.Artifact))
	return nil
}

func (s *Supervisor) drain(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		s.console.add(sc.Text())
	}
}

func (s *Supervisor) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
	}
	s.mu.Lock()
	s.exit = ExitStatus{Code: code, Err: err, At: time.Now()}
	s.hasExit = true
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()
	close(done)
	if err != nil {
		s.log.Printf("server exited code=%d: %v", code, err)
	} else {
		s.log.Printf("server exited cleanly")
	}
}

// Send writes one console command line to the server.
func (s *Supervisor) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

// Broadcast pushes a chat line to all players via the console say command.
func (s *Supervisor) Broadcast(msg string) error {
	return s.Send("say " + msg)
}

// Stop asks the server to exit via its stop command, waits out the graceful
// window, then kills. Calling Stop on a stopped supervisor is a no-op.
func (s *Supervisor) Stop(deadline time.Duration) error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	stdin := s.stdin
	done := s.done
	s.mu.Unlock()

	if deadline <= 0 {
		deadline = s.opts.StopWait
	}
	if _, err := io.WriteString(stdin, s.opts.StopCommand+"\n"); err != nil {
		s.log.Printf("WARN stop command rejected, escalating: %v", err)
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	s.log.Printf("WARN server ignored %q after %s, killing pid %d", s.opts.StopCommand, deadline, proc.Pid)
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill server: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("server did not exit after SIGKILL")
	}
}

// Running reports whether a server child is live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// PID returns the live server's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done returns a channel closed when the current run exits. For a stopped
// supervisor it is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// LastExit returns how the most recent run ended.
func (s *Supervisor) LastExit() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.hasExit
}

// ConsoleTail returns up to n recent console lines, oldest first. n <= 0
// returns everything retained.
func (s *Supervisor) ConsoleTail(n int) []string {
	return s.console.tail(n)
}

// ProcessMatch returns the pgrep -f pattern identifying this server's
// process by its launch arguments — the artifact path, or the root path when
// no artifact is configured. Never a bare process name: other JVMs may live
// on the host.
func (s *Supervisor) ProcessMatch() string {
	if s.opts.Artifact != "" {
		return "java.*" + regexp.QuoteMeta(s.opts.Artifact)
	}
	return "java.*" + regexp.QuoteMeta(s.opts.Root)
}

// FreeDiskBytes reports the free bytes on the filesystem holding the server
// root; shown to operators before they confirm a destructive reset.
func (s *Supervisor) FreeDiskBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.opts.Root, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.opts.Root, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// console is a bounded line buffer.
type console struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newConsole(max int) *console {
	return &console{max: max}
}

func (c *console) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	if over := len(c.lines) - c.max; over > 0 {
		c.lines = append(c.lines[:0], c.lines[over:]...)
	}
}

func (c *console) tail(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.lines) {
		n = len(c.lines)
	}
	out := make([]string, n)
	copy(out, c.lines[len(c.lines)-n:])
	return out
}
