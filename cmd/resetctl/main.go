// Command resetctl is the operator console for a resetd daemon: inspect
// status and deletion plans, trigger confirmed world resets, forward
// console commands, and follow the live event stream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"worldreset.gg/internal/ctlproto"
)

const defaultBaseURL = "http://127.0.0.1:7313"

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(14)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func main() {
	// Token and URL may live in a .env next to the operator.
	_ = godotenv.Load()

	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "status":
			statusCmd(os.Args[2:])
			return
		case "plan":
			planCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		case "reset":
			resetCmd(os.Args[2:])
			return
		case "console":
			consoleCmd(os.Args[2:])
			return
		case "watch":
			watchCmd(os.Args[2:])
			return
		case "-h", "-help", "--help", "help":
			usage()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			usage()
			os.Exit(2)
		}
	}
	statusCmd(os.Args[1:])
}

func usage() {
	fmt.Println(`usage: resetctl <command> [flags]

commands:
  status    daemon and game server state (default)
  plan      preview what the next reset would delete
  history   recent reset operations
  reset     destroy the current world and generate a fresh one
  console   forward a command to the game server console
  watch     follow the live reset event stream

The reset token is read from -token, RESETD_TOKEN, or a .env file.`)
}

func envBaseURL() string {
	if v := strings.TrimSpace(os.Getenv("RESETD_URL")); v != "" {
		return v
	}
	return defaultBaseURL
}

func envToken(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return strings.TrimSpace(flagValue)
	}
	return strings.TrimSpace(os.Getenv("RESETD_TOKEN"))
}

func apiGet(base, path string, out any) error {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return apiError(resp.StatusCode, b)
	}
	return json.Unmarshal(b, out)
}

func apiPost(base, path, token string, in, out any) (int, error) {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Reset-Token", token)
	}
	cl := &http.Client{Timeout: 30 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(b, out); err != nil {
		return resp.StatusCode, apiError(resp.StatusCode, b)
	}
	return resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var e ctlproto.ErrorBody
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Detail != "" {
			return fmt.Errorf("%s: %s", e.Error, e.Detail)
		}
		return fmt.Errorf("%s", e.Error)
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(body)))
}

func die(err error) {
	fmt.Fprintln(os.Stderr, failStyle.Render("error:"), err)
	os.Exit(1)
}

func row(label, value string) {
	fmt.Println(labelStyle.Render(label) + value)
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	_ = fs.Parse(args)

	var st ctlproto.StatusReport
	if err := apiGet(*baseURL, "/v1/status", &st); err != nil {
		die(err)
	}

	row("state", renderState(st.State))
	row("world", st.CurrentWorld)
	if st.OpID != "" {
		row("operation", shortOp(st.OpID))
	}
	if st.ServerRunning {
		row("server", okStyle.Render("running")+dimStyle.Render(fmt.Sprintf(" (pid %d)", st.ServerPID)))
	} else {
		row("server", failStyle.Render("not running"))
	}
	row("uptime", (time.Duration(st.UptimeSeconds) * time.Second).String())
	if st.FreeDiskBytes > 0 {
		row("free disk", humanize.IBytes(st.FreeDiskBytes))
	}
	for _, w := range st.Warnings {
		row("warning", warnStyle.Render(w))
	}
}

func planCmd(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	_ = fs.Parse(args)

	var p ctlproto.PlanReport
	if err := apiGet(*baseURL, "/v1/plan", &p); err != nil {
		die(err)
	}

	fmt.Println("A reset started now would delete from the server root:")
	fmt.Println()
	for _, d := range p.DimensionDirs {
		fmt.Println("  " + failStyle.Render(d+"/"))
	}
	for _, d := range p.OrphanDirs {
		fmt.Println("  " + failStyle.Render(d+"/") + dimStyle.Render("  (orphan)"))
	}
	for _, d := range p.CacheDirs {
		fmt.Println("  " + warnStyle.Render(d+"/"))
	}
	for _, f := range p.CacheFiles {
		fmt.Println("  " + warnStyle.Render(f))
	}
	for _, g := range p.DataPatterns {
		fmt.Println("  " + warnStyle.Render(g) + dimStyle.Render("  (glob)"))
	}
	fmt.Println()
	fmt.Println(dimStyle.Render("Nothing has been deleted. Run `resetctl reset` to proceed."))
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	limit := fs.Int("limit", 20, "max operations to list")
	_ = fs.Parse(args)

	var hr ctlproto.HistoryResponse
	if err := apiGet(*baseURL, fmt.Sprintf("/v1/history?limit=%d", *limit), &hr); err != nil {
		die(err)
	}
	if len(hr.Ops) == 0 {
		fmt.Println("no resets recorded")
		return
	}
	for _, op := range hr.Ops {
		when := humanize.Time(time.UnixMilli(op.StartedMS))
		arrow := op.PrevWorld
		if op.NextWorld != "" {
			arrow += " -> " + op.NextWorld
		}
		line := fmt.Sprintf("%s  %-20s %-28s %s", shortOp(op.OpID), renderState(op.State), arrow, dimStyle.Render(when))
		if op.Actor != "" {
			line += dimStyle.Render("  by " + op.Actor)
		}
		fmt.Println(line)
		if op.Reason != "" {
			fmt.Println(dimStyle.Render("          " + op.Reason))
		}
	}
}

func renderState(state string) string {
	switch state {
	case "idle":
		return okStyle.Render(state)
	case "failed":
		return failStyle.Render(state)
	case "shutdown_scheduled":
		return okStyle.Render(state)
	default:
		return warnStyle.Render(state)
	}
}

func shortOp(opID string) string {
	if len(opID) > 8 {
		return opID[:8]
	}
	return opID
}
