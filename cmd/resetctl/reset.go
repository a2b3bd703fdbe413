package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"worldreset.gg/internal/ctlproto"
)

func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	token := fs.String("token", "", "reset token (or RESETD_TOKEN)")
	actor := fs.String("actor", "", "who is asking (recorded in history)")
	reason := fs.String("reason", "", "why (recorded in history)")
	yes := fs.Bool("yes", false, "skip the interactive confirmation")
	_ = fs.Parse(args)

	tok := envToken(*token)
	if tok == "" {
		fmt.Fprintln(os.Stderr, "no reset token: pass -token or set RESETD_TOKEN")
		os.Exit(2)
	}

	// Show what is about to be destroyed before asking.
	var st ctlproto.StatusReport
	if err := apiGet(*baseURL, "/v1/status", &st); err != nil {
		die(err)
	}
	var p ctlproto.PlanReport
	if err := apiGet(*baseURL, "/v1/plan", &p); err != nil {
		die(err)
	}
	targets := len(p.DimensionDirs) + len(p.OrphanDirs) + len(p.CacheDirs) + len(p.CacheFiles)

	if !*yes {
		confirmed := false
		prompt := huh.NewConfirm().
			Title(fmt.Sprintf("Destroy world %q and generate a fresh one?", st.CurrentWorld)).
			Description(fmt.Sprintf("%d directories and files will be deleted after the server shuts down.\nThis cannot be undone.", targets)).
			Affirmative("Reset the world").
			Negative("Abort").
			Value(&confirmed)
		if err := prompt.Run(); err != nil {
			die(err)
		}
		if !confirmed {
			fmt.Println("aborted, nothing changed")
			return
		}
	}

	req := ctlproto.ResetRequest{
		Type:            "RESET",
		ProtocolVersion: ctlproto.Version,
		Actor:           resolveActor(*actor),
		Confirm:         true,
		Reason:          strings.TrimSpace(*reason),
	}
	var resp ctlproto.ResetResponse
	status, err := apiPost(*baseURL, "/v1/reset", tok, req, &resp)
	if err != nil {
		die(err)
	}

	switch {
	case resp.Accepted:
		fmt.Println(okStyle.Render("reset accepted"))
		row("operation", shortOp(resp.OpID))
		row("old world", st.CurrentWorld)
		row("new world", resp.NextWorld)
		fmt.Println()
		fmt.Println(dimStyle.Render("The daemon will shut down shortly; the detached script finishes the job."))
		fmt.Println(dimStyle.Render("Follow along with `resetctl watch` until the connection drops."))
	case resp.Error == ctlproto.ErrResetInProgress:
		fmt.Fprintln(os.Stderr, warnStyle.Render("a reset is already in progress"))
		os.Exit(1)
	case resp.Error != "":
		fmt.Fprintln(os.Stderr, failStyle.Render("reset failed:"), resp.Error, resp.Detail)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unexpected response (http %d): %+v\n", status, resp)
		os.Exit(1)
	}
}

func consoleCmd(args []string) {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	token := fs.String("token", "", "reset token (or RESETD_TOKEN)")
	_ = fs.Parse(args)

	cmd := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if cmd == "" {
		fmt.Fprintln(os.Stderr, "usage: resetctl console [flags] <command...>")
		os.Exit(2)
	}
	tok := envToken(*token)
	if tok == "" {
		fmt.Fprintln(os.Stderr, "no reset token: pass -token or set RESETD_TOKEN")
		os.Exit(2)
	}

	req := ctlproto.ConsoleRequest{Type: "CONSOLE", ProtocolVersion: ctlproto.Version, Command: cmd}
	var resp ctlproto.ConsoleResponse
	status, err := apiPost(*baseURL, "/v1/console", tok, req, &resp)
	if err != nil {
		die(err)
	}
	if !resp.Sent {
		if resp.Error == ctlproto.ErrServerNotRunning {
			fmt.Fprintln(os.Stderr, failStyle.Render("game server is not running"))
		} else {
			fmt.Fprintf(os.Stderr, "console rejected (http %d): %s %s\n", status, resp.Error, resp.Detail)
		}
		os.Exit(1)
	}
	for _, line := range resp.Tail {
		fmt.Println(dimStyle.Render(line))
	}
}

func resolveActor(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return strings.TrimSpace(flagValue)
	}
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
