package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"worldreset.gg/internal/ctlproto"
)

// watchCmd follows /v1/events until the daemon goes away. During a reset
// that is expected: the stream ends when the daemon exits for relaunch.
func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	baseURL := fs.String("url", envBaseURL(), "daemon base url")
	replay := fs.Int("replay", 16, "buffered events to replay on connect")
	_ = fs.Parse(args)

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(strings.TrimSpace(*baseURL), "/"), "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		die(fmt.Errorf("dial %s: %w", wsURL, err))
	}
	defer conn.Close()

	sub := ctlproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: ctlproto.Version, Replay: *replay}
	if err := conn.WriteJSON(sub); err != nil {
		die(fmt.Errorf("subscribe: %w", err))
	}

	fmt.Println(dimStyle.Render("watching " + wsURL + " (ctrl-c to stop)"))
	for {
		var ev ctlproto.Event
		if err := conn.ReadJSON(&ev); err != nil {
			fmt.Println(dimStyle.Render("stream closed: " + err.Error()))
			return
		}
		printEvent(ev)
	}
}

func printEvent(ev ctlproto.Event) {
	stamp := ev.TS
	if t, err := time.Parse(time.RFC3339Nano, ev.TS); err == nil {
		stamp = t.Local().Format("15:04:05")
	}

	var kind string
	switch ev.Kind {
	case ctlproto.EventState:
		kind = okStyle.Render(fmt.Sprintf("%-8s", ev.Kind))
	case ctlproto.EventWarning:
		kind = warnStyle.Render(fmt.Sprintf("%-8s", ev.Kind))
	case ctlproto.EventFailure:
		kind = failStyle.Render(fmt.Sprintf("%-8s", ev.Kind))
	default:
		kind = dimStyle.Render(fmt.Sprintf("%-8s", ev.Kind))
	}

	line := fmt.Sprintf("%s  %s", dimStyle.Render(stamp), kind)
	if ev.State != "" {
		line += " " + renderState(ev.State)
	}
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	if ev.OpID != "" {
		line += dimStyle.Render("  op=" + shortOp(ev.OpID))
	}
	fmt.Fprintln(os.Stdout, line)
}
