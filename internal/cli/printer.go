package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/devstack/internal/cliutil"
	"github.com/example/devstack/internal/engine"
)

// printEvents renders lifecycle transitions as human-readable lines and log
// events as structured JSON records. It returns once the channel is closed.
func printEvents(stdout, stderr io.Writer, events <-chan engine.Event) {
	enc := json.NewEncoder(stdout)
	for evt := range events {
		if evt.Type == engine.EventTypeLog {
			cliutil.EncodeLogEvent(enc, stderr, evt)
			continue
		}
		printTransition(stdout, evt)
	}
}

func printTransition(out io.Writer, evt engine.Event) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s %-8s %s", ts.Format(time.RFC3339), formatState(evt.Type), evt.Service)
	if evt.Attempt > 1 {
		line += fmt.Sprintf(" (attempt %d)", evt.Attempt)
	}
	if evt.Message != "" {
		line += " " + cliutil.RedactSecrets(evt.Message)
	}
	if evt.Err != nil {
		line += fmt.Sprintf(": %v", evt.Err)
	}
	fmt.Fprintln(out, line)
}

func formatState(t engine.EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	if len(s) <= 1 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
