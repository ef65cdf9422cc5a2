package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/logmux"
	"github.com/example/devstack/internal/runtime"
)

func newLogsCmd(ctx *context) *cobra.Command {
	var (
		follow bool
		tail   string
	)

	cmd := &cobra.Command{
		Use:   "logs [service]",
		Short: "Stream structured logs from running services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}

			manager := ctx.getManager()
			statuses, err := manager.Status(cmd.Context(), doc.File.Stack.Name)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				target := args[0]
				if _, ok := doc.File.Services.Specs[target]; !ok {
					return fmt.Errorf("unknown service %s", target)
				}
				statuses = filterStatuses(statuses, target)
				if len(statuses) == 0 {
					return fmt.Errorf("service %s has no instances", target)
				}
			}
			if len(statuses) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Stack %s has no running services.\n", doc.File.Stack.Name)
				return nil
			}

			mux := logmux.New(256)
			for _, status := range statuses {
				entries, err := manager.Logs(cmd.Context(), status, follow, tail)
				if err != nil {
					return fmt.Errorf("stream logs for %s: %w", status.Service, err)
				}
				mux.Add(adaptLogEntries(status.Service, entries))
			}
			go mux.Close()

			printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), mux.Output())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().StringVar(&tail, "tail", "all", "Number of trailing lines to show per service")
	return cmd
}

func filterStatuses(statuses []runtime.ServiceStatus, service string) []runtime.ServiceStatus {
	out := statuses[:0]
	for _, status := range statuses {
		if status.Service == service {
			out = append(out, status)
		}
	}
	return out
}

// adaptLogEntries converts a runtime log stream into engine log events for
// the mux.
func adaptLogEntries(service string, entries <-chan runtime.LogEntry) <-chan engine.Event {
	out := make(chan engine.Event, 64)
	go func() {
		defer close(out)
		for entry := range entries {
			out <- engine.Event{
				Timestamp: time.Now(),
				Service:   service,
				Type:      engine.EventTypeLog,
				Message:   entry.Message,
				Level:     entry.Level,
				Source:    entry.Source,
			}
		}
	}()
	return out
}
