package cli

import (
	stdcontext "context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/engine"
)

func newDownCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the stack's services",
		Long: "Stops and removes every instance belonging to the stack in reverse " +
			"dependency order. Named volumes are kept; use 'devstack volume prune' " +
			"to reclaim their storage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}

			events := make(chan engine.Event, 64)
			var printer sync.WaitGroup
			printer.Add(1)
			go func() {
				defer printer.Done()
				printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), events)
			}()
			defer func() {
				close(events)
				printer.Wait()
			}()

			stopCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(cmd.Context()), downTimeout)
			defer cancel()

			if err := ctx.getManager().Down(stopCtx, doc.File, doc.Graph, events); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "shutdown error: %v\n", err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stack %s shut down.\n", doc.File.Stack.Name)
			return nil
		},
	}
	return cmd
}
