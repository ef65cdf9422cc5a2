package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/metrics"
)

const downTimeout = 30 * time.Second

func newUpCmd(ctx *context) *cobra.Command {
	var (
		timeout     time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch the stack and stream events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}

			runCtx := cmd.Context()
			if timeout > 0 {
				var cancel stdcontext.CancelFunc
				runCtx, cancel = stdcontext.WithTimeout(runCtx, timeout)
				defer cancel()
			}

			if metricsAddr != "" {
				metrics.EmitBuildInfo()
				server := serveMetrics(metricsAddr)
				defer func() {
					shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			tracker := ctx.statusTracker()
			events := make(chan engine.Event, 256)
			var printer sync.WaitGroup
			printer.Add(1)
			go func() {
				defer printer.Done()
				tracked := make(chan engine.Event, cap(events))
				go func() {
					defer close(tracked)
					for evt := range events {
						tracker.Apply(evt)
						tracked <- evt
					}
				}()
				printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), tracked)
			}()

			manager := ctx.getManager()
			deployment, err := manager.Up(runCtx, doc.File, doc.Graph, events)
			if err != nil {
				close(events)
				printer.Wait()
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stack %s is up (%d services). Press Ctrl-C to stop.\n",
				doc.File.Stack.Name, len(deployment.Services()))

			waitErr := deployment.Wait(runCtx)

			stopCtx, cancel := stdcontext.WithTimeout(stdcontext.WithoutCancel(cmd.Context()), downTimeout)
			defer cancel()
			stopErr := deployment.Stop(stopCtx)

			close(events)
			printer.Wait()

			if stopErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "shutdown error: %v\n", stopErr)
			}
			if waitErr != nil && !errors.Is(waitErr, stdcontext.Canceled) && !errors.Is(waitErr, stdcontext.DeadlineExceeded) {
				return waitErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stack %s shut down.\n", doc.File.Stack.Name)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort startup and shut down after this duration (0 disables)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while up")
	return cmd
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
