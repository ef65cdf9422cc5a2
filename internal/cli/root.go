package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/cliutil"
	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/netbind"
	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/volumes"

	// Runtime adapters register themselves on import.
	_ "github.com/example/devstack/internal/runtime/docker"
	_ "github.com/example/devstack/internal/runtime/process"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	stackFile := os.Getenv("DEVSTACK_FILE")
	if stackFile == "" {
		stackFile = "stack.yaml"
	}

	root := &cobra.Command{
		Use:   "devstack",
		Short: "Declarative launcher for local development stacks",
	}

	root.PersistentFlags().
		StringVarP(&stackFile, "file", "f", stackFile, "Path to stack definition")

	ctx := &context{stackFile: &stackFile}
	root.AddCommand(newUpCmd(ctx))
	root.AddCommand(newDownCmd(ctx))
	root.AddCommand(newPsCmd(ctx))
	root.AddCommand(newLogsCmd(ctx))
	root.AddCommand(newGraphCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newVolumeCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	stackFile *string

	mu      sync.Mutex
	manager *engine.Manager
	tracker *statusTracker
}

func (c *context) loadStack() (*cliutil.StackDocument, error) {
	return cliutil.LoadStackFromFile(*c.stackFile)
}

func (c *context) getManager() *engine.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager == nil {
		registry := runtime.NewRegistry()
		var volumeManager *volumes.Manager
		if store, ok := registry["docker"].(volumes.Store); ok {
			volumeManager = volumes.NewManager(store)
		}
		c.manager = engine.NewManager(registry, netbind.New(), volumeManager)
	}
	return c.manager
}

func (c *context) statusTracker() *statusTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		c.tracker = newStatusTracker()
	}
	return c.tracker
}
