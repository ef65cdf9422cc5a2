package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/devstack/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with stack configuration files",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	cmd.AddCommand(newConfigRenderCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate a stack configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*ctx.stackFile); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", *ctx.stackFile)
			return nil
		},
	}
}

// newConfigRenderCmd prints the stack after defaults were applied, useful for
// checking what the launcher will actually run.
func newConfigRenderCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Print the normalized stack configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(*ctx.stackFile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(doc)
			if err != nil {
				return fmt.Errorf("render stack: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
