package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newVolumeCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage the stack's named volumes",
	}
	cmd.AddCommand(newVolumePruneCmd(ctx))
	return cmd
}

func newVolumePruneCmd(ctx *context) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove the stack's named volumes and their data",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}
			stackName := doc.File.Stack.Name

			if !force {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("refusing to prune volumes without --force on a non-interactive session")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "This permanently deletes all data in stack %s's volumes. Continue? [y/N] ", stackName)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			removed, err := ctx.getManager().PruneVolumes(cmd.Context(), stackName)
			for _, name := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Stack %s has no volumes.\n", stackName)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	return cmd
}
