package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete local patch branches whose pull requests merged",
	Long: `Delete local branches under the configured branch prefix whose pull
request has been merged. The checked-out branch is never deleted.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deleted, err := e.orch.PruneBranches(ctx)
	out := cmd.OutOrStdout()
	for _, b := range deleted {
		fmt.Fprintf(out, "Deleted %s\n", b)
	}
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		fmt.Fprintln(out, "No merged patch branches to delete.")
	}
	return nil
}
