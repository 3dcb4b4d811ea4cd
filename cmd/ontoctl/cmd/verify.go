package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// verifyCmd runs the storage backend's self-diagnostics (spec §6 `verify`:
// "check code vs stored schemas"): currently the commit_before_activation
// check every Engine implements via Diagnose.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the namespace's commit log against its schema activation history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			diag, err := st.Diagnose(ctx)
			if err != nil {
				return err
			}
			if len(diag.CommitBeforeActivation) == 0 {
				pterm.Success.Println("no anomalies found")
				return nil
			}
			pterm.Error.Printfln("%d commit(s) flagged commit_before_activation:", len(diag.CommitBeforeActivation))
			for _, id := range diag.CommitBeforeActivation {
				fmt.Println("  " + id)
			}
			return fmt.Errorf("verify: %d commit_before_activation anomalies found", len(diag.CommitBeforeActivation))
		},
	}
}
