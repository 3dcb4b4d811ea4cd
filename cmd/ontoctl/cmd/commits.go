package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/model"
)

// commitsCmd groups the `commits list` and `commits examine` actions spec §6
// names, modeled after xataio-pgroll's status.go JSON-to-stdout style.
func commitsCmd() *cobra.Command {
	root := &cobra.Command{Use: "commits", Short: "Inspect the namespace's commit log"}
	root.AddCommand(commitsListCmd())
	root.AddCommand(commitsExamineCmd())
	return root
}

func commitsListCmd() *cobra.Command {
	var limit int
	var before string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commits, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			commits, err := st.ListCommits(ctx, limit, before)
			if err != nil {
				return err
			}
			if len(commits) == 0 {
				pterm.Info.Println("no commits")
				return nil
			}
			table := [][]string{{"ID", "SEQUENCE", "KIND", "SUMMARY"}}
			for _, c := range commits {
				table = append(table, []string{c.ID, fmt.Sprintf("%d", c.Sequence), string(c.Kind), c.Summary})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum commits to list")
	cmd.Flags().StringVar(&before, "before", "", "only list commits strictly before this commit id")
	return cmd
}

func commitsExamineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examine <commit-id>",
		Short: "Print one commit's full detail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			c, err := st.CommitByID(ctx, args[0])
			if err != nil {
				if model.IsCode(err, model.ErrUninitializedStorage) {
					return err
				}
				return err
			}
			out, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}
