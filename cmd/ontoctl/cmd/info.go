package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/model"
)

// infoCmd prints a snapshot of the namespace: head commit, commit count and
// any commit_before_activation diagnostics, the `info` action spec §6 names.
func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show a snapshot of the namespace's storage backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			head, err := st.Head(ctx)
			if err != nil && !model.IsCode(err, model.ErrUninitializedStorage) {
				return err
			}

			commits, err := st.ListCommits(ctx, 1<<30, "")
			if err != nil && !model.IsCode(err, model.ErrUninitializedStorage) {
				return err
			}

			diag, err := st.Diagnose(ctx)
			if err != nil {
				return err
			}

			pterm.DefaultSection.Println("ontograph namespace: " + namespace())
			if head.ID == "" {
				pterm.Info.Println("no commits yet")
			} else {
				pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
					{Level: 0, Text: "head commit: " + head.ID},
					{Level: 0, Text: fmt.Sprintf("sequence: %d", head.Sequence)},
					{Level: 0, Text: fmt.Sprintf("total commits: %s", humanize.Comma(int64(len(commits))))},
				}).Render()
			}
			if len(diag.CommitBeforeActivation) > 0 {
				pterm.Warning.Printfln("%d commit(s) flagged commit_before_activation", len(diag.CommitBeforeActivation))
			}
			return nil
		},
	}
}
