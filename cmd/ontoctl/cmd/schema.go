package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/registry"
)

func schemaCmd() *cobra.Command {
	root := &cobra.Command{Use: "schema", Short: "Inspect and manage a TypeName's schema versions"}
	root.AddCommand(schemaExportCmd())
	root.AddCommand(schemaHistoryCmd())
	root.AddCommand(schemaDropCmd())
	return root
}

func schemaExportCmd() *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the currently active Schema for a TypeName as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" {
				return usageErrorf("schema export: --type is required")
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			reg := registry.New(st, nil)
			v, err := reg.Current(ctx, typeName)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(v.Schema, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName")
	return cmd
}

func schemaHistoryCmd() *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every registered schema version for a TypeName, including dropped ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" {
				return usageErrorf("schema history: --type is required")
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			reg := registry.New(st, nil)
			versions, err := reg.History(ctx, typeName)
			if err != nil {
				return err
			}
			table := [][]string{{"SEQUENCE", "HASH", "DROPPED"}}
			for _, v := range versions {
				dropped := ""
				if v.Dropped {
					dropped = "yes"
				}
				table = append(table, []string{fmt.Sprintf("%d", v.Sequence), v.Hash, dropped})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName")
	return cmd
}

func schemaDropCmd() *cobra.Command {
	var typeName, hash, token string
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Two-phase drop of a registered (non-active) schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" || hash == "" {
				return usageErrorf("schema drop: --type and --hash are required")
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			want := dropToken(typeName, hash)
			if token == "" {
				pterm.Warning.Printfln("this will drop %s@%s; re-run with --confirm %s to proceed", typeName, hash, want)
				return nil
			}
			if token != want {
				return &errSchemaDropUnsafe{err: fmt.Errorf("schema drop: confirmation token mismatch for %s@%s", typeName, hash)}
			}

			reg := registry.New(st, nil)
			if err := reg.Drop(ctx, typeName, hash); err != nil {
				return &errSchemaDropUnsafe{err: err}
			}
			pterm.Success.Printfln("dropped %s@%s", typeName, hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName")
	cmd.Flags().StringVar(&hash, "hash", "", "schema version hash to drop")
	cmd.Flags().StringVar(&token, "confirm", "", "confirmation token printed by a prior dry run")
	return cmd
}

// dropToken is a deterministic, easy-to-eyeball confirmation string (not a
// security boundary): it only needs to force an operator to type the
// type/hash pair back, not resist guessing, unlike migration's
// cryptographically bound preview token.
func dropToken(typeName, hash string) string {
	return fmt.Sprintf("drop:%s:%s", typeName, hash)
}
