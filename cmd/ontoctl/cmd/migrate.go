package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/migration"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/registry"
)

// buildUpgrader turns --rename/--drop/--set flags into one migration.Upgrader,
// the CLI-driven equivalent of the hand-written Upgrader closures a caller
// embedding ontograph would register directly — declarative enough to cover
// the common field-shape changes without exposing a Go closure through a
// flag, in the spirit of migration.LegacyTypeSpecUpgrade's flat key lift.
func buildUpgrader(renames map[string]string, drops []string, sets map[string]any) migration.Upgrader {
	return func(doc model.Document) (model.Document, error) {
		out := model.Document{}
		for k, v := range doc {
			out[k] = v
		}
		for from, to := range renames {
			if v, ok := out[from]; ok {
				delete(out, from)
				out[to] = v
			}
		}
		for _, d := range drops {
			delete(out, d)
		}
		for k, v := range sets {
			out[k] = v
		}
		return out, nil
	}
}

func parseKV(pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, usageErrorf("expected key=value, got %q", p)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

func parseSets(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, usageErrorf("expected field=value_json, got %q", p)
		}
		var v any
		if err := json.Unmarshal([]byte(kv[1]), &v); err != nil {
			return nil, usageErrorf("--set %q: invalid value_json: %v", p, err)
		}
		out[kv[0]] = v
	}
	return out, nil
}

func migrateCmd() *cobra.Command {
	root := &cobra.Command{Use: "migrate", Short: "Preview or apply a schema migration for a TypeName"}
	root.AddCommand(migratePreviewCmd())
	root.AddCommand(migrateApplyCmd())
	root.AddCommand(migrateBatchPreviewCmd())
	root.AddCommand(migrateBatchApplyCmd())
	return root
}

// batchPlanSpec is the on-disk shape of one entry in the --plans file
// migrate preview-all/apply-all take, mirroring migrationPlanFromFlags'
// single-TypeName flags so a batch file is just a JSON array of the same
// inputs one TypeName at a time.
type batchPlanSpec struct {
	Type        string            `json:"type"`
	Kind        string            `json:"kind"`
	ToHash      string            `json:"to_hash"`
	Description string            `json:"description"`
	Rename      map[string]string `json:"rename"`
	Drop        []string          `json:"drop"`
	Set         map[string]any    `json:"set"`
}

func loadBatchPlans(path string) (migration.BatchPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return migration.BatchPlan{}, fmt.Errorf("migrate: reading --plans file: %w", err)
	}
	var specs []batchPlanSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return migration.BatchPlan{}, fmt.Errorf("migrate: parsing --plans file: %w", err)
	}
	bp := migration.BatchPlan{}
	for _, s := range specs {
		var k model.Kind
		switch s.Kind {
		case "", "entity":
			k = model.KindEntity
		case "relation":
			k = model.KindRelation
		default:
			return migration.BatchPlan{}, usageErrorf("--plans: %q has invalid kind %q", s.Type, s.Kind)
		}
		upgrader := buildUpgrader(s.Rename, s.Drop, s.Set)
		bp.Plans = append(bp.Plans, migration.Plan{
			TypeName: s.Type, Kind: k, ToHash: s.ToHash, Description: s.Description,
			Steps: []migration.Upgrader{upgrader},
		})
	}
	return bp, nil
}

func migrateBatchPreviewCmd() *cobra.Command {
	var plansFile string
	cmd := &cobra.Command{
		Use:   "preview-all",
		Short: "Dry-run a migration spanning every TypeName listed in --plans, printing one confirmation token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if plansFile == "" {
				return usageErrorf("migrate preview-all: --plans is required")
			}
			bp, err := loadBatchPlans(plansFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			eng := migration.New(st, registry.New(st, nil), nil)
			result, err := eng.PreviewBatch(ctx, bp)
			if err != nil {
				return err
			}
			pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
				{Text: fmt.Sprintf("types touched: %d", len(bp.Plans))},
				{Text: fmt.Sprintf("has_changes: %v", result.HasChanges)},
				{Text: fmt.Sprintf("schema-only types: %v", result.TypesSchemaOnly)},
				{Text: fmt.Sprintf("types requiring upgraders: %v", result.TypesRequiringUpgraders)},
				{Text: fmt.Sprintf("types missing upgraders: %v", result.MissingUpgraders)},
				{Text: fmt.Sprintf("estimated rows: %v", result.EstimatedRows)},
				{Text: fmt.Sprintf("token: %s", result.Token)},
			}).Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&plansFile, "plans", "", "path to a JSON array of per-TypeName plan specs")
	return cmd
}

func migrateBatchApplyCmd() *cobra.Command {
	var plansFile, token string
	var force bool
	cmd := &cobra.Command{
		Use:   "apply-all",
		Short: "Apply a migration previously previewed with `migrate preview-all`, across every touched TypeName in one commit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if plansFile == "" || (token == "" && !force) {
				return usageErrorf("migrate apply-all: --plans and --token are required (or pass --force)")
			}
			bp, err := loadBatchPlans(plansFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			eng := migration.New(st, registry.New(st, nil), nil)
			commit, err := eng.ApplyBatch(ctx, bp, token, force)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("batch migration applied across %d types, commit %s", len(bp.Plans), commit.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&plansFile, "plans", "", "path to a JSON array of per-TypeName plan specs")
	cmd.Flags().StringVar(&token, "token", "", "confirmation token printed by `migrate preview-all`")
	cmd.Flags().BoolVar(&force, "force", false, "skip the stale-token check")
	return cmd
}

func migrationPlanFromFlags(typeName, kind, toHash, description string, renamePairs, dropFields, setPairs []string) (migration.Plan, error) {
	renames, err := parseKV(renamePairs)
	if err != nil {
		return migration.Plan{}, err
	}
	sets, err := parseSets(setPairs)
	if err != nil {
		return migration.Plan{}, err
	}
	var k model.Kind
	switch kind {
	case "", "entity":
		k = model.KindEntity
	case "relation":
		k = model.KindRelation
	default:
		return migration.Plan{}, usageErrorf("--kind must be %q or %q, got %q", "entity", "relation", kind)
	}
	return migration.Plan{
		TypeName:    typeName,
		Kind:        k,
		ToHash:      toHash,
		Description: description,
		Steps:       []migration.Upgrader{buildUpgrader(renames, dropFields, sets)},
	}, nil
}

func migratePreviewCmd() *cobra.Command {
	var typeName, kind, toHash, description string
	var renamePairs, dropFields, setPairs []string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Dry-run a field-rename/drop/set migration, printing a confirmation token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" || toHash == "" {
				return usageErrorf("migrate preview: --type and --to-hash are required")
			}
			plan, err := migrationPlanFromFlags(typeName, kind, toHash, description, renamePairs, dropFields, setPairs)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			eng := migration.New(st, registry.New(st, nil), nil)
			result, err := eng.Preview(ctx, plan)
			if err != nil {
				return err
			}
			pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
				{Text: fmt.Sprintf("type: %s", result.TypeName)},
				{Text: fmt.Sprintf("has_changes: %v", result.Diff.HasChanges())},
				{Text: fmt.Sprintf("added fields: %v", result.Diff.AddedFields)},
				{Text: fmt.Sprintf("removed fields: %v", result.Diff.RemovedFields)},
				{Text: fmt.Sprintf("changed fields: %d", len(result.Diff.ChangedFields))},
				{Text: fmt.Sprintf("instance key changed: %v", result.Diff.InstanceKeyChanged)},
				{Text: fmt.Sprintf("rows affected: %d", result.RowCount)},
				{Text: fmt.Sprintf("token: %s", result.Token)},
			}).Render()
			for _, sample := range result.SampleRows {
				if err := printJSONL(sample); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName to migrate")
	cmd.Flags().StringVar(&kind, "kind", "entity", `TypeName kind: "entity" or "relation"`)
	cmd.Flags().StringVar(&toHash, "to-hash", "", "schema hash to activate on apply")
	cmd.Flags().StringVar(&description, "description", "", "human label for the migration commit")
	cmd.Flags().StringArrayVar(&renamePairs, "rename", nil, "old=new field rename, repeatable")
	cmd.Flags().StringArrayVar(&dropFields, "drop", nil, "field to drop, repeatable")
	cmd.Flags().StringArrayVar(&setPairs, "set", nil, "field=value_json to set on every row, repeatable")
	return cmd
}

func migrateApplyCmd() *cobra.Command {
	var typeName, kind, toHash, description, token string
	var renamePairs, dropFields, setPairs []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a migration previously previewed with the matching --token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" || toHash == "" || token == "" {
				return usageErrorf("migrate apply: --type, --to-hash and --token are required")
			}
			plan, err := migrationPlanFromFlags(typeName, kind, toHash, description, renamePairs, dropFields, setPairs)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			eng := migration.New(st, registry.New(st, nil), nil)
			commit, err := eng.Apply(ctx, plan, token)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("migration applied, commit %s", commit.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName to migrate")
	cmd.Flags().StringVar(&kind, "kind", "entity", `TypeName kind: "entity" or "relation"`)
	cmd.Flags().StringVar(&toHash, "to-hash", "", "schema hash to activate")
	cmd.Flags().StringVar(&description, "description", "", "human label for the migration commit")
	cmd.Flags().StringVar(&token, "token", "", "confirmation token printed by `migrate preview`")
	cmd.Flags().StringArrayVar(&renamePairs, "rename", nil, "old=new field rename, repeatable (must match the preview)")
	cmd.Flags().StringArrayVar(&dropFields, "drop", nil, "field to drop, repeatable (must match the preview)")
	cmd.Flags().StringArrayVar(&setPairs, "set", nil, "field=value_json to set, repeatable (must match the preview)")
	return cmd
}
