package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/registry"
	"github.com/ontograph/ontograph/core/storage"
)

// importPlan tallies how each row of an import file would be applied,
// the "dry-run plan with insert/update/skip/conflict counts" spec §6 names.
type importPlan struct {
	Insert   int
	Update   int
	Skip     int
	Conflict int
	Rows     []exportRow
	Write    []exportRow // the Insert and Update rows, in input order
}

func readImportRows(path string) ([]exportRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows []exportRow
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var row exportRow
		if err := dec.Decode(&row); err != nil {
			return nil, usageErrorf("import: malformed JSONL row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// planImport classifies rows against the current store without writing
// anything: a row is an Insert if its identity has no current row, Update
// if the existing row's Data differs, Skip if it is identical (spec §8's
// ensure/commit no-op invariant, applied to bulk import), and Conflict
// when onConflict is "abort" and an existing row would be overwritten. When
// onConflict is "skip", an existing row that differs is also a Skip and is
// left unchanged.
func planImport(ctx context.Context, st storage.Engine, kind, typeName string, rows []exportRow, onConflict string) (importPlan, error) {
	var plan importPlan
	plan.Rows = rows

	existing := map[string]model.Document{}
	if kind == "entity" {
		current, err := st.ReadEntities(ctx, typeName, nil, storage.TemporalView{})
		if err != nil && !model.IsCode(err, model.ErrUninitializedStorage) {
			return plan, err
		}
		for _, r := range current {
			existing[r.EntityID] = r.Data
		}
	} else {
		current, err := st.ReadRelations(ctx, typeName, nil, storage.TemporalView{})
		if err != nil && !model.IsCode(err, model.ErrUninitializedStorage) {
			return plan, err
		}
		for _, r := range current {
			existing[r.RelationID] = r.Data
		}
	}

	for _, row := range rows {
		id := row.EntityID
		if kind == "relation" {
			id = row.RelationID
		}
		prior, ok := existing[id]
		switch {
		case !ok:
			plan.Insert++
			plan.Write = append(plan.Write, row)
		case documentsEqual(prior, row.Data):
			plan.Skip++
		case onConflict == "abort":
			plan.Conflict++
		case onConflict == "skip":
			plan.Skip++
		default:
			plan.Update++
			plan.Write = append(plan.Write, row)
		}
	}
	return plan, nil
}

func documentsEqual(a, b model.Document) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// applyImport writes every non-skipped row of plan as a single Commit,
// resolving each row's TypeName against the current schema via reg exactly
// as session.Session.applyIntent does, and returns the number of rows
// written.
func applyImport(ctx context.Context, st storage.Engine, reg *registry.Registry, kind, typeName string, plan importPlan, _ string) (int, error) {
	current, err := reg.Current(ctx, typeName)
	if err != nil {
		return 0, err
	}

	head, err := st.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return 0, err
	}

	batch := storage.WriteBatch{ParentCommit: headID, Kind: model.CommitKindData, Summary: "ontoctl import"}
	written := 0
	for _, row := range plan.Write {
		if kind == "entity" {
			batch.Entities = append(batch.Entities, model.EntityRow{
				TypeName: typeName, EntityID: row.EntityID, SchemaHash: current.Hash, Data: row.Data, Tombstone: row.Tombstone,
			})
		} else {
			batch.Relations = append(batch.Relations, model.RelationRow{
				TypeName: typeName, RelationID: row.RelationID, LeftType: row.LeftType, LeftID: row.LeftID,
				RightType: row.RightType, RightID: row.RightID, InstanceKey: row.InstanceKey, SchemaHash: current.Hash, Data: row.Data, Tombstone: row.Tombstone,
			})
		}
		written++
	}
	if written == 0 {
		return 0, nil
	}
	if _, err := st.Commit(ctx, batch); err != nil {
		return 0, err
	}
	return written, nil
}

func importCmd() *cobra.Command {
	var kind, typeName, file, onConflict string
	var apply bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Preview or apply a JSONL import produced by `export`",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" || file == "" {
				return usageErrorf("import: --type and --file are required")
			}
			if kind != "entity" && kind != "relation" {
				return usageErrorf("import: --kind must be 'entity' or 'relation', got %q", kind)
			}
			if apply && onConflict != "abort" && onConflict != "skip" && onConflict != "upsert" {
				return usageErrorf("import: --on-conflict must be one of abort, skip, upsert")
			}

			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			rows, err := readImportRows(file)
			if err != nil {
				return err
			}

			plan, err := planImport(ctx, st, kind, typeName, rows, onConflict)
			if err != nil {
				return err
			}

			if !apply {
				pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
					{Text: fmt.Sprintf("insert: %d", plan.Insert)},
					{Text: fmt.Sprintf("update: %d", plan.Update)},
					{Text: fmt.Sprintf("skip: %d", plan.Skip)},
					{Text: fmt.Sprintf("conflict: %d", plan.Conflict)},
				}).Render()
				return nil
			}

			if onConflict == "abort" && plan.Conflict > 0 {
				return &errImportConflict{err: fmt.Errorf("import: %d row(s) conflict with existing data under --on-conflict=abort", plan.Conflict)}
			}

			reg := registry.New(st, nil)
			applied, err := applyImport(ctx, st, reg, kind, typeName, plan, onConflict)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("applied %d row(s) to %s/%s", applied, kind, typeName)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "entity", "entity or relation")
	cmd.Flags().StringVar(&typeName, "type", "", "TypeName to import into")
	cmd.Flags().StringVar(&file, "file", "", "JSONL file produced by `export`")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the import instead of just previewing it")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "abort", "abort, skip or upsert (only used with --apply)")
	return cmd
}
