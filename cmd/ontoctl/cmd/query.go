package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/query"
	"github.com/ontograph/ontograph/core/storage"
)

// parseFilterTriple parses one `<path> <op> <value_json>` predicate, the
// admin-interface grammar spec §6 names, into a *filter.Node. like maps onto
// filter.OpContains since the filter package has no SQL LIKE operator (no
// wildcard syntax survives the translation — a deliberate restriction
// recorded in DESIGN.md rather than hand-rolling glob matching for the CLI
// alone).
func parseFilterTriple(triple string) (*filter.Node, error) {
	parts := strings.SplitN(triple, " ", 3)
	if len(parts) < 2 {
		return nil, usageErrorf("filter %q must be '<path> <op> [value_json]'", triple)
	}
	path, err := filter.ParsePath(parts[0])
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	op := parts[1]
	switch op {
	case "is_null":
		return filter.Exists(path, true), nil
	case "is_not_null":
		return filter.Exists(path, false), nil
	}
	if len(parts) != 3 {
		return nil, usageErrorf("filter %q: operator %q requires a value_json", triple, op)
	}
	var value any
	if err := json.Unmarshal([]byte(parts[2]), &value); err != nil {
		return nil, usageErrorf("filter %q: invalid value_json: %v", triple, err)
	}
	var fop filter.Operator
	switch op {
	case "eq":
		fop = filter.OpEq
	case "ne":
		fop = filter.OpNeq
	case "gt":
		fop = filter.OpGt
	case "ge":
		fop = filter.OpGte
	case "lt":
		fop = filter.OpLt
	case "le":
		fop = filter.OpLte
	case "like":
		fop = filter.OpContains
	case "in":
		fop = filter.OpIn
	default:
		return nil, usageErrorf("filter %q: unknown operator %q", triple, op)
	}
	return filter.Comparison(path, fop, value), nil
}

// parseFilters ANDs together every `--filter` triple given, or returns nil
// (match-all) if none were given.
func parseFilters(triples []string) (*filter.Node, error) {
	if len(triples) == 0 {
		return nil, nil
	}
	nodes := make([]*filter.Node, 0, len(triples))
	for _, t := range triples {
		n, err := parseFilterTriple(t)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return filter.LogicalNode(filter.And, nodes...), nil
}

func printJSONL(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func queryCmd() *cobra.Command {
	root := &cobra.Command{Use: "query", Short: "Read entities, relations or traverse the graph"}
	root.AddCommand(queryEntitiesCmd())
	root.AddCommand(queryRelationsCmd())
	root.AddCommand(queryTraverseCmd())
	return root
}

func queryEntitiesCmd() *cobra.Command {
	var typeName string
	var triples []string
	var asOf string
	var withHistory bool
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "Read one entity TypeName's rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" {
				return usageErrorf("query entities: --type is required")
			}
			pred, err := parseFilters(triples)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			coord := query.New(st)
			var rows []any
			switch {
			case asOf != "":
				r, err := coord.AsOf(ctx, typeName, pred, asOf)
				if err != nil {
					return err
				}
				for _, row := range r {
					rows = append(rows, row)
				}
			case withHistory:
				r, err := coord.WithHistory(ctx, typeName, pred)
				if err != nil {
					return err
				}
				for _, row := range r {
					rows = append(rows, row)
				}
			default:
				r, err := coord.Latest(ctx, typeName, pred)
				if err != nil {
					return err
				}
				for _, row := range r {
					rows = append(rows, row)
				}
			}
			for _, row := range rows {
				if err := printJSONL(row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "entity TypeName")
	cmd.Flags().StringArrayVar(&triples, "filter", nil, "'<path> <op> <value_json>' predicate, repeatable (ANDed)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "read as of this commit id")
	cmd.Flags().BoolVar(&withHistory, "with-history", false, "return every historical row, not just the latest")
	return cmd
}

func queryRelationsCmd() *cobra.Command {
	var typeName string
	var triples []string
	cmd := &cobra.Command{
		Use:   "relations",
		Short: "Read one relation TypeName's current rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName == "" {
				return usageErrorf("query relations: --type is required")
			}
			pred, err := parseFilters(triples)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			rows, err := st.ReadRelations(ctx, typeName, pred, storage.TemporalView{})
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := printJSONL(row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "relation TypeName")
	cmd.Flags().StringArrayVar(&triples, "filter", nil, "'<path> <op> <value_json>' predicate, repeatable (ANDed)")
	return cmd
}

func queryTraverseCmd() *cobra.Command {
	var startType string
	var triples []string
	var via []string
	var forward bool
	cmd := &cobra.Command{
		Use:   "traverse",
		Short: "Walk from a starting entity type through one or more relation types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if startType == "" || len(via) == 0 {
				return usageErrorf("query traverse: --type and at least one --via are required")
			}
			pred, err := parseFilters(triples)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openEngine(ctx, dsn(), namespace(), true)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			steps := make([]query.TraversalStep, 0, len(via))
			for _, rt := range via {
				steps = append(steps, query.TraversalStep{RelationType: rt, Forward: forward})
			}
			coord := query.New(st)
			results, err := coord.Traverse(ctx, startType, pred, steps)
			if err != nil {
				return err
			}
			for _, r := range results {
				if err := printJSONL(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startType, "type", "", "starting entity TypeName")
	cmd.Flags().StringArrayVar(&triples, "filter", nil, "predicate restricting the starting entities")
	cmd.Flags().StringArrayVar(&via, "via", nil, "relation TypeName to hop through, repeatable for multi-hop walks")
	cmd.Flags().BoolVar(&forward, "forward", true, "follow left->right (false follows right->left)")
	return cmd
}
