// Package query implements the query coordinator: the four temporal read
// surfaces (latest/as_of/with_history/history_since), aggregate/group-by
// with HAVING, and cycle-safe relation traversal with endpoint hydration.
// It generalizes the teacher's core/query.QueryBuilder fluent API (kept and
// adapted in builder.go) from single-collection CRUD into a graph-traversal
// coordinator atop core/storage.Engine.
package query

import (
	"context"
	"fmt"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// Coordinator answers reads against one namespace's storage.Engine.
type Coordinator struct {
	storage storage.Engine
	eval    *filter.Evaluator
}

func New(st storage.Engine) *Coordinator {
	return &Coordinator{storage: st, eval: filter.NewEvaluator()}
}

// Latest returns the current row per entity identity matching pred.
func (c *Coordinator) Latest(ctx context.Context, typeName string, pred *filter.Node) ([]model.EntityRow, error) {
	return c.storage.ReadEntities(ctx, typeName, pred, storage.TemporalView{})
}

// AsOf returns the row per entity identity as it stood at commitID.
func (c *Coordinator) AsOf(ctx context.Context, typeName string, pred *filter.Node, commitID string) ([]model.EntityRow, error) {
	return c.storage.ReadEntities(ctx, typeName, pred, storage.TemporalView{AsOfCommit: commitID})
}

// WithHistory returns every historical row matching pred, oldest first.
func (c *Coordinator) WithHistory(ctx context.Context, typeName string, pred *filter.Node) ([]model.EntityRow, error) {
	return c.storage.ReadEntities(ctx, typeName, pred, storage.TemporalView{WithHistory: true})
}

// HistorySince returns every row committed after sinceCommit, oldest first.
func (c *Coordinator) HistorySince(ctx context.Context, typeName string, pred *filter.Node, sinceCommit string) ([]model.EntityRow, error) {
	return c.storage.ReadEntities(ctx, typeName, pred, storage.TemporalView{WithHistory: true, SinceCommit: sinceCommit})
}

// CurrentSchemaLatest restricts Latest to rows committed at or after
// typeName's current ActivationRecord, the "current-schema reads"
// restriction spec §4.1 names: a reader asking only for data the present
// schema has ever validated must not see pre-activation rows.
func (c *Coordinator) CurrentSchemaLatest(ctx context.Context, typeName string, pred *filter.Node) ([]model.EntityRow, error) {
	return c.storage.ReadEntities(ctx, typeName, pred, storage.TemporalView{CurrentSchemaOnly: true})
}

// Aggregate computes agg's grouped values over typeName's current rows
// matching pred.
func (c *Coordinator) Aggregate(ctx context.Context, typeName string, pred *filter.Node, agg storage.Aggregate) ([]storage.AggregateRow, error) {
	return c.storage.Aggregate(ctx, typeName, pred, agg, storage.TemporalView{})
}

// TraversalStep is one `.via(RelationType)` hop: which relation type to
// follow and, if non-empty, a predicate restricting which relation
// instances qualify.
type TraversalStep struct {
	RelationType string
	Pred         *filter.Node
	// Direction selects which endpoint of the relation continues the walk:
	// true follows left->right, false follows right->left.
	Forward bool
}

// Traversed is one entity reached by a Traverse walk, paired with the chain
// of RelationRows that reached it (for callers that need the path, not just
// the destination).
type Traversed struct {
	Entity model.EntityRow
	Path   []model.RelationRow
}

// Traverse walks from the entities matching startType/startPred through
// each TraversalStep in order, hydrating each hop's destination endpoint.
// Destinations are deduplicated per step by (TypeName, EntityID), so an
// entity reached from several frontier entries appears once in that step's
// result; each step is a single hop, so a cyclic graph cannot make the walk
// loop.
func (c *Coordinator) Traverse(ctx context.Context, startType string, startPred *filter.Node, steps []TraversalStep) ([]Traversed, error) {
	starts, err := c.Latest(ctx, startType, startPred)
	if err != nil {
		return nil, err
	}
	frontier := make([]Traversed, 0, len(starts))
	for _, e := range starts {
		frontier = append(frontier, Traversed{Entity: e})
	}
	for _, step := range steps {
		visited := map[string]bool{}
		relations, err := c.storage.ReadRelations(ctx, step.RelationType, step.Pred, storage.TemporalView{})
		if err != nil {
			return nil, err
		}
		var next []Traversed
		for _, t := range frontier {
			for _, rel := range relations {
				var fromMatches bool
				var destType, destID string
				if step.Forward {
					fromMatches = rel.LeftID == t.Entity.EntityID
					destType, destID = rel.RightType, rel.RightID
				} else {
					fromMatches = rel.RightID == t.Entity.EntityID
					destType, destID = rel.LeftType, rel.LeftID
				}
				if !fromMatches {
					continue
				}
				key := visitKey(destType, destID)
				if visited[key] {
					continue
				}
				dest, err := c.findEntity(ctx, destType, destID)
				if err != nil {
					return nil, err
				}
				if dest == nil {
					continue
				}
				visited[key] = true
				path := append(append([]model.RelationRow{}, t.Path...), rel)
				next = append(next, Traversed{Entity: *dest, Path: path})
			}
		}
		frontier = next
	}
	return frontier, nil
}

func visitKey(typeName, id string) string { return typeName + "\x1f" + id }

func (c *Coordinator) findEntity(ctx context.Context, typeName, id string) (*model.EntityRow, error) {
	rows, err := c.storage.ReadEntities(ctx, typeName, nil, storage.TemporalView{})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.EntityID == id && !r.Tombstone {
			return &r, nil
		}
	}
	return nil, nil
}

// HydrateRelationEndpoints resolves a RelationRow's Left/Right entity
// documents for filter.Row construction, used when a caller's predicate
// addresses `left.$...`/`right.$...` paths (core/filter.Path.Endpoint).
func (c *Coordinator) HydrateRelationEndpoints(ctx context.Context, rel model.RelationRow) (filter.Row, error) {
	left, err := c.findEntity(ctx, rel.LeftType, rel.LeftID)
	if err != nil {
		return filter.Row{}, err
	}
	right, err := c.findEntity(ctx, rel.RightType, rel.RightID)
	if err != nil {
		return filter.Row{}, err
	}
	row := filter.Row{Subject: rel.Data}
	if left != nil {
		row.Left = left.Data
	}
	if right != nil {
		row.Right = right.Data
	}
	return row, nil
}

// MatchRelation evaluates a full predicate tree (subject/left/right
// sub-trees) against a relation row, hydrating endpoints only if the
// predicate actually references one (SplitEndpointSubtrees tells us which).
func (c *Coordinator) MatchRelation(ctx context.Context, rel model.RelationRow, pred *filter.Node) (bool, error) {
	if pred == nil {
		return true, nil
	}
	_, left, right, ok := filter.SplitEndpointSubtrees(pred)
	if !ok {
		return false, fmt.Errorf("query: predicate mixes endpoints under a single or/not beyond what traversal supports")
	}
	row := filter.Row{Subject: rel.Data}
	if left != nil || right != nil {
		hydrated, err := c.HydrateRelationEndpoints(ctx, rel)
		if err != nil {
			return false, err
		}
		row.Left, row.Right = hydrated.Left, hydrated.Right
	}
	return c.eval.Match(pred, row)
}
