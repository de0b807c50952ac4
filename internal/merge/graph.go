package merge

import (
	"context"

	"github.com/uptrace/bun"

	"lix/internal/storage"
)

// Graph is the read side of the commit graph the planner walks.
type Graph interface {
	Commit(ctx context.Context, id string) (*storage.Commit, error)
	ParentIDs(ctx context.Context, commitID string) ([]string, error)
	Elements(ctx context.Context, changeSetID string) ([]*storage.ChangeSetElement, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// StoreGraph reads the graph from a lix file, inside idb's transaction when
// idb is one.
type StoreGraph struct {
	DB  *storage.BunDB
	IDB bun.IDB
}

func (g StoreGraph) Commit(ctx context.Context, id string) (*storage.Commit, error) {
	return g.DB.GetCommitWith(g.IDB, ctx, id)
}

func (g StoreGraph) ParentIDs(ctx context.Context, commitID string) ([]string, error) {
	return g.DB.ParentIDsWith(g.IDB, ctx, commitID)
}

func (g StoreGraph) Elements(ctx context.Context, changeSetID string) ([]*storage.ChangeSetElement, error) {
	return g.DB.ListElementsWith(g.IDB, ctx, changeSetID)
}

func (g StoreGraph) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	return g.DB.IsAncestorWith(g.IDB, ctx, ancestor, descendant)
}
