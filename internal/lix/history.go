package lix

import (
	"context"
	"sort"

	"lix/internal/storage"
)

// History returns the commits reachable from a version's tip, newest
// generation first. A limit of zero returns all of them.
func (l *Lix) History(ctx context.Context, idOrName string, limit int) ([]*storage.Commit, error) {
	v, err := l.resolveVersion(ctx, l.db.DB, idOrName)
	if err != nil {
		return nil, err
	}
	var out []*storage.Commit
	seen := map[string]bool{v.CommitID: true}
	queue := []string{v.CommitID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		c, err := l.db.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		parents, err := l.db.ParentIDsWith(l.db.DB, ctx, id)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation > out[j].Generation
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WorkingChanges returns the elements of the active version's working
// change set.
func (l *Lix) WorkingChanges(ctx context.Context) ([]*storage.ChangeSetElement, error) {
	v, err := l.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return l.db.ListElements(ctx, v.WorkingChangeSetID)
}

// Change returns one change of the log.
func (l *Lix) Change(ctx context.Context, id string) (*storage.Change, error) {
	return l.db.GetChange(ctx, id)
}
