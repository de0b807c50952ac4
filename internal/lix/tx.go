package lix

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"lix/internal/common"
	"lix/internal/sqlrewrite"
	"lix/internal/state"
	"lix/internal/storage"
)

// Result is the materialized outcome of Exec or Query. Rows hold the rows
// of the last query statement.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// Tx is an open write transaction. Everything staged through it is
// committed as one commit per touched version when the transaction ends.
// Tx methods must not call back into the engine's own Lix methods.
type Tx struct {
	l  *Lix
	tx bun.Tx

	// published is delivered to subscribers after the SQL commit.
	published []*storage.Change
	after     []func()
	// commits collects the commit ids written by this transaction.
	commits []string
}

// Tx runs fn in one write transaction. Writers are serialized per engine
// and per file. Any error rolls every tier back.
func (l *Lix) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	_, err := l.runTx(ctx, fn)
	return err
}

func (l *Lix) runTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (*Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Lock(ctx, l.lockTimeout); err != nil {
		return nil, fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() {
		if err := l.store.Unlock(); err != nil {
			log.Warnf("[Lix] unlock failed path=%s err=%v", l.store.Path(), err)
		}
	}()

	t := &Tx{l: l}
	err := l.store.RunInTx(ctx, func(ctx context.Context, btx bun.Tx) error {
		t.tx = btx
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.flush(ctx)
	})
	if err != nil {
		log.Debugf("[Lix] transaction rolled back err=%v", err)
		return nil, err
	}

	for _, f := range t.after {
		f()
	}
	if err := l.bus.Publish(t.published); err != nil {
		log.Warnf("[Lix] change handlers failed err=%v", err)
		if rerr := l.RebuildInheritanceCache(ctx); rerr != nil {
			log.Errorf("[Lix] inheritance cache rebuild failed err=%v", rerr)
		}
	}
	return t, nil
}

// flush commits everything staged so far.
func (t *Tx) flush(ctx context.Context) error {
	out, err := t.l.commitStaged(ctx, t.tx)
	if err != nil {
		return err
	}
	t.record(out)
	return nil
}

func (t *Tx) record(out *pipelineOutput) {
	if out == nil {
		return
	}
	t.published = append(t.published, out.Changes...)
	t.commits = append(t.commits, out.CommitIDs...)
}

// Exec compiles and runs sql. Writes to entity views are staged and
// committed when the transaction ends.
func (t *Tx) Exec(ctx context.Context, sqlText string, args ...any) (*Result, error) {
	compiled, err := t.l.compiler.Compile(sqlText)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, st := range compiled.Statements {
		switch st.Op {
		case sqlrewrite.OpQuery:
			cols, rows, err := queryRows(ctx, t.tx.Tx, st.SQL, st.Args(args))
			if err != nil {
				return nil, err
			}
			res.Columns, res.Rows = cols, rows
		case sqlrewrite.OpExec:
			r, err := t.tx.Tx.ExecContext(ctx, st.SQL, st.Args(args)...)
			if err != nil {
				return nil, err
			}
			if n, err := r.RowsAffected(); err == nil {
				res.RowsAffected += n
			}
		case sqlrewrite.OpStage:
			n, err := t.stage(ctx, st, args)
			if err != nil {
				return nil, err
			}
			res.RowsAffected += n
		}
	}
	return res, nil
}

// Query is Exec for statements that return rows.
func (t *Tx) Query(ctx context.Context, sqlText string, args ...any) (*Result, error) {
	return t.Exec(ctx, sqlText, args...)
}

// stageRow is one row returned by an OpStage statement.
type stageRow struct {
	snapshot  sql.NullString
	entityID  sql.NullString
	fileID    sql.NullString
	versionID sql.NullString
	untracked any
	pluginKey sql.NullString
	metadata  sql.NullString
}

func (t *Tx) stage(ctx context.Context, st sqlrewrite.Statement, args []any) (int64, error) {
	s, err := t.l.schemas.Get(st.Stage.SchemaKey)
	if err != nil {
		return 0, err
	}
	rows, err := t.tx.Tx.QueryContext(ctx, st.SQL, st.Args(args)...)
	if err != nil {
		return 0, err
	}
	var pending []stageRow
	for rows.Next() {
		var r stageRow
		if err := rows.Scan(&r.snapshot, &r.entityID, &r.fileID, &r.versionID, &r.untracked, &r.pluginKey, &r.metadata); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ts := t.l.timestamp()
	for _, r := range pending {
		if !r.versionID.Valid || r.versionID.String == "" {
			return 0, fmt.Errorf("%w: staged row of %s has no version", common.ErrInvalidSnapshot, s.Key)
		}
		args := state.StageArgs{
			VersionID: r.versionID.String,
			SchemaKey: s.Key,
			FileID:    r.fileID.String,
			PluginKey: r.pluginKey.String,
			EntityID:  r.entityID.String,
			Timestamp: ts,
			NewID:     t.l.newID,
		}
		if !st.Stage.Delete {
			if !r.snapshot.Valid {
				return 0, fmt.Errorf("%w: %s row without snapshot", common.ErrInvalidSnapshot, s.Key)
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(r.snapshot.String), &m); err != nil {
				return 0, fmt.Errorf("%w: %v", common.ErrInvalidSnapshot, err)
			}
			s.Coerce(m)
			args.Snapshot = m
		}
		if r.metadata.Valid && r.metadata.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(r.metadata.String), &m); err != nil {
				return 0, fmt.Errorf("%w: metadata: %v", common.ErrInvalidSnapshot, err)
			}
			args.Metadata = m
		}
		if truthy(r.untracked) {
			_, err = t.l.resolver.StageUntracked(ctx, t.tx, args)
		} else {
			_, err = t.l.resolver.Stage(ctx, t.tx, args)
		}
		if err != nil {
			return 0, err
		}
	}
	log.Tracef("[Lix] staged schema=%s rows=%d delete=%v", s.Key, len(pending), st.Stage.Delete)
	return int64(len(pending)), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []byte:
		s := string(x)
		return s != "" && s != "0" && s != "false"
	case string:
		return x != "" && x != "0" && x != "false"
	}
	return false
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryRows materializes a result set. Byte slices are returned as strings.
func queryRows(ctx context.Context, q queryer, sqlText string, args []any) ([]string, [][]any, error) {
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// Exec runs sql in its own write transaction. Statements that only read
// skip the write lock.
func (l *Lix) Exec(ctx context.Context, sqlText string, args ...any) (*Result, error) {
	compiled, err := l.compiler.Compile(sqlText)
	if err != nil {
		return nil, err
	}
	if compiled.ReadOnly {
		return l.query(ctx, compiled, args)
	}
	var res *Result
	err = l.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		res, err = tx.Exec(ctx, sqlText, args...)
		return err
	})
	return res, err
}

// Query runs a read against the last committed state.
func (l *Lix) Query(ctx context.Context, sqlText string, args ...any) (*Result, error) {
	compiled, err := l.compiler.Compile(sqlText)
	if err != nil {
		return nil, err
	}
	if !compiled.ReadOnly {
		return l.Exec(ctx, sqlText, args...)
	}
	return l.query(ctx, compiled, args)
}

func (l *Lix) query(ctx context.Context, compiled *sqlrewrite.Compiled, args []any) (*Result, error) {
	res := &Result{}
	for _, st := range compiled.Statements {
		cols, rows, err := queryRows(ctx, l.store.DB(), st.SQL, st.Args(args))
		if err != nil {
			return nil, err
		}
		res.Columns, res.Rows = cols, rows
	}
	return res, nil
}
