package sqlrewrite

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"lix/internal/cache"
	"lix/internal/common"
	"lix/internal/metrics"
	"lix/internal/schema"
)

// Op says how the engine runs a compiled statement.
type Op int

const (
	// OpQuery returns rows.
	OpQuery Op = iota
	// OpExec runs against physical tables.
	OpExec
	// OpStage returns one row per entity to stage; see StageColumns.
	OpStage
)

// StageColumns is the column order of OpStage statements.
var StageColumns = []string{"snapshot_content", "entity_id", "file_id", "version_id", "untracked", "plugin_key", "metadata"}

// StageTarget describes the writes an OpStage statement produces.
type StageTarget struct {
	SchemaKey string
	// Delete stages tombstones.
	Delete bool
}

// Statement is one compiled statement.
type Statement struct {
	Op  Op
	SQL string
	// Params maps each numbered placeholder ?1..?n to an index of the
	// caller's positional arguments.
	Params []int
	// Named is set when the statement carries named parameters.
	Named bool
	Stage *StageTarget
}

// Args selects the arguments of this statement from the caller's.
func (s Statement) Args(args []any) []any {
	var positional []any
	var named []any
	for _, a := range args {
		if _, ok := a.(sql.NamedArg); ok {
			named = append(named, a)
		} else {
			positional = append(positional, a)
		}
	}
	out := make([]any, 0, len(s.Params)+len(named))
	for _, p := range s.Params {
		if p < len(positional) {
			out = append(out, positional[p])
		} else {
			out = append(out, nil)
		}
	}
	if s.Named {
		out = append(out, named...)
	}
	return out
}

// Compiled is the result of compiling one SQL text.
type Compiled struct {
	Statements []Statement
	// ReadOnly is set when every statement is a query.
	ReadOnly bool
	// FastPath is set when a point lookup was compiled to a tier lookup.
	FastPath bool
}

// Compiler rewrites SQL against the views of the registered schemas.
type Compiler struct {
	schemas *schema.Registry
	cache   *cache.StatementCache[*Compiled]
}

// NewCompiler returns a compiler memoizing up to cacheSize statements.
func NewCompiler(schemas *schema.Registry, cacheSize int) *Compiler {
	return &Compiler{schemas: schemas, cache: cache.NewStatementCache[*Compiled](cacheSize)}
}

// Stats returns statement cache statistics.
func (c *Compiler) Stats() cache.StatementCacheStats {
	return c.cache.Stats()
}

// Invalidate drops every memoized statement.
func (c *Compiler) Invalidate() {
	c.cache.Invalidate()
}

// Compile rewrites sql. The result depends only on sql and the schema
// registry revision, and is memoized on both.
func (c *Compiler) Compile(sqlText string) (*Compiled, error) {
	key := strconv.FormatUint(c.schemas.Revision(), 10) + "\x00" + sqlText
	if compiled, ok := c.cache.Get(key); ok {
		metrics.StatementCacheLookups.WithLabelValues("hit").Inc()
		return compiled, nil
	}
	metrics.StatementCacheLookups.WithLabelValues("miss").Inc()

	compiled, err := c.compile(sqlText)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, compiled)
	return compiled, nil
}

func (c *Compiler) compile(sqlText string) (*Compiled, error) {
	tokens := numberParams(Tokenize(sqlText))
	stmts := splitStatements(tokens)
	if len(stmts) == 0 {
		return nil, fmt.Errorf("%w: empty statement", common.ErrUnsupportedStatement)
	}

	out := &Compiled{ReadOnly: true}
	for _, stmt := range stmts {
		sh, err := Analyze(stmt)
		if err != nil {
			return nil, err
		}
		st, fast, err := c.compileShape(sh)
		if err != nil {
			return nil, err
		}
		st.SQL, st.Params, st.Named = localize(st.SQL)
		if st.Op != OpQuery {
			out.ReadOnly = false
		}
		out.FastPath = out.FastPath || fast
		out.Statements = append(out.Statements, st)
	}
	log.Tracef("[Rewrite] compiled statements=%d readonly=%v fastpath=%v", len(out.Statements), out.ReadOnly, out.FastPath)
	return out, nil
}

var txControl = map[string]bool{"BEGIN": true, "COMMIT": true, "END": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true}

func (c *Compiler) compileShape(sh *Shape) (Statement, bool, error) {
	first := strings.ToUpper(sh.Tokens[significant(sh.Tokens)[0]].Text)
	if txControl[first] {
		return Statement{}, false, fmt.Errorf("%w: %s is managed by the engine", common.ErrUnsupportedStatement, first)
	}

	if sh.Target != nil {
		if v, ok := c.lookupView(sh.Target.Name); ok {
			st, err := c.compileWrite(sh, v)
			return st, false, err
		}
	}

	if sh.Kind == KindSelect && len(sh.Tables) == 1 {
		if v, ok := c.lookupView(sh.Tables[0].Name); ok {
			if sqlText, ok := c.fastPath(sh, v); ok {
				return Statement{Op: OpQuery, SQL: sqlText}, true, nil
			}
		}
	}

	rendered := c.substitute(sh.Tokens, sh.Tables, nil)
	op := OpExec
	if sh.Kind == KindSelect || sh.Kind == KindPragma {
		op = OpQuery
	}
	return Statement{Op: op, SQL: rendered}, false, nil
}

func (c *Compiler) lookupView(name string) (view, bool) {
	lower := strings.ToLower(name)
	for _, key := range c.schemas.Keys() {
		if kind, ok := ViewNames(key)[lower]; ok {
			s, _ := c.schemas.Lookup(key)
			return view{schema: s, kind: kind, name: name}, true
		}
	}
	return view{}, false
}

// substitute renders tokens with every view reference replaced by its
// subquery. Views keep their name as alias so qualified columns resolve.
func (c *Compiler) substitute(tokens []Token, refs []TableRef, override map[int]string) string {
	replace := make(map[int]string, len(refs))
	for _, ref := range refs {
		v, ok := c.lookupView(ref.Name)
		if !ok {
			continue
		}
		sub := viewSQL(v)
		if s, ok := override[ref.Index]; ok {
			sub = s
		}
		if ref.Alias == "" {
			sub += " AS " + quoteIdent(ref.Name)
		}
		replace[ref.Index] = sub
	}
	var b strings.Builder
	for i, t := range tokens {
		if s, ok := replace[i]; ok {
			b.WriteString(s)
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// fragment rewrites an expression or sub-select.
func (c *Compiler) fragment(tokens []Token) string {
	return c.substitute(tokens, tableRefs(tokens, significant(tokens), nil), nil)
}

// fastPath compiles SELECT ... FROM v WHERE pk = X [AND lixcol_version_id = Y] LIMIT 1
// to a tier lookup. The pk must be a single string property.
func (c *Compiler) fastPath(sh *Shape, v view) (string, bool) {
	if v.kind == ViewHistory || len(v.schema.PrimaryKey) != 1 {
		return "", false
	}
	pk := v.schema.PrimaryKey[0]
	if prop, ok := v.schema.Properties[pk]; !ok || !typeIs(prop.Type, "string") {
		return "", false
	}
	ref := sh.Tables[0]
	if ref.Alias != "" {
		return "", false
	}
	tokens := sh.Tokens
	sig := significant(tokens)

	n := -1
	for m, i := range sig {
		if i == ref.Index {
			n = m
			break
		}
	}
	if n < 1 || !tokens[sig[n-1]].Is("FROM") || hasParenAfter(tokens, sig, n) {
		return "", false
	}
	n++
	if !peek(tokens, sig, n).Is("WHERE") {
		return "", false
	}
	n++

	conds := map[string]Token{}
	for {
		col, eq, val := peek(tokens, sig, n), peek(tokens, sig, n+1), peek(tokens, sig, n+2)
		if col.Kind != TokIdent || !eq.IsPunct("=") || (val.Kind != TokParam && val.Kind != TokString) {
			return "", false
		}
		if val.Kind == TokParam && val.Text[0] != '?' {
			return "", false
		}
		conds[strings.ToLower(col.Value())] = val
		n += 3
		if !peek(tokens, sig, n).Is("AND") {
			break
		}
		n++
	}
	if !peek(tokens, sig, n).Is("LIMIT") || peek(tokens, sig, n+1).Text != "1" || n+2 != len(sig) {
		return "", false
	}

	entity, ok := conds[strings.ToLower(pk)]
	if !ok {
		return "", false
	}
	version, hasVersion := conds["lixcol_version_id"]
	switch {
	case v.kind == ViewActive && len(conds) == 1:
		version = Token{Kind: TokIdent, Text: activeVersionSQL}
	case v.kind == ViewAll && hasVersion && len(conds) == 2:
	default:
		return "", false
	}

	lookup := pointLookupSQL(v.schema, entity.Text, version.Text)
	return c.substitute(tokens, sh.Tables, map[int]string{ref.Index: lookup}), true
}

func hasParenAfter(tokens []Token, sig []int, n int) bool {
	for _, i := range sig[n:] {
		if tokens[i].IsPunct("(") {
			return true
		}
	}
	return false
}

func typeIs(types schema.TypeList, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// Control columns writable through a view.
const (
	colFileID    = "lixcol_file_id"
	colVersionID = "lixcol_version_id"
	colUntracked = "lixcol_untracked"
	colPluginKey = "lixcol_plugin_key"
	colMetadata  = "lixcol_metadata"
)

func (c *Compiler) compileWrite(sh *Shape, v view) (Statement, error) {
	if v.kind == ViewHistory {
		return Statement{}, fmt.Errorf("%w: %s", common.ErrReadOnlyView, v.name)
	}
	if sh.Unsupported != "" {
		return Statement{}, fmt.Errorf("%w: %s on view %s", common.ErrUnsupportedStatement, sh.Unsupported, v.name)
	}
	var sqlText string
	var err error
	switch sh.Kind {
	case KindInsert:
		sqlText, err = c.compileInsert(sh, v)
	case KindUpdate:
		sqlText, err = c.compileUpdate(sh, v)
	case KindDelete:
		sqlText = c.compileDelete(sh, v)
	default:
		err = fmt.Errorf("%w: write on view %s", common.ErrUnsupportedStatement, v.name)
	}
	if err != nil {
		return Statement{}, err
	}
	return Statement{
		Op:    OpStage,
		SQL:   sqlText,
		Stage: &StageTarget{SchemaKey: v.schema.Key, Delete: sh.Kind == KindDelete},
	}, nil
}

func (c *Compiler) compileInsert(sh *Shape, v view) (string, error) {
	if len(sh.Columns) == 0 {
		return "", fmt.Errorf("%w: INSERT into view %s needs a column list", common.ErrUnsupportedStatement, v.name)
	}
	for _, col := range sh.Columns {
		if !v.schema.HasProperty(col) && !isControlColumn(col) {
			return "", fmt.Errorf("%w: view %s has no writable column %q", common.ErrInvalidSnapshot, v.name, col)
		}
	}

	row := func(exprs []string) string {
		var pairs []string
		control := map[string]string{}
		for i, col := range sh.Columns {
			if isControlColumn(col) {
				control[strings.ToLower(col)] = exprs[i]
				continue
			}
			pairs = append(pairs, quoteString(col), exprs[i])
		}
		return "SELECT " + stageSelect(
			"json_object("+strings.Join(pairs, ", ")+")",
			"NULL",
			orDefault(control[colFileID], "NULL"),
			orDefault(control[colVersionID], activeVersionSQL),
			orDefault(control[colUntracked], "0"),
			orDefault(control[colPluginKey], "NULL"),
			orDefault(control[colMetadata], "NULL"),
		)
	}

	if sh.Source != nil {
		var names []string
		exprs := make([]string, len(sh.Columns))
		for i := range sh.Columns {
			names = append(names, fmt.Sprintf("__c%d", i+1))
			exprs[i] = names[i]
		}
		return fmt.Sprintf("WITH __src(%s) AS (%s) %s FROM __src",
			strings.Join(names, ", "), c.fragment(sh.Source), row(exprs)), nil
	}

	if len(sh.Rows) == 0 {
		return "", fmt.Errorf("%w: INSERT into view %s has no rows", common.ErrUnsupportedStatement, v.name)
	}
	var selects []string
	for n, r := range sh.Rows {
		if len(r) != len(sh.Columns) {
			return "", fmt.Errorf("%w: row %d has %d values for %d columns", common.ErrUnsupportedStatement, n+1, len(r), len(sh.Columns))
		}
		exprs := make([]string, len(r))
		for i, e := range r {
			exprs[i] = c.fragment(e)
		}
		selects = append(selects, row(exprs))
	}
	return strings.Join(selects, "\nUNION ALL\n"), nil
}

func (c *Compiler) compileUpdate(sh *Shape, v view) (string, error) {
	snapshot := "lixcol_snapshot_content"
	untracked := "lixcol_untracked"
	metadata := "lixcol_metadata"
	var pairs []string
	for _, a := range sh.Set {
		expr := c.fragment(a.Expr)
		switch strings.ToLower(a.Column) {
		case colUntracked:
			untracked = expr
		case colMetadata:
			metadata = expr
		default:
			if !v.schema.HasProperty(a.Column) {
				return "", fmt.Errorf("%w: view %s has no writable column %q", common.ErrInvalidSnapshot, v.name, a.Column)
			}
			pairs = append(pairs, jsonPath(a.Column), expr)
		}
	}
	if len(pairs) > 0 {
		snapshot = "json_set(lixcol_snapshot_content, " + strings.Join(pairs, ", ") + ")"
	}
	return c.stageFrom(sh, v, stageSelect(snapshot, "lixcol_entity_id", "lixcol_file_id", "lixcol_version_id",
		untracked, "lixcol_plugin_key", metadata)), nil
}

func (c *Compiler) compileDelete(sh *Shape, v view) string {
	return c.stageFrom(sh, v, stageSelect("NULL", "lixcol_entity_id", "lixcol_file_id", "lixcol_version_id",
		"lixcol_untracked", "lixcol_plugin_key", "lixcol_metadata"))
}

// stageFrom selects stage rows from the view filtered by the statement's WHERE.
func (c *Compiler) stageFrom(sh *Shape, v view, cols string) string {
	alias := sh.Target.Alias
	if alias == "" {
		alias = sh.Target.Name
	}
	out := fmt.Sprintf("SELECT %s FROM %s AS %s", cols, viewSQL(v), quoteIdent(alias))
	if len(sh.Where) > 0 {
		out += " WHERE " + c.fragment(sh.Where)
	}
	return out
}

func stageSelect(exprs ...string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e + " AS " + StageColumns[i]
	}
	return strings.Join(parts, ", ")
}

func isControlColumn(col string) bool {
	switch strings.ToLower(col) {
	case colFileID, colVersionID, colUntracked, colPluginKey, colMetadata:
		return true
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// numberParams gives every bare ? an explicit number, following SQLite:
// a bare ? is one more than the largest number seen so far.
func numberParams(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	copy(out, tokens)
	largest := 0
	for i, t := range out {
		if t.Kind != TokParam || t.Text[0] != '?' {
			continue
		}
		if len(t.Text) == 1 {
			largest++
			out[i].Text = "?" + strconv.Itoa(largest)
			continue
		}
		if n, err := strconv.Atoi(t.Text[1:]); err == nil && n > largest {
			largest = n
		}
	}
	return out
}

// localize renumbers ?N placeholders densely in order of first use and
// returns the caller argument index of each.
func localize(sqlText string) (string, []int, bool) {
	tokens := Tokenize(sqlText)
	local := map[int]int{}
	params := []int{}
	named := false
	for i, t := range tokens {
		if t.Kind != TokParam {
			continue
		}
		if t.Text[0] != '?' {
			named = true
			continue
		}
		n, err := strconv.Atoi(t.Text[1:])
		if err != nil {
			continue
		}
		l, ok := local[n]
		if !ok {
			params = append(params, n-1)
			l = len(params)
			local[n] = l
		}
		tokens[i].Text = "?" + strconv.Itoa(l)
	}
	return Render(tokens), params, named
}
