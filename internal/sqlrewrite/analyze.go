package sqlrewrite

import (
	"fmt"
	"strings"

	"lix/internal/common"
)

// Kind is the statement class.
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindPragma
	KindOther
)

// TableRef is a table name in a FROM, JOIN, INTO, UPDATE or DELETE position.
type TableRef struct {
	// Index of the name token in Shape.Tokens.
	Index int
	Name  string
	Alias string
}

// Assignment is one SET clause of an UPDATE.
type Assignment struct {
	Column string
	Expr   []Token
}

// Shape is the analyzed form of one statement.
type Shape struct {
	Kind   Kind
	Tokens []Token
	// Tables lists read references. A write target is not included.
	Tables []TableRef
	Target *TableRef

	// INSERT
	Columns []string
	Rows    [][][]Token
	Source  []Token

	// UPDATE
	Set []Assignment

	// UPDATE and DELETE
	Where []Token

	// Unsupported names a clause the rewriter cannot carry onto a view.
	Unsupported string
}

// clauseEnd ends a FROM list at the depth it appears.
var clauseEnd = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "WINDOW": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true, "RETURNING": true, "SET": true, "VALUES": true,
}

// notAlias may follow a table name without being its alias.
var notAlias = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "WINDOW": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true, "ON": true, "USING": true, "RETURNING": true,
	"SET": true, "VALUES": true, "JOIN": true, "LEFT": true, "RIGHT": true, "FULL": true, "INNER": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "INDEXED": true, "NOT": true, "SELECT": true,
	"DEFAULT": true, "OFFSET": true,
}

// Analyze classifies one statement and locates its table references.
func Analyze(tokens []Token) (*Shape, error) {
	tokens = trim(tokens)
	sh := &Shape{Tokens: tokens, Kind: KindOther}
	sig := significant(tokens)
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: empty statement", common.ErrUnsupportedStatement)
	}
	if stmts := splitStatements(tokens); len(stmts) > 1 {
		return nil, fmt.Errorf("%w: Analyze takes one statement", common.ErrUnsupportedStatement)
	}

	first := tokens[sig[0]]
	switch {
	case first.Is("SELECT"), first.Is("VALUES"), first.Is("EXPLAIN"):
		sh.Kind = KindSelect
	case first.Is("WITH"):
		sh.Kind = KindSelect
		for _, i := range depthZero(tokens, sig) {
			t := tokens[i]
			if t.Is("INSERT") || t.Is("REPLACE") || t.Is("UPDATE") || t.Is("DELETE") {
				sh.Kind = KindOther
				sh.Unsupported = "WITH before " + strings.ToUpper(t.Text)
				break
			}
		}
	case first.Is("INSERT"), first.Is("REPLACE"):
		sh.Kind = KindInsert
	case first.Is("UPDATE"):
		sh.Kind = KindUpdate
	case first.Is("DELETE"):
		sh.Kind = KindDelete
	case first.Is("PRAGMA"):
		sh.Kind = KindPragma
	}

	var err error
	switch sh.Kind {
	case KindInsert:
		err = analyzeInsert(sh, sig)
	case KindUpdate:
		err = analyzeUpdate(sh, sig)
	case KindDelete:
		err = analyzeDelete(sh, sig)
	}
	if err != nil {
		return nil, err
	}
	sh.Tables = tableRefs(tokens, sig, sh.Target)
	return sh, nil
}

func significant(tokens []Token) []int {
	sig := make([]int, 0, len(tokens))
	for i, t := range tokens {
		if !t.trivia() {
			sig = append(sig, i)
		}
	}
	return sig
}

func depthZero(tokens []Token, sig []int) []int {
	var out []int
	depth := 0
	for _, i := range sig {
		t := tokens[i]
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case depth == 0:
			out = append(out, i)
		}
	}
	return out
}

// tableRefs finds names in FROM and JOIN positions at every depth.
func tableRefs(tokens []Token, sig []int, target *TableRef) []TableRef {
	ctes := cteNames(tokens, sig)
	var refs []TableRef
	inFrom := map[int]bool{}
	depth := 0
	expect := false
	for n := 0; n < len(sig); n++ {
		i := sig[n]
		t := tokens[i]
		switch {
		case t.IsPunct("("):
			expect = false
			depth++
			continue
		case t.IsPunct(")"):
			inFrom[depth] = false
			depth--
			continue
		case t.IsPunct(","):
			if inFrom[depth] {
				expect = true
			}
			continue
		}
		if t.Kind != TokIdent {
			expect = false
			continue
		}
		upper := strings.ToUpper(t.Text)
		if upper == "FROM" || upper == "JOIN" {
			inFrom[depth] = true
			expect = true
			continue
		}
		if clauseEnd[upper] {
			inFrom[depth] = false
			expect = false
			continue
		}
		if !expect {
			continue
		}
		expect = false
		next := peek(tokens, sig, n+1)
		if next.IsPunct("(") || next.IsPunct(".") {
			continue
		}
		if target != nil && target.Index == i {
			continue
		}
		if ctes[strings.ToLower(t.Value())] {
			continue
		}
		ref := TableRef{Index: i, Name: t.Value()}
		ref.Alias, n = aliasAt(tokens, sig, n+1)
		n--
		refs = append(refs, ref)
	}
	return refs
}

// aliasAt reads an optional [AS] alias starting at sig[n]. It returns the
// alias and the sig position after it.
func aliasAt(tokens []Token, sig []int, n int) (string, int) {
	t := peek(tokens, sig, n)
	if t.Is("AS") {
		a := peek(tokens, sig, n+1)
		if a.Kind == TokIdent {
			return a.Value(), n + 2
		}
		return "", n + 1
	}
	if t.Kind == TokIdent && !notAlias[strings.ToUpper(t.Text)] {
		return t.Value(), n + 1
	}
	return "", n
}

func cteNames(tokens []Token, sig []int) map[string]bool {
	names := map[string]bool{}
	for n := 0; n+2 < len(sig); n++ {
		a, b, c := tokens[sig[n]], tokens[sig[n+1]], tokens[sig[n+2]]
		if a.Kind == TokIdent && b.Is("AS") && c.IsPunct("(") {
			names[strings.ToLower(a.Value())] = true
		}
		if a.Kind == TokIdent && b.IsPunct("(") && n > 0 {
			prev := tokens[sig[n-1]]
			if prev.Is("WITH") || prev.Is("RECURSIVE") || prev.IsPunct(",") {
				// name(cols) AS (
				if end := matchParen(tokens, sig, n+1); end > 0 && end+2 < len(sig) &&
					tokens[sig[end+1]].Is("AS") && tokens[sig[end+2]].IsPunct("(") {
					names[strings.ToLower(a.Value())] = true
				}
			}
		}
	}
	return names
}

// matchParen returns the sig position of the ")" closing sig[open].
func matchParen(tokens []Token, sig []int, open int) int {
	depth := 0
	for n := open; n < len(sig); n++ {
		t := tokens[sig[n]]
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
			if depth == 0 {
				return n
			}
		}
	}
	return -1
}

func peek(tokens []Token, sig []int, n int) Token {
	if n < 0 || n >= len(sig) {
		return Token{Kind: TokSpace}
	}
	return tokens[sig[n]]
}

// skipConflictClause skips OR <action> after INSERT or UPDATE.
func skipConflictClause(tokens []Token, sig []int, n int) int {
	if peek(tokens, sig, n).Is("OR") {
		return n + 2
	}
	return n
}

func analyzeInsert(sh *Shape, sig []int) error {
	tokens := sh.Tokens
	n := skipConflictClause(tokens, sig, 1)
	if !peek(tokens, sig, n).Is("INTO") {
		return fmt.Errorf("%w: INSERT without INTO", common.ErrUnsupportedStatement)
	}
	n++
	name := peek(tokens, sig, n)
	if name.Kind != TokIdent || peek(tokens, sig, n+1).IsPunct(".") {
		return nil
	}
	sh.Target = &TableRef{Index: sig[n], Name: name.Value()}
	sh.Target.Alias, n = aliasAt(tokens, sig, n+1)

	if peek(tokens, sig, n).IsPunct("(") {
		end := matchParen(tokens, sig, n)
		if end < 0 {
			return fmt.Errorf("%w: unbalanced column list", common.ErrUnsupportedStatement)
		}
		for _, col := range splitTopLevel(tokens[sig[n]+1 : sig[end]]) {
			if len(col) != 1 || col[0].Kind != TokIdent {
				return fmt.Errorf("%w: bad column list", common.ErrUnsupportedStatement)
			}
			sh.Columns = append(sh.Columns, col[0].Value())
		}
		n = end + 1
	}

	switch t := peek(tokens, sig, n); {
	case t.Is("VALUES"):
		n++
		for peek(tokens, sig, n).IsPunct("(") {
			end := matchParen(tokens, sig, n)
			if end < 0 {
				return fmt.Errorf("%w: unbalanced VALUES row", common.ErrUnsupportedStatement)
			}
			sh.Rows = append(sh.Rows, splitTopLevel(tokens[sig[n]+1:sig[end]]))
			n = end + 1
			if !peek(tokens, sig, n).IsPunct(",") {
				break
			}
			n++
		}
	case t.Is("SELECT"), t.Is("WITH"):
		end := len(sig)
		for m := n; m < len(sig); m++ {
			if tokens[sig[m]].Is("RETURNING") || (tokens[sig[m]].Is("ON") && peek(tokens, sig, m+1).Is("CONFLICT")) {
				end = m
				break
			}
		}
		sh.Source = trim(tokens[sig[n]:endIndex(tokens, sig, end)])
		n = end
	case t.Is("DEFAULT"):
		sh.Unsupported = "DEFAULT VALUES"
		return nil
	}
	if n < len(sig) {
		sh.Unsupported = strings.ToUpper(tokens[sig[n]].Text) + " clause"
	}
	return nil
}

func endIndex(tokens []Token, sig []int, n int) int {
	if n >= len(sig) {
		return len(tokens)
	}
	return sig[n]
}

func analyzeUpdate(sh *Shape, sig []int) error {
	tokens := sh.Tokens
	n := skipConflictClause(tokens, sig, 1)
	name := peek(tokens, sig, n)
	if name.Kind != TokIdent || peek(tokens, sig, n+1).IsPunct(".") {
		return nil
	}
	sh.Target = &TableRef{Index: sig[n], Name: name.Value()}
	sh.Target.Alias, n = aliasAt(tokens, sig, n+1)
	if !peek(tokens, sig, n).Is("SET") {
		return fmt.Errorf("%w: UPDATE without SET", common.ErrUnsupportedStatement)
	}
	n++

	// SET list runs to the first depth-zero WHERE/FROM/RETURNING/ORDER/LIMIT.
	end := len(sig)
	depth := 0
	for m := n; m < len(sig); m++ {
		t := tokens[sig[m]]
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
		} else if depth == 0 && (t.Is("WHERE") || t.Is("FROM") || t.Is("RETURNING") || t.Is("ORDER") || t.Is("LIMIT")) {
			end = m
			break
		}
	}
	for _, part := range splitTopLevel(tokens[sig[n]:endIndex(tokens, sig, end)]) {
		ps := significant(part)
		if len(ps) < 3 || part[ps[0]].Kind != TokIdent || !part[ps[1]].IsPunct("=") {
			return fmt.Errorf("%w: unsupported SET clause %q", common.ErrUnsupportedStatement, Render(part))
		}
		sh.Set = append(sh.Set, Assignment{Column: part[ps[0]].Value(), Expr: trim(part[ps[1]+1:])})
	}
	return analyzeWhere(sh, sig, end)
}

func analyzeDelete(sh *Shape, sig []int) error {
	tokens := sh.Tokens
	if !peek(tokens, sig, 1).Is("FROM") {
		return fmt.Errorf("%w: DELETE without FROM", common.ErrUnsupportedStatement)
	}
	name := peek(tokens, sig, 2)
	if name.Kind != TokIdent || peek(tokens, sig, 3).IsPunct(".") {
		return nil
	}
	sh.Target = &TableRef{Index: sig[2], Name: name.Value()}
	var n int
	sh.Target.Alias, n = aliasAt(tokens, sig, 3)
	return analyzeWhere(sh, sig, n)
}

// analyzeWhere reads [WHERE expr] at sig[n] up to RETURNING, ORDER or LIMIT.
func analyzeWhere(sh *Shape, sig []int, n int) error {
	tokens := sh.Tokens
	if n >= len(sig) {
		return nil
	}
	if !tokens[sig[n]].Is("WHERE") {
		sh.Unsupported = strings.ToUpper(tokens[sig[n]].Text) + " clause"
		return nil
	}
	n++
	end := len(sig)
	depth := 0
	for m := n; m < len(sig); m++ {
		t := tokens[sig[m]]
		if t.IsPunct("(") {
			depth++
		} else if t.IsPunct(")") {
			depth--
		} else if depth == 0 && (t.Is("RETURNING") || t.Is("ORDER") || t.Is("LIMIT")) {
			end = m
			sh.Unsupported = strings.ToUpper(t.Text) + " clause"
			break
		}
	}
	if n < len(sig) {
		sh.Where = trim(tokens[sig[n]:endIndex(tokens, sig, end)])
	}
	return nil
}

// splitTopLevel splits tokens at depth-zero commas.
func splitTopLevel(tokens []Token) [][]Token {
	var out [][]Token
	depth, start := 0, 0
	for i, t := range tokens {
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case t.IsPunct(",") && depth == 0:
			out = append(out, trim(tokens[start:i]))
			start = i + 1
		}
	}
	if rest := trim(tokens[start:]); len(rest) > 0 || len(out) > 0 {
		out = append(out, rest)
	}
	return out
}
