// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlrewrite compiles SQL over logical entity views into SQL over
// the physical state tiers. The pipeline is Tokenize, Analyze, Compile.
package sqlrewrite

import (
	"strings"
)

// TokenKind classifies a token.
type TokenKind int

const (
	TokIdent TokenKind = iota
	TokString
	TokNumber
	TokParam
	TokPunct
	TokSpace
	TokComment
)

// Token is a lexeme with its source text.
type Token struct {
	Kind TokenKind
	Text string
}

// Value returns an identifier without quotes.
func (t Token) Value() string {
	if t.Kind != TokIdent || len(t.Text) < 2 {
		return t.Text
	}
	switch t.Text[0] {
	case '"':
		return strings.ReplaceAll(t.Text[1:len(t.Text)-1], `""`, `"`)
	case '`':
		return strings.ReplaceAll(t.Text[1:len(t.Text)-1], "``", "`")
	case '[':
		return t.Text[1 : len(t.Text)-1]
	}
	return t.Text
}

// Is reports whether t is the unquoted keyword kw (case-insensitive).
func (t Token) Is(kw string) bool {
	return t.Kind == TokIdent && strings.EqualFold(t.Text, kw)
}

// IsPunct reports whether t is the punctuation p.
func (t Token) IsPunct(p string) bool {
	return t.Kind == TokPunct && t.Text == p
}

func (t Token) trivia() bool {
	return t.Kind == TokSpace || t.Kind == TokComment
}

// Tokenize splits sql into tokens. Concatenating every Text yields sql.
func Tokenize(sql string) []Token {
	var out []Token
	i := 0
	for i < len(sql) {
		c := sql[i]
		start := i
		switch {
		case isSpace(c):
			for i < len(sql) && isSpace(sql[i]) {
				i++
			}
			out = append(out, Token{TokSpace, sql[start:i]})
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			out = append(out, Token{TokComment, sql[start:i]})
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}
			out = append(out, Token{TokComment, sql[start:i]})
		case c == '\'':
			i = scanQuoted(sql, i, '\'')
			out = append(out, Token{TokString, sql[start:i]})
		case c == '"' || c == '`':
			i = scanQuoted(sql, i, c)
			out = append(out, Token{TokIdent, sql[start:i]})
		case c == '[':
			end := strings.IndexByte(sql[i:], ']')
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 1
			}
			out = append(out, Token{TokIdent, sql[start:i]})
		case (c == 'x' || c == 'X') && i+1 < len(sql) && sql[i+1] == '\'':
			i = scanQuoted(sql, i+1, '\'')
			out = append(out, Token{TokString, sql[start:i]})
		case isIdentStart(c):
			for i < len(sql) && isIdentPart(sql[i]) {
				i++
			}
			out = append(out, Token{TokIdent, sql[start:i]})
		case isDigit(c) || (c == '.' && i+1 < len(sql) && isDigit(sql[i+1])):
			i = scanNumber(sql, i)
			out = append(out, Token{TokNumber, sql[start:i]})
		case c == '?':
			i++
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
			out = append(out, Token{TokParam, sql[start:i]})
		case (c == ':' || c == '@' || c == '$') && i+1 < len(sql) && isIdentStart(sql[i+1]):
			i++
			for i < len(sql) && isIdentPart(sql[i]) {
				i++
			}
			out = append(out, Token{TokParam, sql[start:i]})
		default:
			i += punctLen(sql[i:])
			out = append(out, Token{TokPunct, sql[start:i]})
		}
	}
	return out
}

func scanQuoted(s string, i int, q byte) int {
	i++
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func scanNumber(s string, i int) int {
	if strings.HasPrefix(s[i:], "0x") || strings.HasPrefix(s[i:], "0X") {
		i += 2
		for i < len(s) && strings.IndexByte("0123456789abcdefABCDEF", s[i]) >= 0 {
			i++
		}
		return i
	}
	for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
		i++
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return i
}

var multiPunct = []string{"||", "<=", ">=", "<>", "!=", "==", "<<", ">>", "->>", "->"}

func punctLen(s string) int {
	for _, p := range multiPunct {
		if strings.HasPrefix(s, p) {
			return len(p)
		}
	}
	return 1
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80 }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) || c == '$' }

// Render concatenates tokens.
func Render(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// splitStatements splits tokens at top-level semicolons. Empty statements
// are dropped.
func splitStatements(tokens []Token) [][]Token {
	var out [][]Token
	depth, start := 0, 0
	flush := func(end int) {
		stmt := trim(tokens[start:end])
		if len(stmt) > 0 {
			out = append(out, stmt)
		}
	}
	for i, t := range tokens {
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case t.IsPunct(";") && depth == 0:
			flush(i)
			start = i + 1
		}
	}
	flush(len(tokens))
	return out
}

func trim(tokens []Token) []Token {
	for len(tokens) > 0 && tokens[0].trivia() {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].trivia() {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}
