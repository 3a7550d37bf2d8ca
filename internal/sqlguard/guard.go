// Package sqlguard is the validation gate between the upstream model and the
// store. Generated statements are untrusted text: nothing reaches the store
// unless it is a single read-only statement referencing only the loaded
// schema.
package sqlguard

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/askdb/askdb/internal/dataset"
)

// Rejection reasons, used as metric labels and fed back to the model as
// clarification on retry.
const (
	ReasonEmpty             = "empty"
	ReasonChained           = "statement_chaining"
	ReasonNotSelect         = "not_select"
	ReasonDeniedKeyword     = "denied_keyword"
	ReasonUnknownIdentifier = "unknown_identifier"
)

type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("statement rejected (%s): %s", e.Reason, e.Detail)
}

// deniedKeywords covers every mutating or environment-altering verb DuckDB
// understands, not just the common DML set. Engine-level permissions are not
// relied on; this gate is the contract.
var deniedKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {}, "alter": {},
	"truncate": {}, "attach": {}, "detach": {}, "pragma": {}, "create": {},
	"copy": {}, "export": {}, "import": {}, "install": {}, "load": {},
	"call": {}, "set": {}, "reset": {}, "grant": {}, "revoke": {},
	"vacuum": {}, "checkpoint": {}, "begin": {}, "commit": {}, "rollback": {},
	"merge": {}, "use": {},
}

// deniedFunctions lists DuckDB functions that reach outside the loaded
// dataset: file readers, globbing, and environment access. They are table
// functions, so the plain keyword scan would let them through as callables.
var deniedFunctions = map[string]struct{}{
	"read_csv": {}, "read_csv_auto": {}, "sniff_csv": {},
	"read_parquet": {}, "parquet_scan": {}, "parquet_metadata": {}, "parquet_schema": {},
	"read_json": {}, "read_json_auto": {}, "read_json_objects": {},
	"read_ndjson": {}, "read_ndjson_auto": {}, "read_ndjson_objects": {},
	"read_text": {}, "read_blob": {}, "read_xlsx": {},
	"glob": {}, "getenv": {},
}

var selectKeywords = map[string]struct{}{
	"select": {}, "with": {}, "from": {}, "where": {}, "group": {}, "by": {},
	"order": {}, "having": {}, "limit": {}, "offset": {}, "as": {}, "and": {},
	"or": {}, "not": {}, "in": {}, "is": {}, "null": {}, "like": {},
	"ilike": {}, "between": {}, "case": {}, "when": {}, "then": {},
	"else": {}, "end": {}, "distinct": {}, "on": {}, "join": {}, "inner": {},
	"left": {}, "right": {}, "full": {}, "outer": {}, "cross": {},
	"union": {}, "all": {}, "except": {}, "intersect": {}, "asc": {},
	"desc": {}, "nulls": {}, "first": {}, "last": {}, "cast": {}, "true": {},
	"false": {}, "exists": {}, "any": {}, "some": {}, "using": {},
	"natural": {}, "qualify": {}, "over": {}, "partition": {}, "rows": {},
	"range": {}, "unbounded": {}, "preceding": {}, "following": {},
	"current": {}, "row": {}, "filter": {}, "interval": {}, "escape": {},
	"collate": {}, "values": {}, "top": {},
	// date parts show up bare inside EXTRACT(... FROM ...)
	"year": {}, "month": {}, "day": {}, "hour": {}, "minute": {},
	"second": {}, "epoch": {}, "week": {}, "quarter": {}, "dow": {}, "doy": {},
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuotedIdent
	tokenPunct
	tokenLiteral
)

type token struct {
	kind tokenKind
	text string
	// callable marks a word immediately followed by '(', which makes it a
	// function invocation rather than a schema reference.
	callable bool
}

// Validate accepts or rejects a generated statement before execution.
func Validate(sqlText string, schema dataset.Descriptor) error {
	tokens, err := tokenize(sqlText)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return &ValidationError{Reason: ReasonEmpty, Detail: "statement is empty"}
	}

	if err := checkSingleStatement(tokens); err != nil {
		return err
	}
	tokens = trimTrailingSemicolons(tokens)
	if len(tokens) == 0 {
		return &ValidationError{Reason: ReasonEmpty, Detail: "statement is empty"}
	}

	first := tokens[0]
	if first.kind != tokenWord || (first.text != "select" && first.text != "with") {
		return &ValidationError{Reason: ReasonNotSelect, Detail: "only SELECT or WITH statements are allowed"}
	}

	for _, tok := range tokens {
		if tok.kind != tokenWord {
			continue
		}
		if _, denied := deniedKeywords[tok.text]; denied {
			return &ValidationError{Reason: ReasonDeniedKeyword, Detail: fmt.Sprintf("keyword %q is not allowed", strings.ToUpper(tok.text))}
		}
	}

	if err := checkFunctions(tokens); err != nil {
		return err
	}
	return checkIdentifiers(tokens, schema)
}

// checkFunctions guards the loophole the identifier allowlist leaves open:
// callables are exempt from schema resolution, but DuckDB table functions
// like read_csv can pull in data the descriptor never loaded. Known
// file/environment readers are rejected outright, and any other callable or
// string literal in table position is rejected because it cannot resolve to
// the schema.
func checkFunctions(tokens []token) error {
	for i, tok := range tokens {
		tablePosition := i > 0 && tokens[i-1].kind == tokenWord &&
			(tokens[i-1].text == "from" || tokens[i-1].text == "join")

		if tok.kind == tokenLiteral {
			if tablePosition {
				return &ValidationError{Reason: ReasonUnknownIdentifier, Detail: "string literals are not valid table references"}
			}
			continue
		}
		if !tok.callable {
			continue
		}

		name := tok.text
		if tok.kind == tokenQuotedIdent {
			name = strings.ToLower(tok.text)
		}
		if _, denied := deniedFunctions[name]; denied {
			return &ValidationError{Reason: ReasonDeniedKeyword, Detail: fmt.Sprintf("function %q is not allowed", name)}
		}
		if tablePosition {
			return &ValidationError{Reason: ReasonUnknownIdentifier, Detail: fmt.Sprintf("table function %q is not part of the dataset schema", name)}
		}
	}
	return nil
}

func checkSingleStatement(tokens []token) error {
	for i, tok := range tokens {
		if tok.kind == tokenPunct && tok.text == ";" {
			for _, rest := range tokens[i+1:] {
				if rest.kind != tokenPunct || rest.text != ";" {
					return &ValidationError{Reason: ReasonChained, Detail: "multiple statements are not allowed"}
				}
			}
		}
	}
	return nil
}

func trimTrailingSemicolons(tokens []token) []token {
	for len(tokens) > 0 {
		last := tokens[len(tokens)-1]
		if last.kind == tokenPunct && last.text == ";" {
			tokens = tokens[:len(tokens)-1]
			continue
		}
		break
	}
	return tokens
}

// checkIdentifiers verifies every schema reference resolves to the loaded
// table or one of its columns. Aliases the statement introduces itself
// (AS aliases, bare aliases, CTE names, implicit table aliases) are
// collected first and then permitted.
func checkIdentifiers(tokens []token, schema dataset.Descriptor) error {
	known := make(map[string]struct{}, len(schema.Columns)+1)
	known[strings.ToLower(schema.Table)] = struct{}{}
	for _, column := range schema.Columns {
		known[strings.ToLower(column.Name)] = struct{}{}
	}

	aliases := collectAliases(tokens, known)

	for _, tok := range tokens {
		if tok.callable {
			continue
		}
		name := ""
		switch tok.kind {
		case tokenWord:
			if _, keyword := selectKeywords[tok.text]; keyword {
				continue
			}
			name = tok.text
		case tokenQuotedIdent:
			name = strings.ToLower(tok.text)
		default:
			continue
		}

		if _, ok := known[name]; ok {
			continue
		}
		if _, ok := aliases[name]; ok {
			continue
		}
		return &ValidationError{Reason: ReasonUnknownIdentifier, Detail: fmt.Sprintf("identifier %q is not part of the dataset schema", tok.text)}
	}
	return nil
}

func collectAliases(tokens []token, known map[string]struct{}) map[string]struct{} {
	aliases := map[string]struct{}{}

	identText := func(tok token) (string, bool) {
		switch tok.kind {
		case tokenWord:
			if _, keyword := selectKeywords[tok.text]; keyword {
				return "", false
			}
			return tok.text, true
		case tokenQuotedIdent:
			return strings.ToLower(tok.text), true
		default:
			return "", false
		}
	}

	for i, tok := range tokens {
		// `expr AS name` aliases the word to the right of AS. A CTE header
		// `name AS (...)` additionally aliases the word to the left, but
		// only the parenthesized form: anything else left of AS must still
		// resolve against the schema.
		if tok.kind == tokenWord && tok.text == "as" {
			if i+1 < len(tokens) {
				next := tokens[i+1]
				if name, ok := identText(next); ok {
					aliases[name] = struct{}{}
				}
				if next.kind == tokenPunct && next.text == "(" && i > 0 {
					if name, ok := identText(tokens[i-1]); ok {
						aliases[name] = struct{}{}
					}
				}
			}
		}

		// Bare alias after a parenthesized expression or subquery:
		// `COUNT(*) cnt`, `FROM (SELECT ...) sub`.
		if i > 0 && tokens[i-1].kind == tokenPunct && tokens[i-1].text == ")" && !tok.callable {
			if name, ok := identText(tok); ok {
				aliases[name] = struct{}{}
			}
		}

		// Implicit table alias: `FROM salaries s`.
		if name, ok := identText(tok); ok {
			if _, isTable := known[name]; isTable && i+1 < len(tokens) {
				if alias, ok := identText(tokens[i+1]); ok && !tokens[i+1].callable {
					aliases[alias] = struct{}{}
				}
			}
		}
	}
	return aliases
}

// tokenize splits the statement into words, quoted identifiers, and
// punctuation. String literals and comments are consumed and dropped so a
// denylisted verb cannot hide inside them, and keywords cannot be smuggled
// out through them either.
func tokenize(sqlText string) ([]token, error) {
	runes := []rune(sqlText)
	tokens := make([]token, 0, 32)

	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			if i+1 >= len(runes) {
				return nil, &ValidationError{Reason: ReasonEmpty, Detail: "unterminated comment"}
			}
			i += 2
		case r == '\'':
			i++
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			if i >= len(runes) {
				return nil, &ValidationError{Reason: ReasonEmpty, Detail: "unterminated string literal"}
			}
			i++
			// Literal content is dropped, but the position matters: DuckDB
			// accepts a bare file path in table position.
			tokens = append(tokens, token{kind: tokenLiteral})
		case r == '"':
			start := i + 1
			i++
			var builder strings.Builder
			for i < len(runes) {
				if runes[i] == '"' {
					if i+1 < len(runes) && runes[i+1] == '"' {
						builder.WriteString(string(runes[start:i]))
						builder.WriteRune('"')
						i += 2
						start = i
						continue
					}
					break
				}
				i++
			}
			if i >= len(runes) {
				return nil, &ValidationError{Reason: ReasonEmpty, Detail: "unterminated quoted identifier"}
			}
			builder.WriteString(string(runes[start:i]))
			i++
			tokens = append(tokens, token{
				kind:     tokenQuotedIdent,
				text:     builder.String(),
				callable: nextNonSpaceIs(runes, i, '('),
			})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$') {
				i++
			}
			tokens = append(tokens, token{
				kind:     tokenWord,
				text:     strings.ToLower(string(runes[start:i])),
				callable: nextNonSpaceIs(runes, i, '('),
			})
		case unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E' || runes[i] == '+' || runes[i] == '-') {
				// signs only continue a literal inside an exponent
				if (runes[i] == '+' || runes[i] == '-') && runes[i-1] != 'e' && runes[i-1] != 'E' {
					break
				}
				i++
			}
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: string(r)})
			i++
		}
	}
	return tokens, nil
}

func nextNonSpaceIs(runes []rune, index int, want rune) bool {
	for index < len(runes) {
		if unicode.IsSpace(runes[index]) {
			index++
			continue
		}
		return runes[index] == want
	}
	return false
}
