package sqlast

import (
	"encoding/json"
	"fmt"

	pgquery "github.com/pganalyze/pg_query_go/v6"
)

// ErrParseFailure is returned when the embedded grammar cannot parse the
// batch, or when it parses into a statement shape this adapter does not
// understand. Per §9's resolved open question, this is always a hard
// rejection — the rewriter never falls back to passing the original text
// through unexamined.
var ErrParseFailure = fmt.Errorf("sqlast: parse failure")

// rawTree is the top-level shape of libpg_query's JSON parse tree: a
// version number and a list of statements, each wrapping one tagged node.
type rawTree struct {
	Version int            `json:"version"`
	Stmts   []rawStmtEntry `json:"stmts"`
}

type rawStmtEntry struct {
	Stmt        json.RawMessage `json:"stmt"`
	StmtLen     int             `json:"stmt_len"`
	StmtLoc     int             `json:"stmt_location"`
	hasExplicit bool
}

// Parse parses a batch of one or more semicolon-separated statements from
// source text, returning our AST vocabulary (§4.3). Any statement kind this
// adapter does not recognize, or any grammar error from the embedded
// parser, causes the whole batch to be rejected (ErrParseFailure wraps the
// underlying cause).
func Parse(source string) ([]Statement, error) {
	jsonTree, err := pgquery.ParseToJSON(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	var tree rawTree
	if err := json.Unmarshal([]byte(jsonTree), &tree); err != nil {
		return nil, fmt.Errorf("%w: decoding parse tree: %v", ErrParseFailure, err)
	}

	t := &translator{source: source}
	stmts := make([]Statement, 0, len(tree.Stmts))
	for _, entry := range tree.Stmts {
		kind, body, err := nodeKind(entry.Stmt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
		stmt, err := t.translateStatement(kind, body, entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// nodeKind unwraps libpg_query's oneof-as-single-key-object encoding:
// {"SelectStmt": {...}} -> ("SelectStmt", {...}, nil). A node with no keys
// (possible for an empty/NULL Node slot) returns an empty kind.
func nodeKind(raw json.RawMessage) (string, json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil, fmt.Errorf("decoding node: %w", err)
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, nil
}
