package sqlast

import (
	"fmt"
	"sort"
	"strings"
)

// Edit is one byte-span replacement against the original source text. The
// rewriter never regenerates a whole statement — it only ever replaces the
// exact spans whose projected columns it rewrote, leaving every other byte
// (WHERE, JOIN, ORDER BY, the untouched items of the same target list)
// copied verbatim.
type Edit struct {
	Span        Span
	Replacement string
}

// Splice applies a set of non-overlapping edits to source, sorted by
// start offset, and returns the resulting text. Overlapping edits are a
// programming error in the caller (two rewrite decisions touching the
// same byte range) and panic rather than silently producing corrupt SQL.
func Splice(source string, edits []Edit) string {
	if len(edits) == 0 {
		return source
	}
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Span.Start < sorted[j].Span.Start })

	var b strings.Builder
	cursor := 0
	for _, e := range sorted {
		if e.Span.Start < cursor {
			panic(fmt.Sprintf("sqlast: overlapping edits at offset %d", e.Span.Start))
		}
		b.WriteString(source[cursor:e.Span.Start])
		b.WriteString(e.Replacement)
		cursor = e.Span.End
	}
	b.WriteString(source[cursor:])
	return b.String()
}

// RenderSelectItem renders one of the narrow set of item shapes the
// rewriter synthesizes as a replacement: bare and qualified identifiers,
// wildcards, and the NULL/`NULL AS "alias"` substitution used for a
// denied column. It is never asked to render an item carrying a CASE,
// function call, or any other expression kept from the original text —
// those are left untouched and so never pass through this function.
func RenderSelectItem(item SelectItem) string {
	switch v := item.(type) {
	case *Wildcard:
		return "*"
	case *QualifiedWildcard:
		return quoteIdent(v.Table) + ".*"
	case *UnnamedExpr:
		return RenderExpr(v.Expr)
	case *ExprWithAlias:
		return RenderExpr(v.Expr) + " AS " + `"` + strings.ReplaceAll(v.Alias, `"`, `""`) + `"`
	default:
		panic(fmt.Sprintf("sqlast: RenderSelectItem: unhandled item %T", item))
	}
}

// RenderExpr renders the narrow set of expression shapes the rewriter
// constructs directly (as opposed to expressions copied verbatim from
// source): bare/qualified identifiers and the NULL literal.
func RenderExpr(e Expr) string {
	switch v := e.(type) {
	case *Ident:
		return quoteIdent(v.Name)
	case *CompoundIdent:
		return quoteIdent(v.Table) + "." + quoteIdent(v.Column)
	case *Value:
		return v.Text
	default:
		panic(fmt.Sprintf("sqlast: RenderExpr: unhandled expr %T", e))
	}
}

// quoteIdent quotes an identifier only when it needs it — all lowercase,
// starts with a letter or underscore, contains only letters, digits, and
// underscores — matching PostgreSQL's own unquoted-identifier rule so
// ordinary column names stay bare in the rewritten SQL.
func quoteIdent(name string) string {
	if name == "" {
		return `""`
	}
	if !needsQuoting(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func needsQuoting(name string) bool {
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			if !isLetter {
				return true
			}
			continue
		}
		if !isLetter && !isDigit {
			return true
		}
	}
	// PostgreSQL's reserved key words are never valid as bare identifiers.
	const reserved = " all analyse analyze and any array as asc asymmetric both case cast check collate column constraint create current_catalog current_date current_role current_time current_timestamp current_user default deferrable desc distinct do else end except false fetch for foreign from grant group having in initially intersect into lateral leading limit localtime localtimestamp not null offset on only or order placing primary references returning select session_user some symmetric system_user table then to trailing true union unique user using variadic when where window with "
	return strings.Contains(reserved, " "+name+" ")
}

// NullAliasItem builds the `NULL AS "name"` replacement item used when a
// single projected column is denied (§4.6, §8's boundary table).
func NullAliasItem(alias string) SelectItem {
	return &ExprWithAlias{Expr: &Value{Text: "NULL"}, Alias: alias}
}
