package rewriter

import "github.com/rowguard/rowguard/internal/sqlast"

// handleSelection decides the replacement for one projection item.
//
// Exactly one of its two non-error results is meaningful: wholeItem is the
// rendered replacement text for the item's entire source span (used for a
// wildcard expansion or a top-level denied column/expression becoming
// `NULL AS "alias"`), while innerEdits are precise sub-spans to splice
// inside an otherwise-unchanged item (a function argument or operator
// operand nulled out in place, e.g. `SUM(phone)` -> `SUM(NULL)`). Both
// empty means the item is left completely untouched.
func (r *Rewriter) handleSelection(state *Ctx, item sqlast.SelectItem) (wholeItem string, innerEdits []sqlast.Edit, err error) {
	switch v := item.(type) {
	case *sqlast.Wildcard:
		expansion := state.BuildAllowedColumnExpr(r.metrics)
		return renderItemList(expansion), nil, nil

	case *sqlast.QualifiedWildcard:
		selections := state.ColumnExprForTable(v.Table, r.metrics)
		if len(selections) != 0 {
			return renderItemList(selections), nil, nil
		}
		r.metrics.Record(v.Table, v.Table+".*")
		return "", nil, nil

	case *sqlast.UnnamedExpr:
		edits, e := r.handleExpr(state, v.Expr)
		if e == nil {
			return "", edits, nil
		}
		if rw, ok := e.(*rewriteExprError); ok {
			return sqlast.RenderSelectItem(sqlast.NullAliasItem(rw.alias)), nil, nil
		}
		return "", nil, e

	case *sqlast.ExprWithAlias:
		edits, e := r.handleExpr(state, v.Expr)
		if e == nil {
			return "", edits, nil
		}
		if _, ok := e.(*rewriteExprError); ok {
			return sqlast.RenderSelectItem(sqlast.NullAliasItem(v.Alias)), nil, nil
		}
		return "", nil, e

	default:
		return "", nil, nil
	}
}
