package rewriter

import "github.com/rowguard/rowguard/internal/sqlast"

// handleExpr validates one scalar expression against state. It returns any
// in-place edits it could absorb locally (a denied function argument or
// operator operand nulled out without disturbing the call's own text) and
// a nil error when the expression as a whole is otherwise fine; it returns
// a *rewriteExprError when the expression's own identity is what failed —
// the caller then replaces the entire enclosing projection item with a
// NULL literal under the carried alias.
//
// This mirrors the reference engine's two distinct propagation shapes:
// FUNCTION arguments and BINARY/UNARY operands are fixed up locally
// (`fn(phone)` becomes `fn(NULL)`, leaving `fn(` and `)` untouched) and
// never fail their enclosing call, while CASE/EXTRACT/COLLATE/TRIM/
// SUBSTRING and a bare (possibly parenthesized or cast) identifier
// propagate failure up to the caller under a fixed canonical alias ("case",
// "date_part", "collate", one of btrim/ltrim/rtrim, "substring", or the
// identifier's own name). A hard error — table resolution failing inside a
// nested subquery — propagates through either path unchanged.
//
// sqlast.Parse never builds Extract, Trim, Substring, Nested or UnaryOp
// nodes: the grammar delivers EXTRACT, TRIM and SUBSTRING as ordinary
// function calls, so a denied argument of theirs is nulled in place like
// any other function argument (`EXTRACT(year FROM NULL)`), not replaced
// under the canonical alias. Those branches apply only to nodes built
// directly.
//
// Locally absorbing a function argument requires knowing its own source
// span so only that argument's text is replaced; sqlast.ExprSpan only
// reports a usable span for the leaf shapes (Ident, CompoundIdent) that
// translate.go stamps with both a start and an end. When the failing
// argument is itself some other expression shape (a nested CASE, a
// sub-select) with no end offset available, this falls back to
// propagating the failure up to the whole projection item instead of
// guessing at a span — conservative, never silently wrong.
func (r *Rewriter) handleExpr(state *Ctx, expr sqlast.Expr) ([]sqlast.Edit, error) {
	switch v := expr.(type) {
	case *sqlast.Ident:
		if !state.IsAllowedColumnIdent(v.Name) {
			return nil, &rewriteExprError{alias: v.Name}
		}
		return nil, nil

	case *sqlast.CompoundIdent:
		if !state.IsAllowedColumn(v.Table, v.Column) {
			return nil, &rewriteExprError{alias: v.Table + "." + v.Column}
		}
		return nil, nil

	case *sqlast.Subquery:
		if _, err := r.handleQuery(v.Query, state); err != nil {
			return nil, err
		}
		return nil, nil

	case *sqlast.Function:
		var edits []sqlast.Edit
		for _, arg := range v.Args {
			argEdits, nullify, err := r.absorbOrPropagate(state, arg)
			if err != nil {
				alias := v.Name
				if alias == "" {
					alias = "expr"
				}
				return nil, &rewriteExprError{alias: alias}
			}
			if nullify {
				edits = append(edits, sqlast.Edit{Span: sqlast.ExprSpan(arg), Replacement: "NULL"})
				continue
			}
			edits = append(edits, argEdits...)
		}
		return edits, nil

	case *sqlast.Case:
		if v.Operand != nil {
			if _, err := r.handleExpr(state, v.Operand); err != nil {
				return nil, &rewriteExprError{alias: "case"}
			}
		}
		for _, cond := range v.WhenExprs {
			if _, err := r.handleExpr(state, cond); err != nil {
				return nil, &rewriteExprError{alias: "case"}
			}
		}
		for _, res := range v.ThenExprs {
			if _, err := r.handleExpr(state, res); err != nil {
				return nil, &rewriteExprError{alias: "case"}
			}
		}
		if v.ElseResult != nil {
			if _, err := r.handleExpr(state, v.ElseResult); err != nil {
				return nil, &rewriteExprError{alias: "case"}
			}
		}
		return nil, nil

	case *sqlast.Cast:
		return r.handleExpr(state, v.Inner)

	case *sqlast.Extract:
		if _, err := r.handleExpr(state, v.Source); err != nil {
			return nil, &rewriteExprError{alias: "date_part"}
		}
		return nil, nil

	case *sqlast.Collate:
		if _, err := r.handleExpr(state, v.Inner); err != nil {
			return nil, &rewriteExprError{alias: "collate"}
		}
		return nil, nil

	case *sqlast.Nested:
		return r.handleExpr(state, v.Inner)

	case *sqlast.Trim:
		defaultAlias := "btrim"
		switch v.Kind {
		case sqlast.TrimLeading:
			defaultAlias = "ltrim"
		case sqlast.TrimTrailing:
			defaultAlias = "rtrim"
		}
		if v.Chars != nil {
			if _, err := r.handleExpr(state, v.Chars); err != nil {
				return nil, &rewriteExprError{alias: defaultAlias}
			}
		}
		if _, err := r.handleExpr(state, v.Source); err != nil {
			return nil, &rewriteExprError{alias: defaultAlias}
		}
		return nil, nil

	case *sqlast.Substring:
		if _, err := r.handleExpr(state, v.Source); err != nil {
			return nil, &rewriteExprError{alias: "substring"}
		}
		if v.From != nil {
			if _, err := r.handleExpr(state, v.From); err != nil {
				return nil, &rewriteExprError{alias: "substring"}
			}
		}
		if v.For != nil {
			if _, err := r.handleExpr(state, v.For); err != nil {
				return nil, &rewriteExprError{alias: "substring"}
			}
		}
		return nil, nil

	case *sqlast.BinaryOp:
		var edits []sqlast.Edit
		leftEdits, nullifyLeft, err := r.absorbOrPropagate(state, v.Left)
		if err != nil {
			return nil, &rewriteExprError{alias: "expr"}
		}
		if nullifyLeft {
			edits = append(edits, sqlast.Edit{Span: sqlast.ExprSpan(v.Left), Replacement: "NULL"})
		} else {
			edits = append(edits, leftEdits...)
		}
		rightEdits, nullifyRight, err := r.absorbOrPropagate(state, v.Right)
		if err != nil {
			return nil, &rewriteExprError{alias: "expr"}
		}
		if nullifyRight {
			edits = append(edits, sqlast.Edit{Span: sqlast.ExprSpan(v.Right), Replacement: "NULL"})
		} else {
			edits = append(edits, rightEdits...)
		}
		return edits, nil

	case *sqlast.UnaryOp:
		edits, nullify, err := r.absorbOrPropagate(state, v.Operand)
		if err != nil {
			return nil, &rewriteExprError{alias: "expr"}
		}
		if nullify {
			return []sqlast.Edit{{Span: sqlast.ExprSpan(v.Operand), Replacement: "NULL"}}, nil
		}
		return edits, nil

	default:
		// Value, TypedString, Opaque and anything else this adapter does
		// not structurally understand need no evaluation (§4.6).
		return nil, nil
	}
}

// absorbOrPropagate evaluates a function argument or operator operand. It
// reports nullify=true when the operand failed and carries a span precise
// enough to null out in place; it returns a hard/escalated error when the
// operand failed but no such span is available, leaving the caller to fall
// back to replacing the whole enclosing projection item.
func (r *Rewriter) absorbOrPropagate(state *Ctx, operand sqlast.Expr) (edits []sqlast.Edit, nullify bool, err error) {
	edits, innerErr := r.handleExpr(state, operand)
	if innerErr == nil {
		return edits, false, nil
	}
	if _, ok := innerErr.(*rewriteExprError); !ok {
		return nil, false, innerErr
	}
	span := sqlast.ExprSpan(operand)
	if !span.Valid() {
		return nil, false, innerErr
	}
	return nil, true, nil
}
