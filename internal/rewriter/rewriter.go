// Package rewriter walks the AST produced by internal/sqlast and decides,
// for each projected column and each DML target column, whether the
// connected principal's policy allows it — substituting NULL for denied
// SELECT columns and rejecting denied INSERT/UPDATE/COPY statements
// outright (§4.5, §4.6).
package rewriter

import (
	"fmt"

	"github.com/rowguard/rowguard/internal/sqlast"
)

// Rewriter walks one parsed statement against a RuleEngine decision,
// producing the minimal set of source-text edits needed to enforce it.
type Rewriter struct {
	ruleEngine RuleEngine
	namespaces []string
	metrics    Metrics
}

// New builds a Rewriter. namespaces lists the schema search path probed
// when a FROM-clause table carries no explicit schema (§4.6) — typically
// []string{"public"} plus any additional catalog namespaces the operator
// configured.
func New(ruleEngine RuleEngine, namespaces []string) *Rewriter {
	return &Rewriter{ruleEngine: ruleEngine, namespaces: namespaces, metrics: Metrics{}}
}

// Metrics returns the column-access metrics accumulated across every
// Rewrite call made on this Rewriter so far.
func (r *Rewriter) Metrics() Metrics { return r.metrics }

// Rewrite produces the edits needed to enforce policy on stmt. For a
// Query it returns the span-splicing edits the caller applies to the
// original source text (sqlast.Splice); for DML statements it returns no
// edits (DML is validated, never rewritten, §4.6) and a non-nil error
// rejects the statement outright.
func (r *Rewriter) Rewrite(stmt sqlast.Statement, ctx *Ctx) ([]sqlast.Edit, error) {
	switch v := stmt.(type) {
	case *sqlast.Query:
		return r.handleQuery(v, ctx)
	case *sqlast.Update:
		if !r.ruleEngine.IsUpdateAllowed() {
			return nil, ErrUnauthorizedUpdate
		}
		if !r.isOperationAllowed(v.Schema, v.Table, v.Columns, r.ruleEngine.GetAllowedUpdateAttributes()) {
			return nil, ErrUnauthorizedUpdate
		}
		return nil, nil
	case *sqlast.Insert:
		if !r.ruleEngine.IsInsertAllowed() {
			return nil, ErrUnauthorizedInsert
		}
		if !r.isOperationAllowed(v.Schema, v.Table, v.Columns, r.ruleEngine.GetAllowedInsertAttributes()) {
			return nil, ErrUnauthorizedInsert
		}
		return nil, nil
	case *sqlast.Copy:
		if !r.ruleEngine.IsCopyAllowed() {
			return nil, ErrUnauthorizedCopy
		}
		if !r.isOperationAllowed(v.Schema, v.Table, v.Columns, r.ruleEngine.GetAllowedCopyAttributes()) {
			return nil, ErrUnauthorizedCopy
		}
		return nil, nil
	case *sqlast.TransactionControl, *sqlast.Other:
		return nil, nil
	default:
		return nil, fmt.Errorf("rewriter: unhandled statement type %T", stmt)
	}
}

// handleQuery walks a WITH-prefixed (or bare) query. Each CTE body is
// validated against the OUTER ctx, not the accumulating local one — a CTE
// never sees another CTE's tables (§4.6: "its shape is not merged back
// in"), matching the reference engine exactly.
func (r *Rewriter) handleQuery(q *sqlast.Query, ctx *Ctx) ([]sqlast.Edit, error) {
	localState := ctx.Clone()

	var edits []sqlast.Edit
	if q.With != nil {
		for _, cte := range q.With.CTEs {
			cteEdits, err := r.handleQuery(cte.Query, ctx)
			if err != nil {
				return nil, err
			}
			edits = append(edits, cteEdits...)
		}
	}

	bodyEdits, err := r.handleSelectBody(q.Body, localState)
	if err != nil {
		return nil, err
	}
	return append(edits, bodyEdits...), nil
}

func (r *Rewriter) handleSelectBody(body sqlast.SelectBody, state *Ctx) ([]sqlast.Edit, error) {
	switch v := body.(type) {
	case *sqlast.Select:
		return r.handleSelect(v, state)
	case *sqlast.SetOperation:
		leftEdits, err := r.handleSelectBody(v.Left, state)
		if err != nil {
			return nil, err
		}
		rightEdits, err := r.handleSelectBody(v.Right, state)
		if err != nil {
			return nil, err
		}
		return append(leftEdits, rightEdits...), nil
	default:
		return nil, fmt.Errorf("rewriter: unhandled select body %T", body)
	}
}

// handleSelect resolves every FROM-clause table, then walks the
// projection list deciding which items to replace. A SELECT with no FROM
// clause can never reference a protected column and is left untouched
// (§4.6's fast path) — ctx.from would be empty, and every column lookup
// against an empty from-set is vacuously allowed.
func (r *Rewriter) handleSelect(sel *sqlast.Select, state *Ctx) ([]sqlast.Edit, error) {
	if len(sel.From) == 0 {
		return nil, nil
	}

	localState := state.Clone()
	var nestedEdits []sqlast.Edit
	for i := range sel.From {
		factorState, innerEdits, err := r.handleTableFactor(state, &sel.From[i])
		if err != nil {
			return nil, err
		}
		localState.MergeState(factorState)
		nestedEdits = append(nestedEdits, innerEdits...)

		for _, join := range sel.From[i].Joins {
			joinState, joinEdits, err := r.handleTableFactor(state, join.Right)
			if err != nil {
				return nil, err
			}
			localState.MergeState(joinState)
			nestedEdits = append(nestedEdits, joinEdits...)
		}
	}

	edits, err := r.buildProjectionEdits(sel, localState)
	if err != nil {
		return nil, err
	}
	return append(nestedEdits, edits...), nil
}

// buildProjectionEdits walks every projection item. When the whole item
// changed (a wildcard expansion, or a denied column/expression becoming
// `NULL AS "alias"`), it emits a single edit over that item's own source
// span — from its own location up to the next item's location (or, for the
// last item, up to ListEnd, the start of the FROM keyword). When only a
// sub-part of an otherwise-unchanged item changed (a function argument or
// operator operand nulled out in place), the precise inner edits are used
// instead, leaving the rest of the item's original text untouched.
// Completely untouched items contribute no edit and are copied verbatim by
// Splice.
func (r *Rewriter) buildProjectionEdits(sel *sqlast.Select, state *Ctx) ([]sqlast.Edit, error) {
	var edits []sqlast.Edit
	for i, item := range sel.Items {
		wholeItem, innerEdits, err := r.handleSelection(state, item)
		if err != nil {
			return nil, err
		}
		if wholeItem != "" {
			end := sel.ListEnd
			if i+1 < len(sel.Items) {
				end = itemSpan(sel.Items[i+1]).Start
			}
			start := itemSpan(item).Start

			replacement := wholeItem
			if i+1 < len(sel.Items) {
				replacement += ", "
			} else {
				replacement += " "
			}
			edits = append(edits, sqlast.Edit{Span: sqlast.Span{Start: start, End: end}, Replacement: replacement})
			continue
		}
		edits = append(edits, innerEdits...)
	}
	return edits, nil
}

func renderItemList(items []sqlast.SelectItem) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += sqlast.RenderSelectItem(it)
	}
	return out
}

func itemSpan(item sqlast.SelectItem) sqlast.Span {
	switch v := item.(type) {
	case *sqlast.Wildcard:
		return v.Span
	case *sqlast.QualifiedWildcard:
		return v.Span
	case *sqlast.UnnamedExpr:
		return v.Span
	case *sqlast.ExprWithAlias:
		return v.Span
	default:
		return sqlast.Span{}
	}
}

// handleTableFactor resolves one FROM-clause entry against the rule
// engine, recording its protected columns (if any) under its alias or
// name. Joins/derived tables/nested joins recurse; any TableFactor kind
// not explicitly understood contributes no restriction (matching the
// reference engine's unreachable-arm default of "not tracked").
func (r *Rewriter) handleTableFactor(state *Ctx, tf *sqlast.TableFactor) (*Ctx, []sqlast.Edit, error) {
	local := state.Clone()

	switch tf.Kind {
	case sqlast.TableFactorTable:
		tableName := tf.QualifiedName()
		local.AddFromSrc(tf.EffectiveName())

		protected, tableName, err := r.resolveProtectedColumns(local, tableName)
		if err != nil {
			return nil, nil, err
		}
		if protected == nil {
			return local, nil, nil
		}

		effectiveName := tf.Alias
		if effectiveName == "" {
			effectiveName = tf.QualifiedName()
		}
		local.OverwriteTableInfo(tableName, effectiveName)
		local.MemorizeProtectedColumns(effectiveName, protected)
		return local, nil, nil

	case sqlast.TableFactorDerived:
		if tf.Alias == "" {
			return nil, nil, ErrFromNeedsAlias
		}
		edits, err := r.handleQuery(tf.Subquery, local)
		if err != nil {
			return nil, nil, err
		}
		local.AddFromSrc(tf.Alias)
		return local, edits, nil

	case sqlast.TableFactorNestedJoin:
		innerState, innerEdits, err := r.handleTableFactor(state, tf.Inner)
		if err != nil {
			return nil, nil, err
		}
		local.MergeState(innerState)
		for _, join := range tf.Inner.Joins {
			joinState, joinEdits, err := r.handleTableFactor(state, join.Right)
			if err != nil {
				return nil, nil, err
			}
			local.MergeState(joinState)
			innerEdits = append(innerEdits, joinEdits...)
		}
		return local, innerEdits, nil

	default:
		return local, nil, nil
	}
}

// resolveProtectedColumns finds table's protected-column list, first
// checking whether a nested scope (a CTE or aliased subquery) already
// tracked it under this exact name, then the rule engine directly, then
// by probing each configured namespace in order. A match found only via
// namespace probing that reports an empty column list rejects the
// statement outright (§4.6) — a direct or already-tracked match never
// does, since an empty list there means "every column of this table is
// protected", not "table unknown".
func (r *Rewriter) resolveProtectedColumns(state *Ctx, tableName string) ([]string, string, error) {
	if cols, ok := state.GetProtectedColumns(tableName); ok {
		return cols, tableName, nil
	}
	if cols, ok := r.ruleEngine.GetProtectedColumns(tableName); ok {
		return cols, tableName, nil
	}
	for _, ns := range r.namespaces {
		nsName := ns + "." + tableName
		if cols, ok := r.ruleEngine.GetProtectedColumns(nsName); ok {
			if len(cols) == 0 {
				return nil, "", &UnauthorizedColumnError{Table: tableName}
			}
			return cols, nsName, nil
		}
	}
	return nil, tableName, nil
}
