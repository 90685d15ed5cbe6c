package rewriter

import (
	"sort"
	"strings"

	"github.com/rowguard/rowguard/internal/sqlast"
)

// Ctx carries the accumulated state a statement walk threads through nested
// scopes (CTEs, subqueries, joined tables): which tables are in scope, the
// schema (column order) known for each, and which columns of each are
// currently protected. It is grounded directly on the reference engine's
// validation-state type: every table name used as a map key here is either
// a bare/qualified table name or the alias it was given in the FROM clause,
// exactly as the source assigns it (§4.6).
type Ctx struct {
	tableInfo        map[string][]string
	protectedColumns map[string][]string
	from             map[string]struct{}
}

// NewCtx seeds a Ctx with the full table/column schema known for the
// connected database (refreshed periodically, §4.8.2).
func NewCtx(tableInfo map[string][]string) *Ctx {
	c := &Ctx{
		tableInfo:        make(map[string][]string, len(tableInfo)),
		protectedColumns: make(map[string][]string),
		from:             make(map[string]struct{}),
	}
	for k, v := range tableInfo {
		cols := make([]string, len(v))
		copy(cols, v)
		c.tableInfo[k] = cols
	}
	return c
}

// Clone returns an independent copy, used whenever the walk enters a new
// scope (a SELECT body, a nested table factor) that must not leak its own
// additions back into the caller's state.
func (c *Ctx) Clone() *Ctx {
	clone := &Ctx{
		tableInfo:        make(map[string][]string, len(c.tableInfo)),
		protectedColumns: make(map[string][]string, len(c.protectedColumns)),
		from:             make(map[string]struct{}, len(c.from)),
	}
	for k, v := range c.tableInfo {
		clone.tableInfo[k] = v
	}
	for k, v := range c.protectedColumns {
		clone.protectedColumns[k] = v
	}
	for k := range c.from {
		clone.from[k] = struct{}{}
	}
	return clone
}

// IsAllowedColumn reports whether table.column may be read. A table with
// no protected-column entry at all is unrestricted.
func (c *Ctx) IsAllowedColumn(table, column string) bool {
	cols, ok := c.protectedColumns[table]
	if !ok {
		return true
	}
	for _, pc := range cols {
		if pc == column {
			return false
		}
	}
	return true
}

// IsAllowedColumnIdent reports whether a bare (unqualified) column
// reference is allowed against any table currently in scope. It is denied
// if ANY in-scope table protects a column of that name.
func (c *Ctx) IsAllowedColumnIdent(column string) bool {
	for table := range c.from {
		if cols, ok := c.protectedColumns[table]; ok {
			for _, pc := range cols {
				if pc == column {
					return false
				}
			}
		}
	}
	return true
}

// MergeState folds a scope's accumulated state back into c — used after
// resolving one FROM-clause table or JOIN so subsequent siblings and the
// projection list see the whole FROM list's combined protections.
func (c *Ctx) MergeState(other *Ctx) {
	for k, v := range other.protectedColumns {
		c.protectedColumns[k] = v
	}
	for k, v := range other.tableInfo {
		c.tableInfo[k] = v
	}
	for k := range other.from {
		c.from[k] = struct{}{}
	}
}

// MemorizeProtectedColumns records table's protected-column list (possibly
// empty, meaning every column of that table is protected).
func (c *Ctx) MemorizeProtectedColumns(table string, protected []string) {
	c.protectedColumns[table] = protected
}

// GetProtectedColumns returns the protected-column list previously
// recorded for table, and whether an entry exists at all.
func (c *Ctx) GetProtectedColumns(table string) ([]string, bool) {
	cols, ok := c.protectedColumns[table]
	return cols, ok
}

// OverwriteTableInfo re-keys a table's known column list under an alias,
// so later lookups against the alias (not the original name) resolve.
func (c *Ctx) OverwriteTableInfo(table, alias string) {
	if cols, ok := c.tableInfo[table]; ok {
		c.tableInfo[alias] = cols
		return
	}
	c.tableInfo[alias] = nil
}

// AddFromSrc records that table is one of the tables the current SELECT
// reads from.
func (c *Ctx) AddFromSrc(table string) { c.from[table] = struct{}{} }

// BuildAllowedColumnExpr expands a bare `*` into the full replacement
// projection list for every table currently in scope (§4.6, §8 scenario
// 1/6): tables with no tracked protections contribute `table.*` unchanged,
// tracked tables contribute one item per column (NULL for protected ones,
// a plain reference for the rest). If none of the in-scope tables are
// tracked at all, the original bare `*` is returned unchanged.
func (c *Ctx) BuildAllowedColumnExpr(metrics Metrics) []sqlast.SelectItem {
	var selections []sqlast.SelectItem
	wildcard := true

	froms := make([]string, 0, len(c.from))
	for f := range c.from {
		froms = append(froms, f)
	}
	sort.Strings(froms)

	for _, from := range froms {
		exprs := c.ColumnExprForTable(from, metrics)
		if len(exprs) == 0 {
			selections = append(selections, &sqlast.QualifiedWildcard{Table: from})
			continue
		}
		wildcard = false
		selections = append(selections, exprs...)
	}
	if wildcard {
		return []sqlast.SelectItem{&sqlast.Wildcard{}}
	}
	return selections
}

// ColumnExprForTable returns one SelectItem per column of table, in the
// table's own schema order, substituting a `NULL AS "<name>"` item for
// each protected column (or for every column, when the table's protected
// list is present but empty — "fully protected"). It returns nil when
// table carries no protected-column entry at all (the caller falls back
// to a bare or qualified wildcard for it).
func (c *Ctx) ColumnExprForTable(table string, metrics Metrics) []sqlast.SelectItem {
	protected, ok := c.protectedColumns[table]
	if !ok {
		return nil
	}
	shouldPrefix := strings.Contains(table, ".")

	protectedSet := make(map[string]struct{}, len(protected))
	for _, p := range protected {
		protectedSet[p] = struct{}{}
	}

	columns := c.tableInfo[table]
	selections := make([]sqlast.SelectItem, 0, len(columns))
	for _, col := range columns {
		_, isProtected := protectedSet[col]
		if isProtected || len(protected) == 0 {
			name := col
			if shouldPrefix {
				name = table + "." + col
			}
			selections = append(selections, sqlast.NullAliasItem(name))
			if metrics != nil {
				metrics.Record(table, col)
			}
			continue
		}
		var ref sqlast.Expr = &sqlast.Ident{Name: col}
		if shouldPrefix {
			ref = &sqlast.CompoundIdent{Table: table, Column: col}
		}
		selections = append(selections, &sqlast.UnnamedExpr{Expr: ref})
		if metrics != nil {
			metrics.Record(table, col)
		}
	}
	return selections
}
