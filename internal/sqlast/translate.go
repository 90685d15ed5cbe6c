package sqlast

import (
	"encoding/json"
	"fmt"
	"strings"
)

// translator carries the original source text so span-bearing nodes can
// record absolute byte offsets for the renderer's span-splicing pass.
type translator struct {
	source string
}

// translateStatement dispatches on the tagged node name produced by
// nodeKind. Statement kinds this adapter has no rewriter obligations for
// (DDL, SET, VACUUM, ...) translate to *Other rather than failing the
// batch — only a genuine grammar error or a kind this function does not
// recognize at all is a hard parse failure.
func (t *translator) translateStatement(kind string, body json.RawMessage, entry rawStmtEntry) (Statement, error) {
	span := Span{Start: entry.StmtLoc, End: entry.StmtLoc + entry.StmtLen}
	if entry.StmtLen == 0 {
		span.End = len(t.source)
	}

	switch kind {
	case "SelectStmt":
		q, err := t.translateSelectStmt(body, span)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "InsertStmt":
		return t.translateInsert(body)
	case "UpdateStmt":
		return t.translateUpdate(body)
	case "CopyStmt":
		return t.translateCopy(body)
	case "TransactionStmt":
		return t.translateTransaction(body)
	case "":
		return &Other{}, nil
	default:
		// Any other syntactically valid statement (CreateStmt, VacuumStmt,
		// VariableSetStmt, ExplainStmt, ...) carries no rewrite obligations.
		return &Other{}, nil
	}
}

// --- generic node decoding helpers ---

func decodeMap(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding object: %w", err)
	}
	return m, nil
}

func getString(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func getInt(m map[string]json.RawMessage, key string) int {
	raw, ok := m[key]
	if !ok {
		return 0
	}
	var n int
	_ = json.Unmarshal(raw, &n)
	return n
}

func getBool(m map[string]json.RawMessage, key string) bool {
	raw, ok := m[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

func getArray(m map[string]json.RawMessage, key string) []json.RawMessage {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var arr []json.RawMessage
	_ = json.Unmarshal(raw, &arr)
	return arr
}

func getRaw(m map[string]json.RawMessage, key string) json.RawMessage {
	return m[key]
}

// stringNodeValue decodes a libpg_query "String" node, tolerating both the
// pre-15 "str" field name and the 15+ "sval" rename.
func stringNodeValue(raw json.RawMessage) (string, bool) {
	kind, body, err := nodeKind(raw)
	if err != nil || kind != "String" {
		return "", false
	}
	m, err := decodeMap(body)
	if err != nil {
		return "", false
	}
	if v, ok := m["sval"]; ok {
		var s string
		_ = json.Unmarshal(v, &s)
		return s, true
	}
	if v, ok := m["str"]; ok {
		var s string
		_ = json.Unmarshal(v, &s)
		return s, true
	}
	return "", false
}

// isAStar reports whether a node is the `*` marker used at the tail of a
// ColumnRef's fields list.
func isAStar(raw json.RawMessage) bool {
	kind, _, err := nodeKind(raw)
	return err == nil && kind == "A_Star"
}

// --- SELECT / Query ---

func (t *translator) translateSelectStmt(body json.RawMessage, span Span) (*Query, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}

	q := &Query{Span: span}

	if wc, ok := m["withClause"]; ok && len(wc) > 0 && string(wc) != "null" {
		with, err := t.translateWithClause(wc)
		if err != nil {
			return nil, err
		}
		q.With = with
	}

	selectBody, err := t.translateSelectBody(m)
	if err != nil {
		return nil, err
	}
	q.Body = selectBody
	return q, nil
}

func (t *translator) translateWithClause(raw json.RawMessage) (*WithClause, error) {
	// withClause is a typed field, emitted as a bare object; a wrapped
	// {"WithClause": {...}} form is unwrapped too.
	body := raw
	if kind, wrapped, err := nodeKind(raw); err == nil && kind == "WithClause" {
		body = wrapped
	}
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}
	wc := &WithClause{Recursive: getBool(m, "recursive")}
	for _, cteRaw := range getArray(m, "ctes") {
		cteKind, cteBody, err := nodeKind(cteRaw)
		if err != nil {
			return nil, err
		}
		if cteKind != "CommonTableExpr" {
			continue
		}
		cm, err := decodeMap(cteBody)
		if err != nil {
			return nil, err
		}
		name := getString(cm, "ctename")
		innerKind, innerBody, err := nodeKind(getRaw(cm, "ctequery"))
		if err != nil {
			return nil, err
		}
		if innerKind != "SelectStmt" {
			// CTEs built on INSERT/UPDATE/DELETE ... RETURNING are out of
			// scope (§4.6 only rewrites SELECT bodies); keep the CTE
			// opaque so the outer query still parses.
			wc.CTEs = append(wc.CTEs, CTE{Name: name, Query: &Query{Body: &Select{ListEnd: -1}}})
			continue
		}
		innerSpan := Span{Start: getInt(cm, "location")}
		nestedQuery, err := t.translateSelectStmt(innerBody, innerSpan)
		if err != nil {
			return nil, err
		}
		wc.CTEs = append(wc.CTEs, CTE{Name: name, Query: nestedQuery})
	}
	return wc, nil
}

func (t *translator) translateSelectBody(m map[string]json.RawMessage) (SelectBody, error) {
	opStr := getString(m, "op")
	if opStr != "" && opStr != "SETOP_NONE" {
		var op SetOpKind
		switch opStr {
		case "SETOP_UNION":
			op = SetOpUnion
		case "SETOP_INTERSECT":
			op = SetOpIntersect
		case "SETOP_EXCEPT":
			op = SetOpExcept
		default:
			op = SetOpUnion
		}
		left, err := t.translateSelectBodyNode(getRaw(m, "larg"))
		if err != nil {
			return nil, err
		}
		right, err := t.translateSelectBodyNode(getRaw(m, "rarg"))
		if err != nil {
			return nil, err
		}
		return &SetOperation{Op: op, All: getBool(m, "all"), Left: left, Right: right}, nil
	}
	return t.translateSelect(m)
}

// translateSelectBodyNode decodes one set-operation operand. larg/rarg are
// typed SelectStmt fields, emitted as bare objects; a wrapped
// {"SelectStmt": {...}} form is unwrapped too.
func (t *translator) translateSelectBodyNode(raw json.RawMessage) (SelectBody, error) {
	if kind, body, err := nodeKind(raw); err == nil && kind == "SelectStmt" {
		raw = body
	}
	m, err := decodeMap(raw)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("sqlast: missing set-operation operand")
	}
	return t.translateSelectBody(m)
}

func (t *translator) translateSelect(m map[string]json.RawMessage) (*Select, error) {
	sel := &Select{ListEnd: -1}

	if dc, ok := m["distinctClause"]; ok && len(dc) > 0 && string(dc) != "null" {
		sel.Distinct = true
	}

	from, firstLoc, err := t.translateFromClause(getArray(m, "fromClause"))
	if err != nil {
		return nil, err
	}
	sel.From = from
	if len(from) > 0 {
		sel.ListEnd = firstLoc
		if firstLoc <= len(t.source) {
			if kw := strings.LastIndex(strings.ToLower(t.source[:firstLoc]), "from"); kw >= 0 {
				sel.ListEnd = kw
			}
		}
	}

	items, err := t.translateTargetList(getArray(m, "targetList"))
	if err != nil {
		return nil, err
	}
	sel.Items = items
	return sel, nil
}

// translateFromClause translates each FROM-clause entry and also returns
// the absolute source location of the first one; translateSelect searches
// back from it for the FROM keyword, whose offset becomes the replaceable
// target list's end boundary (Select.ListEnd).
func (t *translator) translateFromClause(nodes []json.RawMessage) ([]TableFactor, int, error) {
	out := make([]TableFactor, 0, len(nodes))
	firstLoc := 0
	for i, n := range nodes {
		tf, loc, err := t.translateTableRef(n)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tf)
		if i == 0 {
			firstLoc = loc
		}
	}
	return out, firstLoc, nil
}

func (t *translator) translateTableRef(raw json.RawMessage) (TableFactor, int, error) {
	kind, body, err := nodeKind(raw)
	if err != nil {
		return TableFactor{}, 0, err
	}
	m, err := decodeMap(body)
	if err != nil {
		return TableFactor{}, 0, err
	}

	switch kind {
	case "RangeVar":
		loc := getInt(m, "location")
		tf := TableFactor{
			Kind:   TableFactorTable,
			Schema: getString(m, "schemaname"),
			Name:   getString(m, "relname"),
		}
		if aliasRaw, ok := m["alias"]; ok {
			if kind, aliasBody, err := nodeKind(aliasRaw); err == nil && kind == "Alias" {
				aliasRaw = aliasBody
			}
			if am, err := decodeMap(aliasRaw); err == nil {
				tf.Alias = getString(am, "aliasname")
			}
		}
		return tf, loc, nil

	case "RangeSubselect":
		loc := 0
		aliasName := ""
		if aliasRaw, ok := m["alias"]; ok {
			if kind, aliasBody, err := nodeKind(aliasRaw); err == nil && kind == "Alias" {
				aliasRaw = aliasBody
			}
			if am, err := decodeMap(aliasRaw); err == nil {
				aliasName = getString(am, "aliasname")
			}
		}
		innerKind, innerBody, err := nodeKind(getRaw(m, "subquery"))
		if err != nil {
			return TableFactor{}, 0, err
		}
		var subq *Query
		if innerKind == "SelectStmt" {
			im, err := decodeMap(innerBody)
			if err != nil {
				return TableFactor{}, 0, err
			}
			loc = getInt(im, "location")
			subq, err = t.translateSelectStmt(innerBody, Span{Start: loc})
			if err != nil {
				return TableFactor{}, 0, err
			}
		}
		return TableFactor{Kind: TableFactorDerived, Alias: aliasName, Subquery: subq}, loc, nil

	case "JoinExpr":
		leftKind, leftBody, err := nodeKind(getRaw(m, "larg"))
		if err != nil {
			return TableFactor{}, 0, err
		}
		leftTF, leftLoc, err := t.translateTableRef(wrapNode(leftKind, leftBody))
		if err != nil {
			return TableFactor{}, 0, err
		}
		rightKind, rightBody, err := nodeKind(getRaw(m, "rarg"))
		if err != nil {
			return TableFactor{}, 0, err
		}
		rightTF, _, err := t.translateTableRef(wrapNode(rightKind, rightBody))
		if err != nil {
			return TableFactor{}, 0, err
		}
		joined := leftTF
		joined.Joins = append(joined.Joins, Join{Right: &rightTF})
		return TableFactor{Kind: TableFactorNestedJoin, Inner: &joined}, leftLoc, nil

	default:
		// RangeFunction, RangeTableFunc, etc: treated as an opaque table
		// reference with no protected-column tracking, matching the
		// rule engine's "table not found" behaviour (§4.6 fast path).
		return TableFactor{Kind: TableFactorTable, Name: ""}, 0, nil
	}
}

// wrapNode re-wraps a (kind, body) pair into the single-key JSON object
// form nodeKind expects, so recursive helpers can be re-entered uniformly.
func wrapNode(kind string, body json.RawMessage) json.RawMessage {
	if kind == "" {
		return nil
	}
	obj := map[string]json.RawMessage{kind: body}
	raw, _ := json.Marshal(obj)
	return raw
}

func (t *translator) translateTargetList(nodes []json.RawMessage) ([]SelectItem, error) {
	items := make([]SelectItem, 0, len(nodes))
	for _, n := range nodes {
		kind, body, err := nodeKind(n)
		if err != nil {
			return nil, err
		}
		if kind != "ResTarget" {
			continue
		}
		m, err := decodeMap(body)
		if err != nil {
			return nil, err
		}
		loc := getInt(m, "location")
		alias := getString(m, "name")
		valRaw := getRaw(m, "val")

		item, err := t.translateTargetItem(valRaw, alias, Span{Start: loc})
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (t *translator) translateTargetItem(valRaw json.RawMessage, alias string, span Span) (SelectItem, error) {
	valKind, valBody, err := nodeKind(valRaw)
	if err != nil {
		return nil, err
	}

	if valKind == "ColumnRef" {
		cm, err := decodeMap(valBody)
		if err != nil {
			return nil, err
		}
		fields := getArray(cm, "fields")
		if len(fields) > 0 && isAStar(fields[len(fields)-1]) {
			if len(fields) == 1 {
				return &Wildcard{Span: span}, nil
			}
			if tableName, ok := stringNodeValue(fields[0]); ok {
				return &QualifiedWildcard{Table: tableName, Span: span}, nil
			}
			return &Wildcard{Span: span}, nil
		}
	}

	expr, err := t.translateExpr(valRaw)
	if err != nil {
		return nil, err
	}
	if alias != "" {
		return &ExprWithAlias{Expr: expr, Alias: alias, Span: span}, nil
	}
	return &UnnamedExpr{Expr: expr, Span: span}, nil
}

// translateExpr decodes the subset of expression shapes the rewriter
// inspects (§4.6): column references, subqueries, function calls, CASE,
// CAST, COLLATE, and the A_Expr operators whose operands get
// NULL-substituted on failure. The grammar delivers EXTRACT, TRIM and
// SUBSTRING as ordinary function calls, so they decode as Function, and
// IN and BETWEEN are A_Expr nodes, so they decode as BinaryOp. Anything
// else (literals, IS [NOT] NULL, AND/OR/NOT and the rest of the predicate
// vocabulary) is never subject to rewriting and is kept as an opaque,
// verbatim-rendered node.
func (t *translator) translateExpr(raw json.RawMessage) (Expr, error) {
	kind, body, err := nodeKind(raw)
	if err != nil {
		return nil, err
	}
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "ColumnRef":
		fields := getArray(m, "fields")
		names := make([]string, 0, len(fields))
		for _, f := range fields {
			if s, ok := stringNodeValue(f); ok {
				names = append(names, s)
			}
		}
		start := getInt(m, "location")
		switch len(names) {
		case 1:
			// The decoded name's length approximates the source span only
			// for an ordinary unquoted identifier; a quoted or
			// specially-escaped identifier's true text may be longer. This
			// only affects the precision of an in-place NULL substitution
			// nested inside a function argument or operator operand
			// (§4.6's "SUM(phone) -> SUM(NULL)" case). When the source text
			// at the computed span is not the decoded name, the span is left
			// empty (End == Start), and the rewriter falls back to whole-item
			// substitution, so a mismatch here never corrupts output, only
			// occasionally widens what gets nulled out.
			end := start + len(names[0])
			if start < 0 || end > len(t.source) || t.source[start:end] != names[0] {
				end = start
			}
			return &Ident{Name: names[0], Span: Span{Start: start, End: end}}, nil
		case 2:
			end := start + len(names[0]) + 1 + len(names[1])
			if start < 0 || end > len(t.source) || t.source[start:end] != names[0]+"."+names[1] {
				end = start
			}
			return &CompoundIdent{Table: names[0], Column: names[1], Span: Span{Start: start, End: end}}, nil
		default:
			return &Opaque{Span: Span{Start: start}}, nil
		}

	case "SubLink":
		subKind, subBody, err := nodeKind(getRaw(m, "subselect"))
		if err != nil {
			return nil, err
		}
		if subKind != "SelectStmt" {
			return &Opaque{}, nil
		}
		sm, err := decodeMap(subBody)
		if err != nil {
			return nil, err
		}
		loc := getInt(sm, "location")
		q, err := t.translateSelectStmt(subBody, Span{Start: loc})
		if err != nil {
			return nil, err
		}
		return &Subquery{Query: q}, nil

	case "FuncCall":
		var name string
		funcname := getArray(m, "funcname")
		if len(funcname) > 0 {
			if s, ok := stringNodeValue(funcname[len(funcname)-1]); ok {
				name = s
			}
		}
		args := getArray(m, "args")
		fn := &Function{Name: name, Args: make([]Expr, 0, len(args))}
		for _, a := range args {
			argKind, _, err := nodeKind(a)
			if err != nil {
				return nil, err
			}
			if argKind == "" {
				continue
			}
			argExpr, err := t.translateExpr(a)
			if err != nil {
				// per §4.6, an unhandled argument substitutes to NULL in
				// place of itself rather than failing the whole call.
				argExpr = &Value{Text: "NULL"}
			}
			fn.Args = append(fn.Args, argExpr)
		}
		return fn, nil

	case "CaseExpr":
		c := &Case{}
		if operandRaw, ok := m["arg"]; ok && len(operandRaw) > 0 && string(operandRaw) != "null" {
			operand, err := t.translateExpr(operandRaw)
			if err == nil {
				c.Operand = operand
			}
		}
		for _, whenRaw := range getArray(m, "args") {
			whenKind, whenBody, err := nodeKind(whenRaw)
			if err != nil || whenKind != "CaseWhen" {
				continue
			}
			wm, err := decodeMap(whenBody)
			if err != nil {
				continue
			}
			condExpr, _ := t.translateExpr(getRaw(wm, "expr"))
			resultExpr, _ := t.translateExpr(getRaw(wm, "result"))
			c.WhenExprs = append(c.WhenExprs, condExpr)
			c.ThenExprs = append(c.ThenExprs, resultExpr)
		}
		if defRaw, ok := m["defresult"]; ok && len(defRaw) > 0 && string(defRaw) != "null" {
			elseExpr, err := t.translateExpr(defRaw)
			if err == nil {
				c.ElseResult = elseExpr
			}
		}
		return c, nil

	case "TypeCast":
		inner, err := t.translateExpr(getRaw(m, "arg"))
		if err != nil {
			return nil, err
		}
		typeName := ""
		if tn, ok := m["typeName"]; ok {
			if _, tb, err := nodeKind(tn); err == nil {
				if tm, err := decodeMap(tb); err == nil {
					names := getArray(tm, "names")
					if len(names) > 0 {
						if s, ok := stringNodeValue(names[len(names)-1]); ok {
							typeName = s
						}
					}
				}
			}
		}
		return &Cast{Inner: inner, Type: typeName}, nil

	case "CollateClause":
		inner, err := t.translateExpr(getRaw(m, "arg"))
		if err != nil {
			return nil, err
		}
		collation := ""
		names := getArray(m, "collname")
		if len(names) > 0 {
			if s, ok := stringNodeValue(names[len(names)-1]); ok {
				collation = s
			}
		}
		return &Collate{Inner: inner, Collation: collation}, nil

	case "A_Expr":
		left, lerr := t.translateExpr(getRaw(m, "lexpr"))
		right, rerr := t.translateExpr(getRaw(m, "rexpr"))
		if lerr != nil {
			left = &Value{Text: "NULL"}
		}
		if rerr != nil {
			right = &Value{Text: "NULL"}
		}
		op := ""
		names := getArray(m, "name")
		if len(names) > 0 {
			if s, ok := stringNodeValue(names[0]); ok {
				op = s
			}
		}
		return &BinaryOp{Op: op, Left: left, Right: right}, nil

	default:
		return &Opaque{Span: Span{Start: getInt(m, "location")}}, nil
	}
}

// --- DML statements ---

// rangeVarSchemaTable reads the statement's relation, a typed RangeVar
// field emitted as a bare object; a wrapped {"RangeVar": {...}} form is
// unwrapped too.
func rangeVarSchemaTable(m map[string]json.RawMessage) (schema, table string) {
	rv := getRaw(m, "relation")
	if rvKind, rvBody, err := nodeKind(rv); err == nil && rvKind == "RangeVar" {
		rv = rvBody
	}
	rm, err := decodeMap(rv)
	if err != nil {
		return "", ""
	}
	return getString(rm, "schemaname"), getString(rm, "relname")
}

func columnNamesFromResTargets(nodes []json.RawMessage) []string {
	cols := make([]string, 0, len(nodes))
	for _, n := range nodes {
		kind, body, err := nodeKind(n)
		if err != nil || kind != "ResTarget" {
			continue
		}
		m, err := decodeMap(body)
		if err != nil {
			continue
		}
		if name := getString(m, "name"); name != "" {
			cols = append(cols, name)
		}
	}
	return cols
}

func (t *translator) translateInsert(body json.RawMessage) (*Insert, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}
	schema, table := rangeVarSchemaTable(m)
	ins := &Insert{Schema: schema, Table: table}
	for _, colRaw := range getArray(m, "cols") {
		kind, colBody, err := nodeKind(colRaw)
		if err != nil || kind != "ResTarget" {
			continue
		}
		cm, err := decodeMap(colBody)
		if err != nil {
			continue
		}
		if name := getString(cm, "name"); name != "" {
			ins.Columns = append(ins.Columns, name)
		}
	}
	return ins, nil
}

func (t *translator) translateUpdate(body json.RawMessage) (*Update, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}
	schema, table := rangeVarSchemaTable(m)
	upd := &Update{Schema: schema, Table: table}
	if rvKind, rvBody, err := nodeKind(getRaw(m, "relation")); err == nil && rvKind == "RangeVar" {
		if rm, err := decodeMap(rvBody); err == nil {
			if aliasRaw, ok := rm["alias"]; ok {
				if _, ab, err := nodeKind(aliasRaw); err == nil && ab != nil {
					if am, err := decodeMap(ab); err == nil {
						upd.Alias = getString(am, "aliasname")
					}
				}
			}
		}
	}
	upd.Columns = columnNamesFromResTargets(getArray(m, "targetList"))
	return upd, nil
}

func (t *translator) translateCopy(body json.RawMessage) (*Copy, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}
	schema, table := rangeVarSchemaTable(m)
	cp := &Copy{Schema: schema, Table: table, IsFrom: getBool(m, "is_from")}
	for _, colRaw := range getArray(m, "attlist") {
		if s, ok := stringNodeValue(colRaw); ok {
			cp.Columns = append(cp.Columns, s)
		}
	}
	return cp, nil
}

func (t *translator) translateTransaction(body json.RawMessage) (*TransactionControl, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, err
	}
	switch getString(m, "kind") {
	case "TRANS_STMT_BEGIN", "TRANS_STMT_START":
		return &TransactionControl{Kind: TxBegin}, nil
	case "TRANS_STMT_COMMIT":
		return &TransactionControl{Kind: TxCommit}, nil
	case "TRANS_STMT_ROLLBACK":
		return &TransactionControl{Kind: TxRollback}, nil
	default:
		return &TransactionControl{Kind: TxOther}, nil
	}
}
