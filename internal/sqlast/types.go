// Package sqlast defines the statement AST the query rewriter walks (§4.3)
// and the adapter that produces it from a SQL string using an embedded SQL
// grammar. The vocabulary here — TableFactor, SelectItem, Expr and its
// variants — mirrors the shape the rewriter is specified against, even
// though the underlying parser (pg_query_go) exposes a differently-shaped
// tree; Parse translates one into the other.
package sqlast

// Span is a byte range into the original query text, used by the renderer
// to splice only the portions of a statement the rewriter actually changed.
type Span struct {
	Start int
	End   int
}

func (s Span) Valid() bool { return s.End > s.Start }

// Statement is any top-level or nested SQL statement the rewriter handles.
type Statement interface {
	statementNode()
}

// Query wraps an optional WITH block around a SelectBody.
type Query struct {
	With *WithClause
	Body SelectBody
	// Span covers the entire statement in the original source text.
	Span Span
}

func (*Query) statementNode() {}

// WithClause is the `WITH [RECURSIVE] cte [, cte...]` prefix.
type WithClause struct {
	Recursive bool
	CTEs      []CTE
}

// CTE is one common-table-expression entry. Its Query is rewritten
// independently against the outer context and its shape is not merged back
// in — the outer reference to Name stays opaque (§4.6).
type CTE struct {
	Name  string
	Query *Query
	// TargetListSpan covers the CTE body's own select-list text, used so a
	// rewrite inside the CTE can be spliced without touching the CTE name
	// or the surrounding WITH syntax.
}

// SelectBody is either a Select or a SetOperation of two SelectBodys.
type SelectBody interface {
	selectBodyNode()
}

// SetOperation is `left UNION|INTERSECT|EXCEPT [ALL] right`.
type SetOperation struct {
	Op    SetOpKind
	All   bool
	Left  SelectBody
	Right SelectBody
}

func (*SetOperation) selectBodyNode() {}

type SetOpKind int

const (
	SetOpNone SetOpKind = iota
	SetOpUnion
	SetOpIntersect
	SetOpExcept
)

// Select is a single `SELECT ... FROM ... WHERE ...` block.
type Select struct {
	Distinct bool
	Items    []SelectItem
	From     []TableFactor
	// ListEnd is the absolute source offset where the replaceable portion
	// of the target list ends: the start of the FROM keyword (found by
	// searching back from the first FROM element), or -1 when there is no
	// FROM clause. A Select with no FROM clause can never
	// reference a protected column (§4.6's fast path), so the renderer
	// never needs a boundary for it.
	ListEnd int
}

func (*Select) selectBodyNode() {}

// TableFactor is a FROM-clause entry: a named table, a derived subquery, or
// a nested join, each optionally carrying further JOINs.
type TableFactor struct {
	Kind TableFactorKind

	// Table fields (Kind == TableFactorTable).
	Schema string
	Name   string
	Alias  string

	// Derived fields (Kind == TableFactorDerived). Alias is required (§4.6).
	Subquery *Query

	// NestedJoin fields (Kind == TableFactorNestedJoin).
	Inner *TableFactor

	// Joins attached to this FROM element, each recursed into in order.
	Joins []Join
}

type TableFactorKind int

const (
	TableFactorTable TableFactorKind = iota
	TableFactorDerived
	TableFactorNestedJoin
)

// QualifiedName returns "schema.name" if a schema was given verbatim,
// otherwise bare "name".
func (t *TableFactor) QualifiedName() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// EffectiveName returns the alias if present, else the qualified name — the
// key under which this table's protected columns get recorded (§4.6).
func (t *TableFactor) EffectiveName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.QualifiedName()
}

// Join is one JOIN clause hung off a TableFactor.
type Join struct {
	Right *TableFactor
}

// SelectItem is one entry of a projection list.
type SelectItem interface {
	selectItemNode()
}

// Wildcard is a bare `*`. Span is the item's own source location, used by
// the renderer to splice in its expansion without touching sibling items.
type Wildcard struct{ Span Span }

func (*Wildcard) selectItemNode() {}

// QualifiedWildcard is `table.*`.
type QualifiedWildcard struct {
	Table string
	Span  Span
}

func (*QualifiedWildcard) selectItemNode() {}

// UnnamedExpr is a projection with no explicit alias.
type UnnamedExpr struct {
	Expr Expr
	Span Span
}

func (*UnnamedExpr) selectItemNode() {}

// ExprWithAlias is a projection with a user-supplied alias.
type ExprWithAlias struct {
	Expr  Expr
	Alias string
	Span  Span
}

func (*ExprWithAlias) selectItemNode() {}

// Expr is any scalar expression appearing in a projection.
type Expr interface {
	exprNode()
}

// Ident is a bare column reference.
type Ident struct {
	Name string
	Span Span
}

func (*Ident) exprNode() {}

// CompoundIdent is a `table.column` reference.
type CompoundIdent struct {
	Table  string
	Column string
	Span   Span
}

func (*CompoundIdent) exprNode() {}

// Subquery is a scalar or row sub-select used as an expression.
type Subquery struct {
	Query *Query
	Span  Span
}

func (*Subquery) exprNode() {}

// Function is a function call; Args may themselves be rewritten
// independently (§4.6: "for each argument, if handling fails, substitute
// NULL in place of the argument").
type Function struct {
	Name string
	Args []Expr
	Span Span
}

func (*Function) exprNode() {}

// Case models CASE [expr] WHEN ... THEN ... [ELSE ...] END.
type Case struct {
	Operand    Expr // optional simple-CASE operand
	WhenExprs  []Expr
	ThenExprs  []Expr
	ElseResult Expr
	Span       Span
}

func (*Case) exprNode() {}

// Cast models CAST(expr AS type). TryCast reuses this with a flag.
type Cast struct {
	Inner   Expr
	Type    string
	TryCast bool
	Span    Span
}

func (*Cast) exprNode() {}

// Extract models EXTRACT(field FROM source).
type Extract struct {
	Field  string
	Source Expr
	Span   Span
}

func (*Extract) exprNode() {}

// Collate models `expr COLLATE collation`.
type Collate struct {
	Inner     Expr
	Collation string
	Span      Span
}

func (*Collate) exprNode() {}

// Nested is a parenthesized expression, `(expr)`.
type Nested struct {
	Inner Expr
	Span  Span
}

func (*Nested) exprNode() {}

// Trim models TRIM([BOTH|LEADING|TRAILING] [chars FROM] source).
type Trim struct {
	Kind   TrimKind
	Chars  Expr
	Source Expr
	Span   Span
}

func (*Trim) exprNode() {}

type TrimKind int

const (
	TrimBoth TrimKind = iota
	TrimLeading
	TrimTrailing
)

// Substring models SUBSTRING(source FROM start [FOR length]).
type Substring struct {
	Source Expr
	From   Expr
	For    Expr
	Span   Span
}

func (*Substring) exprNode() {}

// Value is a literal constant (number, string, boolean, NULL). Span is
// zero for values synthesized by the rewriter itself (the NULL literal
// substituted in place of a denied argument), which carry no source text.
type Value struct {
	Text string
	Span Span
}

func (*Value) exprNode() {}

// TypedString is `type 'literal'` (e.g. `date '2024-01-01'`).
type TypedString struct {
	Type string
	Text string
	Span Span
}

func (*TypedString) exprNode() {}

// BinaryOp is `left op right`.
type BinaryOp struct {
	Op          string
	Left, Right Expr
	Span        Span
}

func (*BinaryOp) exprNode() {}

// UnaryOp is `op operand`.
type UnaryOp struct {
	Op      string
	Operand Expr
	Span    Span
}

func (*UnaryOp) exprNode() {}

// ExprSpan returns the source span of any Expr variant, used by the
// rewriter to splice a single denied sub-expression (a function argument,
// an operator operand) out for a bare NULL without disturbing the rest of
// the surrounding call or operator text.
func ExprSpan(e Expr) Span {
	switch v := e.(type) {
	case *Ident:
		return v.Span
	case *CompoundIdent:
		return v.Span
	case *Subquery:
		return v.Span
	case *Function:
		return v.Span
	case *Case:
		return v.Span
	case *Cast:
		return v.Span
	case *Extract:
		return v.Span
	case *Collate:
		return v.Span
	case *Nested:
		return v.Span
	case *Trim:
		return v.Span
	case *Substring:
		return v.Span
	case *Value:
		return v.Span
	case *TypedString:
		return v.Span
	case *BinaryOp:
		return v.Span
	case *UnaryOp:
		return v.Span
	case *Opaque:
		return v.Span
	default:
		return Span{}
	}
}

// Opaque wraps any expression kind the rewriter passes through untouched
// (predicate expressions used in WHERE, and any literal/operator shape not
// covered above) by retaining its original source span so the renderer can
// copy it verbatim.
type Opaque struct{ Span Span }

func (*Opaque) exprNode() {}

// --- DML statements ---

// Insert is `INSERT INTO table(cols...) VALUES (...) | SELECT ...`.
type Insert struct {
	Schema  string
	Table   string
	Columns []string
}

func (*Insert) statementNode() {}

// Update is `UPDATE table SET col=expr, ... [WHERE ...]`.
type Update struct {
	Schema  string
	Table   string
	Alias   string
	Columns []string // column names appearing on the left of each assignment
}

func (*Update) statementNode() {}

// Copy is `COPY table [(cols...)] FROM|TO ...`.
type Copy struct {
	Schema  string
	Table   string
	Columns []string
	IsFrom  bool
}

func (*Copy) statementNode() {}

// TransactionControl is BEGIN/START TRANSACTION, COMMIT, or ROLLBACK —
// tracked so the handler can drive TransactionStatus (§4.6, §4.8.2).
type TransactionControl struct{ Kind TxKind }

func (*TransactionControl) statementNode() {}

type TxKind int

const (
	TxBegin TxKind = iota
	TxCommit
	TxRollback
	TxOther
)

// Other is any statement kind this adapter recognizes syntactically but
// that carries no rewriter obligations (DDL, SET, etc.) — passed through
// verbatim.
type Other struct{}

func (*Other) statementNode() {}
