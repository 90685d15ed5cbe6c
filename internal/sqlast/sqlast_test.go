package sqlast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplice_ReplacesOnlyGivenSpans(t *testing.T) {
	src := "SELECT a, b, c FROM t"
	out := Splice(src, []Edit{{Span: Span{Start: 7, End: 8}, Replacement: "NULL AS \"a\""}})
	require.Equal(t, `SELECT NULL AS "a", b, c FROM t`, out)
}

func TestSplice_MultipleNonOverlappingEdits(t *testing.T) {
	src := "SELECT a, b FROM t"
	out := Splice(src, []Edit{
		{Span: Span{Start: 7, End: 8}, Replacement: "x"},
		{Span: Span{Start: 10, End: 11}, Replacement: "y"},
	})
	require.Equal(t, "SELECT x, y FROM t", out)
}

func TestSplice_NoEditsReturnsSourceUnchanged(t *testing.T) {
	require.Equal(t, "SELECT 1", Splice("SELECT 1", nil))
}

func TestRenderSelectItem_Variants(t *testing.T) {
	require.Equal(t, "*", RenderSelectItem(&Wildcard{}))
	require.Equal(t, "t.*", RenderSelectItem(&QualifiedWildcard{Table: "t"}))
	require.Equal(t, "id", RenderSelectItem(&UnnamedExpr{Expr: &Ident{Name: "id"}}))
	require.Equal(t, `NULL AS "phone"`, RenderSelectItem(NullAliasItem("phone")))
	require.Equal(t, "t.id", RenderExpr(&CompoundIdent{Table: "t", Column: "id"}))
}

func TestQuoteIdent_OnlyQuotesWhenNeeded(t *testing.T) {
	require.Equal(t, "id", quoteIdent("id"))
	require.Equal(t, `"Id"`, quoteIdent("Id"))
	require.Equal(t, `"select"`, quoteIdent("select"))
	require.Equal(t, `"with space"`, quoteIdent("with space"))
}

func TestParse_SimpleWildcardSelect(t *testing.T) {
	stmts, err := Parse("SELECT * FROM kids")
	require.NoError(t, err)
	require.Len(t, stmts, 1)

	q, ok := stmts[0].(*Query)
	require.True(t, ok)
	sel, ok := q.Body.(*Select)
	require.True(t, ok)
	require.Len(t, sel.From, 1)
	require.Equal(t, "kids", sel.From[0].Name)
	require.Len(t, sel.Items, 1)
	_, isWildcard := sel.Items[0].(*Wildcard)
	require.True(t, isWildcard)
	require.Greater(t, sel.ListEnd, 0)
}

func TestParse_CompoundIdentifierAndAlias(t *testing.T) {
	stmts, err := Parse(`SELECT k.id, k.phone AS p FROM kids k`)
	require.NoError(t, err)
	q := stmts[0].(*Query)
	sel := q.Body.(*Select)
	require.Equal(t, "kids", sel.From[0].Name)
	require.Equal(t, "k", sel.From[0].Alias)

	require.Len(t, sel.Items, 2)
	first, ok := sel.Items[0].(*UnnamedExpr)
	require.True(t, ok)
	ci, ok := first.Expr.(*CompoundIdent)
	require.True(t, ok)
	require.Equal(t, "k", ci.Table)
	require.Equal(t, "id", ci.Column)

	second, ok := sel.Items[1].(*ExprWithAlias)
	require.True(t, ok)
	require.Equal(t, "p", second.Alias)
}

func TestParse_RejectsInvalidSQL(t *testing.T) {
	_, err := Parse("SELEKT * FORM kids")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrParseFailure)
}

func TestParse_InsertColumns(t *testing.T) {
	stmts, err := Parse("INSERT INTO kids (name, address) VALUES ('a', 'b')")
	require.NoError(t, err)
	ins, ok := stmts[0].(*Insert)
	require.True(t, ok)
	require.Equal(t, "kids", ins.Table)
	require.Equal(t, []string{"name", "address"}, ins.Columns)
}

func TestParse_UpdateColumns(t *testing.T) {
	stmts, err := Parse("UPDATE kids SET phone = '555', name = 'x' WHERE id = 1")
	require.NoError(t, err)
	upd, ok := stmts[0].(*Update)
	require.True(t, ok)
	require.Equal(t, "kids", upd.Table)
	require.ElementsMatch(t, []string{"phone", "name"}, upd.Columns)
}

func TestParse_TransactionControl(t *testing.T) {
	stmts, err := Parse("BEGIN")
	require.NoError(t, err)
	tx, ok := stmts[0].(*TransactionControl)
	require.True(t, ok)
	require.Equal(t, TxBegin, tx.Kind)
}

func TestParse_MultiStatementBatch(t *testing.T) {
	stmts, err := Parse("SELECT 1; COMMIT;")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	_, isQuery := stmts[0].(*Query)
	require.True(t, isQuery)
	tx, ok := stmts[1].(*TransactionControl)
	require.True(t, ok)
	require.Equal(t, TxCommit, tx.Kind)
}

func TestParse_NoFromClauseNeverSetsListEnd(t *testing.T) {
	stmts, err := Parse("SELECT 1")
	require.NoError(t, err)
	q := stmts[0].(*Query)
	sel := q.Body.(*Select)
	require.Empty(t, sel.From)
	require.Equal(t, -1, sel.ListEnd)
}

func TestParse_SetOperation(t *testing.T) {
	stmts, err := Parse("SELECT id FROM a UNION SELECT id FROM b")
	require.NoError(t, err)
	q := stmts[0].(*Query)
	setOp, ok := q.Body.(*SetOperation)
	require.True(t, ok)
	require.Equal(t, SetOpUnion, setOp.Op)
	_, leftOK := setOp.Left.(*Select)
	_, rightOK := setOp.Right.(*Select)
	require.True(t, leftOK)
	require.True(t, rightOK)
}

func TestParse_WithClauseCTE(t *testing.T) {
	stmts, err := Parse("WITH recent AS (SELECT id FROM kids) SELECT id FROM recent")
	require.NoError(t, err)
	q := stmts[0].(*Query)
	require.NotNil(t, q.With)
	require.Len(t, q.With.CTEs, 1)
	require.Equal(t, "recent", q.With.CTEs[0].Name)
}
