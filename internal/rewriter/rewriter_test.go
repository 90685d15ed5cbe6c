package rewriter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rowguard/rowguard/internal/sqlast"
)

// stubEngine is a fixed-answer RuleEngine used only by these tests.
type stubEngine struct {
	protected      map[string][]string
	updateAllowed  bool
	insertAllowed  bool
	copyAllowed    bool
	updateAttrs    map[string][]string
	insertAttrs    map[string][]string
	copyAttrs      map[string][]string
}

func (s *stubEngine) IsUpdateAllowed() bool { return s.updateAllowed }
func (s *stubEngine) IsInsertAllowed() bool { return s.insertAllowed }
func (s *stubEngine) IsCopyAllowed() bool   { return s.copyAllowed }

func (s *stubEngine) GetAllowedUpdateAttributes() map[string][]string { return s.updateAttrs }
func (s *stubEngine) GetAllowedInsertAttributes() map[string][]string { return s.insertAttrs }
func (s *stubEngine) GetAllowedCopyAttributes() map[string][]string   { return s.copyAttrs }

func (s *stubEngine) GetProtectedColumns(table string) ([]string, bool) {
	cols, ok := s.protected[table]
	return cols, ok
}

// rewriteSQL parses sql, rewrites it against engine, and splices the
// resulting edits back into the original source — the same pipeline the
// protocol handler runs on every simple-query and Parse message.
func rewriteSQL(t *testing.T, engine RuleEngine, tableInfo map[string][]string, sql string) string {
	t.Helper()
	stmts, err := sqlast.Parse(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 1)

	rw := New(engine, []string{"public"})
	ctx := NewCtx(tableInfo)
	edits, err := rw.Rewrite(stmts[0], ctx)
	require.NoError(t, err)
	return sqlast.Splice(sql, edits)
}

// kidsSchema keys tableInfo the same way the reference engine's own test
// fixtures do: by the bare name the FROM clause actually uses, so a rule
// engine entry under that same bare name is a direct match rather than one
// found through namespace probing.
func kidsSchema() map[string][]string {
	return map[string][]string{
		"kids": {"phone", "id", "name", "address"},
	}
}

// Boundary scenario 1 (§8): bare wildcard expands in schema order with the
// protected column nulled out in place.
func TestBoundary_WildcardWithOneProtectedColumn(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT * FROM kids")
	require.Equal(t, `SELECT NULL AS "phone", id, name, address FROM kids`, out)
}

// Boundary scenario 2 (§8): an explicitly projected protected column is
// nulled out under its own name, every other item is left untouched.
func TestBoundary_ExplicitProtectedColumn(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT id, phone FROM kids")
	require.Equal(t, `SELECT id, NULL AS "phone" FROM kids`, out)
}

// Boundary scenario 3 (§8): a protected column used as a function argument
// is nulled out in place, leaving the enclosing call's own text untouched —
// SUM(phone) becomes SUM(NULL), not a whole-item `NULL AS "sum"` — because
// the failing argument is a bare identifier, whose span translate.go can
// compute precisely from its decoded text length.
func TestBoundary_ProtectedColumnInsideFunctionArgument(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT SUM(phone) FROM kids")
	require.Equal(t, `SELECT SUM(NULL) FROM kids`, out)
}

// Boundary scenario 4 (§8): a CTE body is rewritten independently and the
// outer reference to it is left untouched.
func TestBoundary_CTEBodyRewrittenIndependently(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "WITH d AS (SELECT * FROM kids LIMIT 1) SELECT * FROM d")
	require.Equal(t, `WITH d AS (SELECT NULL AS "phone", id, name, address FROM kids LIMIT 1) SELECT * FROM d`, out)
}

// Boundary scenario 5 (§8): an INSERT touching a column outside the
// allow-list is rejected outright rather than rewritten.
func TestBoundary_InsertOutsideAllowListRejected(t *testing.T) {
	engine := &stubEngine{
		protected:     map[string][]string{"public.kids": {"id"}},
		insertAllowed: true,
		insertAttrs:   map[string][]string{"public.kids": {"phone"}},
	}
	stmts, err := sqlast.Parse("INSERT INTO kids(id) VALUES(1)")
	require.NoError(t, err)

	rw := New(engine, []string{"public"})
	_, err = rw.Rewrite(stmts[0], NewCtx(kidsSchema()))
	require.ErrorIs(t, err, ErrUnauthorizedInsert)
}

// Boundary scenario 6 (§8): a table with an empty (but present) protected
// column list is fully protected — every column nulled out — while a
// joined table not configured at all passes through as a plain wildcard.
func TestBoundary_FullyProtectedTableViaEmptyColumnList(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT * FROM kids JOIN t ON t.k=kids.id")
	require.Equal(t,
		`SELECT NULL AS "phone", NULL AS "id", NULL AS "name", NULL AS "address", t.* FROM kids JOIN t ON t.k=kids.id`,
		out)
}

// A protected-column list discovered only by probing the configured
// namespaces (never directly tracked or found under the bare name the rule
// engine was asked about) rejects the statement outright when that
// namespaced entry turns out empty — distinguishing "this table wasn't
// configured under this namespace" from "this table is fully protected",
// which only a direct match can assert (§4.6).
func TestNamespaceProbedEmptyColumnListIsRejected(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"public.kids": {}}}
	stmts, err := sqlast.Parse("SELECT * FROM kids")
	require.NoError(t, err)

	rw := New(engine, []string{"public"})
	_, err = rw.Rewrite(stmts[0], NewCtx(kidsSchema()))
	var unauthorized *UnauthorizedColumnError
	require.ErrorAs(t, err, &unauthorized)
	require.Equal(t, "kids", unauthorized.Table)
}

// Invariant 1 (§8): a rewrite never changes the number of projected
// columns or their exposed names, even when several are denied.
func TestInvariant_ArityAndNamesPreserved(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone", "address"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT id, phone, name, address FROM kids")
	require.Equal(t, `SELECT id, NULL AS "phone", name, NULL AS "address" FROM kids`, out)
}

// Invariant 4 (§8): each side of a set operation is rewritten
// independently, and the arity of each side is preserved on its own.
func TestInvariant_UnionSidesRewrittenIndependently(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(),
		"SELECT id, phone FROM kids UNION SELECT id, phone FROM kids")
	require.Equal(t,
		`SELECT id, NULL AS "phone" FROM kids UNION SELECT id, NULL AS "phone" FROM kids`,
		out)
}

// Invariant 5 (§8): an aliased table resolves protected-column membership
// against the underlying table, and the alias inherits that membership.
func TestInvariant_AliasedTableInheritsProtectedColumns(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	out := rewriteSQL(t, engine, kidsSchema(), "SELECT k.id, k.phone FROM kids k")
	require.Equal(t, `SELECT k.id, NULL AS "phone" FROM kids k`, out)
}

// A table carrying no rule-engine entry at all is left completely
// untouched — absence of a policy is not the same as an empty allow-list.
func TestUnconfiguredTablePassesThroughUntouched(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{}}
	out := rewriteSQL(t, engine, map[string][]string{"other": {"a", "b"}}, "SELECT * FROM other")
	require.Equal(t, "SELECT * FROM other", out)
}

// Idempotence: rewriting an already-rewritten statement a second time is a
// no-op, since the NULL literal it introduced is not itself a protected
// identifier.
func TestRewriteIsIdempotent(t *testing.T) {
	engine := &stubEngine{protected: map[string][]string{"kids": {"phone"}}}
	first := rewriteSQL(t, engine, kidsSchema(), "SELECT * FROM kids")
	second := rewriteSQL(t, engine, kidsSchema(), first)
	require.Equal(t, first, second)
}
