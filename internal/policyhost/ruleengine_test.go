package policyhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubEvaluator answers each entry point from a fixed JSON table keyed by
// "entrypoint" for protected/allowed attributes, or "entrypoint:action" for
// allow, letting DeriveRuleEngine's filtering/indexing logic be exercised
// without a compiled policy module.
type stubEvaluator struct {
	responses map[string]string
}

func (s *stubEvaluator) Eval(_ context.Context, entrypoint string, input any, out any) error {
	key := entrypoint
	if in, ok := input.(Input); ok && in.Action != "" {
		key = entrypoint + ":" + in.Action
	}
	raw, ok := s.responses[key]
	if !ok {
		raw = "null"
	}
	return json.Unmarshal([]byte(raw), out)
}

func TestDeriveRuleEngine_FiltersByDBNameAndIndexesBySchemaTable(t *testing.T) {
	stub := &stubEvaluator{responses: map[string]string{
		EntrypointAllow + ":insert":   "true",
		EntrypointAllow + ":update":   "false",
		EntrypointAllow + ":copy":     "false",
		EntrypointProtectedAttributes: `["appdb.public.kids.phone", "otherdb.public.kids.address"]`,
		EntrypointAllowedAttributes:   `["appdb.public.kids.name"]`,
	}}

	snap, err := DeriveRuleEngine(context.Background(), stub, Input{DBName: "appdb"})
	require.NoError(t, err)

	require.True(t, snap.IsInsertAllowed())
	require.False(t, snap.IsUpdateAllowed())
	require.False(t, snap.IsCopyAllowed())

	cols, ok := snap.GetProtectedColumns("public.kids")
	require.True(t, ok)
	require.Equal(t, []string{"phone"}, cols)

	insertAttrs := snap.GetAllowedInsertAttributes()
	require.Equal(t, []string{"name"}, insertAttrs["public.kids"])
	require.Equal(t, []string{"name"}, snap.GetAllowedUpdateAttributes()["public.kids"])
	require.Equal(t, []string{"name"}, snap.GetAllowedCopyAttributes()["public.kids"])
}

func TestDeriveRuleEngine_WholeTableAttributeRecordsEmptyAllowance(t *testing.T) {
	stub := &stubEvaluator{responses: map[string]string{
		EntrypointAllow + ":insert":   "false",
		EntrypointAllow + ":update":   "true",
		EntrypointAllow + ":copy":     "false",
		EntrypointProtectedAttributes: `[]`,
		EntrypointAllowedAttributes:   `["appdb.public.pets"]`,
	}}

	snap, err := DeriveRuleEngine(context.Background(), stub, Input{DBName: "appdb"})
	require.NoError(t, err)

	attrs := snap.GetAllowedUpdateAttributes()
	cols, ok := attrs["public.pets"]
	require.True(t, ok)
	require.Empty(t, cols)
}

func TestDeriveRuleEngine_NoMatchingDBYieldsNoEntries(t *testing.T) {
	stub := &stubEvaluator{responses: map[string]string{
		EntrypointAllow + ":insert":   "false",
		EntrypointAllow + ":update":   "false",
		EntrypointAllow + ":copy":     "false",
		EntrypointProtectedAttributes: `["otherdb.public.kids.phone"]`,
		EntrypointAllowedAttributes:   `[]`,
	}}

	snap, err := DeriveRuleEngine(context.Background(), stub, Input{DBName: "appdb"})
	require.NoError(t, err)

	_, ok := snap.GetProtectedColumns("public.kids")
	require.False(t, ok)
}

func TestParseQualifiedAttribute(t *testing.T) {
	attr, ok := parseQualifiedAttribute("appdb.public.kids.phone")
	require.True(t, ok)
	require.Equal(t, qualifiedAttribute{db: "appdb", schema: "public", table: "kids", column: "phone"}, attr)

	attr, ok = parseQualifiedAttribute("appdb.public.kids")
	require.True(t, ok)
	require.Equal(t, qualifiedAttribute{db: "appdb", schema: "public", table: "kids"}, attr)

	_, ok = parseQualifiedAttribute("appdb.public")
	require.False(t, ok)
}
