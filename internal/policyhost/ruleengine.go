package policyhost

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rowguard/rowguard/internal/rewriter"
)

// var assertion: Snapshot must keep satisfying rewriter.RuleEngine.
var _ rewriter.RuleEngine = (*Snapshot)(nil)

// rawEvaluator is the minimal surface DeriveRuleEngine needs from a policy
// evaluation. *Evaluator satisfies it; tests substitute a hand-written stub
// so the derivation logic below can be exercised without a compiled policy
// module.
type rawEvaluator interface {
	Eval(ctx context.Context, entrypoint string, input any, out any) error
}

// Input is the attribute set the "allow" entry point is evaluated against —
// the data source name and connected database the session is bound to, the
// caller's groups, and (for "allow" only) the DML kind being asked about.
// The "protected_attributes"/"allowed_attributes" entry points are evaluated
// with Action left empty, since a single attribute list is shared across
// every DML kind (§4.7, §4.5).
type Input struct {
	DataSource string   `json:"data_source"`
	DBName     string   `json:"db_name"`
	Groups     []string `json:"groups"`
	Action     string   `json:"action,omitempty"`
}

// Action values passed to the "allow" entry point, one evaluation per kind.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionCopy   = "copy"
)

// Snapshot is a derived, immutable policy decision for one session,
// satisfying internal/rewriter.RuleEngine. It is rebuilt — never mutated —
// whenever the session re-evaluates against a new policy version or a
// table-info refresh changes the schema shape (§5).
type Snapshot struct {
	insertAllowed bool
	updateAllowed bool
	copyAllowed   bool

	protected     map[string][]string
	allowedInsert map[string][]string
	allowedUpdate map[string][]string
	allowedCopy   map[string][]string
}

func (s *Snapshot) IsUpdateAllowed() bool { return s.updateAllowed }
func (s *Snapshot) IsInsertAllowed() bool { return s.insertAllowed }
func (s *Snapshot) IsCopyAllowed() bool   { return s.copyAllowed }

func (s *Snapshot) GetAllowedUpdateAttributes() map[string][]string { return s.allowedUpdate }
func (s *Snapshot) GetAllowedInsertAttributes() map[string][]string { return s.allowedInsert }
func (s *Snapshot) GetAllowedCopyAttributes() map[string][]string   { return s.allowedCopy }

func (s *Snapshot) GetProtectedColumns(table string) ([]string, bool) {
	cols, ok := s.protected[table]
	return cols, ok
}

// ProtectedTableNames returns the sorted "schema.table" keys the policy
// marked as carrying at least one protected column — the table-info
// refresh (§4.8.2) only ever needs the full column list for these, since
// internal/rewriter's Ctx only consults tableInfo for a table it already
// has a protected-column entry for.
func (s *Snapshot) ProtectedTableNames() []string {
	names := make([]string, 0, len(s.protected))
	for name := range s.protected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeriveRuleEngine evaluates "allow" once per DML kind plus
// "protected_attributes" and "allowed_attributes" once each, and folds the
// results into a Snapshot. Every "db.schema.table[.column]" attribute
// string is filtered to input.DBName and indexed by "schema.table" — the
// exact shape internal/rewriter expects its RuleEngine to key its maps by
// (§4.5).
func DeriveRuleEngine(ctx context.Context, eval rawEvaluator, input Input) (*Snapshot, error) {
	snap := &Snapshot{
		protected:     map[string][]string{},
		allowedInsert: map[string][]string{},
		allowedUpdate: map[string][]string{},
		allowedCopy:   map[string][]string{},
	}

	var err error
	if snap.insertAllowed, err = evalAllow(ctx, eval, input, ActionInsert); err != nil {
		return nil, err
	}
	if snap.updateAllowed, err = evalAllow(ctx, eval, input, ActionUpdate); err != nil {
		return nil, err
	}
	if snap.copyAllowed, err = evalAllow(ctx, eval, input, ActionCopy); err != nil {
		return nil, err
	}

	protectedAttrs, err := evalAttributeList(ctx, eval, input, EntrypointProtectedAttributes)
	if err != nil {
		return nil, err
	}
	for _, attr := range protectedAttrs {
		key, ok := attr.keyFor(input.DBName)
		if !ok {
			continue
		}
		snap.protected[key] = appendAttr(snap.protected[key], attr.column)
	}

	allowedAttrs, err := evalAttributeList(ctx, eval, input, EntrypointAllowedAttributes)
	if err != nil {
		return nil, err
	}
	for _, attr := range allowedAttrs {
		key, ok := attr.keyFor(input.DBName)
		if !ok {
			continue
		}
		snap.allowedInsert[key] = appendAttr(snap.allowedInsert[key], attr.column)
		snap.allowedUpdate[key] = appendAttr(snap.allowedUpdate[key], attr.column)
		snap.allowedCopy[key] = appendAttr(snap.allowedCopy[key], attr.column)
	}

	return snap, nil
}

func evalAllow(ctx context.Context, eval rawEvaluator, input Input, action string) (bool, error) {
	input.Action = action
	var allowed bool
	if err := eval.Eval(ctx, EntrypointAllow, input, &allowed); err != nil {
		return false, fmt.Errorf("policyhost: evaluate allow(%s): %w", action, err)
	}
	return allowed, nil
}

func evalAttributeList(ctx context.Context, eval rawEvaluator, input Input, entrypoint string) ([]qualifiedAttribute, error) {
	input.Action = ""
	var raw []string
	if err := eval.Eval(ctx, entrypoint, input, &raw); err != nil {
		return nil, fmt.Errorf("policyhost: evaluate %s: %w", entrypoint, err)
	}
	attrs := make([]qualifiedAttribute, 0, len(raw))
	for _, s := range raw {
		attr, ok := parseQualifiedAttribute(s)
		if !ok {
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// qualifiedAttribute is one "db.schema.table[.column]" path from a policy
// result. column is empty when the path names a whole table (an empty
// allow/protected list for that table, per §4.5).
type qualifiedAttribute struct {
	db     string
	schema string
	table  string
	column string
}

// parseQualifiedAttribute splits a dotted attribute path into its four
// components. A path with fewer than three dot-separated components (db,
// schema, table) does not describe a table and is discarded.
func parseQualifiedAttribute(path string) (qualifiedAttribute, bool) {
	parts := strings.SplitN(path, ".", 4)
	if len(parts) < 3 {
		return qualifiedAttribute{}, false
	}
	attr := qualifiedAttribute{db: parts[0], schema: parts[1], table: parts[2]}
	if len(parts) == 4 {
		attr.column = parts[3]
	}
	return attr, true
}

// keyFor reports the "schema.table" index key for this attribute if it is
// scoped to dbName, filtering out every attribute belonging to a different
// database (§4.5).
func (a qualifiedAttribute) keyFor(dbName string) (string, bool) {
	if a.db != dbName {
		return "", false
	}
	return a.schema + "." + a.table, true
}

// appendAttr records a table's column entry, initializing it to a non-nil
// empty slice on first sight so a table named by the policy but with every
// column omitted still maps (as opposed to being absent, which the rewriter
// treats as "no entry at all" — §4.5).
func appendAttr(existing []string, column string) []string {
	if existing == nil {
		existing = []string{}
	}
	if column == "" {
		return existing
	}
	return append(existing, column)
}
