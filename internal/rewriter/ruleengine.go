package rewriter

// RuleEngine is the policy decision surface the rewriter consults. It is
// satisfied by the WASM policy host (§4.7) once a policy bundle has been
// evaluated for the connected principal; the rewriter itself holds no
// opinion about how a decision was produced.
type RuleEngine interface {
	// IsUpdateAllowed, IsInsertAllowed and IsCopyAllowed report whether the
	// principal may issue that statement kind at all, independent of which
	// columns it touches.
	IsUpdateAllowed() bool
	IsInsertAllowed() bool
	IsCopyAllowed() bool

	// GetAllowedUpdateAttributes, GetAllowedInsertAttributes and
	// GetAllowedCopyAttributes return, per table, the column allow-list for
	// that statement kind. A table with no entry denies the operation
	// entirely; an entry with zero columns allows every column (§4.5).
	GetAllowedUpdateAttributes() map[string][]string
	GetAllowedInsertAttributes() map[string][]string
	GetAllowedCopyAttributes() map[string][]string

	// GetProtectedColumns returns the protected-column list for a SELECT
	// target table, and whether the rule engine has an opinion on that
	// table at all. An empty-but-present list means every column of the
	// table is protected.
	GetProtectedColumns(table string) ([]string, bool)
}
