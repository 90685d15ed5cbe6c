package rewriter

// isOperationAllowed validates an INSERT/UPDATE/COPY target against a
// column allow-list map, the way handle_update/handle_insert/handle_copy
// do in the reference engine. If the table name already carries a schema,
// it is checked directly; otherwise every configured namespace is tried
// in order and the statement is allowed if any one of them has an entry
// covering all the target columns.
func (r *Rewriter) isOperationAllowed(schema, table string, columns []string, allowed map[string][]string) bool {
	if schema != "" {
		return validateAllowedAttributes(allowed, schema+"."+table, columns)
	}
	for _, ns := range r.namespaces {
		if validateAllowedAttributes(allowed, ns+"."+table, columns) {
			return true
		}
	}
	return false
}

// validateAllowedAttributes reports whether every column in columns is
// covered by tableName's allow-list entry. An entry with zero columns
// allows every column (§4.5); a table with no entry at all denies the
// operation outright.
func validateAllowedAttributes(allowed map[string][]string, tableName string, columns []string) bool {
	allowedCols, ok := allowed[tableName]
	if !ok {
		return false
	}
	if len(allowedCols) == 0 {
		return true
	}
	for _, col := range columns {
		found := false
		for _, ac := range allowedCols {
			if ac == col {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
