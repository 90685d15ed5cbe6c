package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
)

// FetchTableInfo queries the information schema, over the admin side-channel
// connection, for the column list of every "schema.table" name in tables —
// the column-order map internal/rewriter.Ctx needs to expand a protected
// table's wildcard projection (§4.4, §4.8.2). Only protected tables are
// queried; an unprotected table never needs its column order known.
func FetchTableInfo(ctx context.Context, admin *pgconn.Conn, tables []string) (map[string][]string, error) {
	result := make(map[string][]string, len(tables))
	for _, qualified := range tables {
		schema, table, ok := splitSchemaTable(qualified)
		if !ok {
			continue
		}
		cols, err := fetchColumns(ctx, admin, schema, table)
		if err != nil {
			return nil, fmt.Errorf("service: fetch columns for %s: %w", qualified, err)
		}
		result[qualified] = cols
	}
	return result, nil
}

func fetchColumns(ctx context.Context, admin *pgconn.Conn, schema, table string) ([]string, error) {
	const query = `SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rr := admin.ExecParams(ctx, query, [][]byte{[]byte(schema), []byte(table)}, nil, nil, nil)
	var cols []string
	for rr.NextRow() {
		cols = append(cols, string(rr.Values()[0]))
	}
	if _, err := rr.Close(); err != nil {
		return nil, err
	}
	return cols, nil
}

func splitSchemaTable(qualified string) (schema, table string, ok bool) {
	idx := strings.LastIndex(qualified, ".")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+1:], true
}
