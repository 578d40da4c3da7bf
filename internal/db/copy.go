package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyInto streams rows into table over the COPY protocol. c may be a pool
// or a pgx.Tx.
func CopyInto(ctx context.Context, c Copier, table pgx.Identifier, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := c.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table.Sanitize())
	}
	return n, nil
}

// ReplaceScoped deletes every row matching the scope predicate and copies the
// replacement rows in, all within tx. Readers never observe a half-written scope.
func ReplaceScoped(ctx context.Context, tx pgx.Tx, schema, table, where string, whereArgs []any, columns []string, rows [][]any) (int64, error) {
	del := "DELETE FROM " + pgx.Identifier{schema, table}.Sanitize() + " WHERE " + where
	if _, err := tx.Exec(ctx, del, whereArgs...); err != nil {
		return 0, eris.Wrapf(err, "db: clear %s.%s", schema, table)
	}
	return CopyInto(ctx, tx, pgx.Identifier{schema, table}, columns, rows)
}
