package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk upsert into a schema-qualified table.
type UpsertConfig struct {
	Table        string   // e.g. "netmetrics.boundaries"
	Columns      []string // columns supplied per row, in row order
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // nil means every non-key column
}

func (c UpsertConfig) validate() error {
	if len(c.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(c.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (c UpsertConfig) updateColumns() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	keys := make(map[string]bool, len(c.ConflictKeys))
	for _, k := range c.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, col := range c.Columns {
		if !keys[col] {
			cols = append(cols, col)
		}
	}
	return cols
}

func (c UpsertConfig) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(c.Table, ".", "_")
}

// stagingSQL creates a transaction-scoped copy of the target's shape.
func (c UpsertConfig) stagingSQL() string {
	return "CREATE TEMP TABLE " + pgx.Identifier{c.stagingTable()}.Sanitize() +
		" (LIKE " + sanitizeTable(c.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
}

// mergeSQL moves the staged rows into the target.
func (c UpsertConfig) mergeSQL() string {
	cols := quoteAndJoin(c.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sanitizeTable(c.Table))
	b.WriteString(" (" + cols + ") SELECT " + cols + " FROM ")
	b.WriteString(pgx.Identifier{c.stagingTable()}.Sanitize())
	b.WriteString(" ON CONFLICT (" + quoteAndJoin(c.ConflictKeys) + ")")

	update := c.updateColumns()
	if len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	sets := make([]string, len(update))
	for i, col := range update {
		q := pgx.Identifier{col}.Sanitize()
		sets[i] = q + " = EXCLUDED." + q
	}
	b.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
	return b.String()
}

// BulkUpsert stages rows with COPY and merges them with INSERT ... ON CONFLICT
// in its own transaction.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	var n int64
	err := InTx(ctx, pool, func(tx pgx.Tx) error {
		var err error
		n, err = BulkUpsertTx(ctx, tx, cfg, rows)
		return err
	})
	return n, err
}

// BulkUpsertTx is BulkUpsert inside a caller-owned transaction.
func BulkUpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, cfg.stagingSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{cfg.stagingTable()}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into stage for %s", cfg.Table)
	}
	tag, err := tx.Exec(ctx, cfg.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified names like "netmetrics.boundaries".
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
