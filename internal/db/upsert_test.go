package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boundaryUpsert() UpsertConfig {
	return UpsertConfig{
		Table:        "netmetrics.boundaries",
		Columns:      []string{"boundary_id", "extent_group", "geom"},
		ConflictKeys: []string{"boundary_id"},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, boundaryUpsert(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "netmetrics.boundaries",
		ConflictKeys: []string{"boundary_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "netmetrics.boundaries",
		Columns: []string{"boundary_id", "extent_group"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_StagesAndMerges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := boundaryUpsert()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_netmetrics_boundaries"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_netmetrics_boundaries"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "netmetrics"."boundaries"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{
		{int64(1), "eu", []byte{0x01}},
		{int64(2), "eu", []byte{0x01}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := boundaryUpsert()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_netmetrics_boundaries"}, cfg.Columns).
		WillReturnError(fmt.Errorf("connection reset by peer"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{int64(1), "eu", nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into stage for netmetrics.boundaries")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSQL(t *testing.T) {
	cfg := boundaryUpsert()
	assert.Equal(t,
		`INSERT INTO "netmetrics"."boundaries" ("boundary_id", "extent_group", "geom") `+
			`SELECT "boundary_id", "extent_group", "geom" FROM "_stage_netmetrics_boundaries" `+
			`ON CONFLICT ("boundary_id") DO UPDATE SET "extent_group" = EXCLUDED."extent_group", "geom" = EXCLUDED."geom"`,
		cfg.mergeSQL())

	cfg.UpdateCols = []string{}
	assert.Contains(t, cfg.mergeSQL(), "DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"overture.clean_edges", `"overture"."clean_edges"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
