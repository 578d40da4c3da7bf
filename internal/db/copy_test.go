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

func TestCopyInto_EmptyRowsSkipsCopy(t *testing.T) {
	n, err := CopyInto(context.Background(), nil, pgx.Identifier{"netmetrics", "metric_records"}, []string{"boundary_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyInto(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"boundary_id", "metric", "value"}
	mock.ExpectCopyFrom(pgx.Identifier{"netmetrics", "metric_records"}, cols).WillReturnResult(2)

	n, err := CopyInto(context.Background(), mock, pgx.Identifier{"netmetrics", "metric_records"}, cols,
		[][]any{{int64(1), "reach_500", 3.0}, {int64(1), "reach_1000", 7.0}})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyInto_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"overture", "raw_nodes"}, []string{"boundary_id"}).
		WillReturnError(fmt.Errorf("permission denied"))

	_, err = CopyInto(context.Background(), mock, pgx.Identifier{"overture", "raw_nodes"}, []string{"boundary_id"}, [][]any{{int64(1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `copy into "overture"."raw_nodes"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceScoped_DeletesThenCopies(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "overture"."clean_edges" WHERE boundary_id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectCopyFrom(pgx.Identifier{"overture", "clean_edges"}, []string{"boundary_id", "edge_id"}).WillReturnResult(2)
	mock.ExpectCommit()

	var n int64
	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		var err error
		n, err = ReplaceScoped(context.Background(), tx, "overture", "clean_edges", "boundary_id = $1", []any{int64(7)},
			[]string{"boundary_id", "edge_id"}, [][]any{{int64(7), "e1"}, {int64(7), "e2"}})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceScoped_DeleteErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WillReturnError(fmt.Errorf("lock timeout"))
	mock.ExpectRollback()

	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := ReplaceScoped(context.Background(), tx, "overture", "clean_edges", "boundary_id = $1", []any{int64(7)},
			[]string{"boundary_id"}, [][]any{{int64(7)}})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clear overture.clean_edges")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(fmt.Errorf("too many clients"))

	err = InTx(context.Background(), mock, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}
