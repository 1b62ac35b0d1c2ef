package postgres

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memgrid/memsched/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "no rows maps to not found",
			err:  sql.ErrNoRows,
			want: store.ErrNotFound,
		},
		{
			name: "unique violation maps to duplicate",
			err:  &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "tasks_dedup_key_active_idx"},
			want: store.ErrDuplicate,
		},
		{
			name: "foreign key violation maps to invalid entity",
			err:  &pgconn.PgError{Code: foreignKeyViolationCode, ConstraintName: "tasks_fk"},
			want: store.ErrInvalidEntity,
		},
		{
			name: "check violation maps to invalid entity",
			err:  &pgconn.PgError{Code: checkViolationCode, ConstraintName: "tasks_state_check"},
			want: store.ErrInvalidEntity,
		},
		{
			name: "not null violation maps to invalid entity",
			err:  &pgconn.PgError{Code: notNullViolationCode, ColumnName: "label"},
			want: store.ErrInvalidEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, MapError(tt.err), tt.want)
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, MapError(nil))
	})

	t.Run("unknown errors pass through unchanged", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		assert.Same(t, boom, MapError(boom))
	})
}

// fakeResult is a sql.Result with a fixed affected-row count.
type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckRowsAffected(fakeResult{rows: 1}, "task"))

	err := CheckRowsAffected(fakeResult{rows: 0}, "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "task")

	assert.ErrorIs(t, CheckRowsAffected(fakeResult{rows: 0}, ""), store.ErrNotFound)

	readErr := errors.New("driver gone")
	err = CheckRowsAffected(fakeResult{err: readErr}, "task")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	require.Error(t, CheckRowsAffected(nil, "task"))
}
