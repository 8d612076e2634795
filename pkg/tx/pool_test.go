package tx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPool("test", db, true), mock
}

func TestBeginCommit(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tr, err := pool.Begin(context.Background(), BeginOptions{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.UserID)
	assert.Equal(t, "test", tr.Database)
	require.NoError(t, tr.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackClearsTasks(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tr, err := pool.Begin(context.Background(), BeginOptions{UserID: 1})
	require.NoError(t, err)
	tr.QueueTask("send-mail:1")
	tr.QueueTask("reindex:2")
	require.Len(t, tr.Tasks(), 2)

	require.NoError(t, tr.Rollback())
	assert.Empty(t, tr.Tasks())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureClassifiedAndClearsTasks(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	tr, err := pool.Begin(context.Background(), BeginOptions{UserID: 1})
	require.NoError(t, err)
	tr.QueueTask("send-mail:1")

	err = tr.Commit()
	var oe *OperationalError
	require.True(t, errors.As(err, &oe))
	assert.Empty(t, tr.Tasks())
}

func TestStatementTimeoutApplied(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 1500").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tr, err := pool.Begin(context.Background(), BeginOptions{Timeout: 1500 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, tr.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUseAfterClose(t *testing.T) {
	pool, mock := newMockPool(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tr, err := pool.Begin(context.Background(), BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Commit())

	_, err = tr.Exec(context.Background(), "UPDATE res_user SET active = false")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Commit(), ErrClosed)
	assert.NoError(t, tr.Rollback())
}
