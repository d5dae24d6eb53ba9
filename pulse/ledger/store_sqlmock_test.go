package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
)

// Minimal sqlmock tests for the ledger's failure paths

func TestClaim_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	store := NewDataSourceJobStoreWithClock(database, func() time.Time { return epoch })

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasource_jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`)).
		WithArgs(StateInProgress, epoch, int64(5), StateNew).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.Claim(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_SqlmockDriverError(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	store := NewDataSourceJobStoreWithClock(database, func() time.Time { return epoch })

	mock.ExpectExec("UPDATE datasource_jobs").
		WillReturnError(errors.New("disk I/O error"))

	_, err = store.Claim(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim data-source job 5")
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestScheduleRollsBackOnInsertError_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	store := NewDataSourceJobStoreWithClock(database, func() time.Time { return epoch })

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM datasource_jobs").
		WithArgs(int64(7), KindSync, StateNew, StateInProgress).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO datasource_jobs").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, created, err := store.Schedule(context.Background(), 7, KindSync)
	require.Error(t, err)
	assert.False(t, created)
	assert.Contains(t, err.Error(), "failed to create sync job for resource 7")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired_Sqlmock(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	store := NewAgentJobStore(database)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM agent_jobs WHERE valid_till < ?`)).
		WithArgs(epoch).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.DeleteExpired(context.Background(), epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
