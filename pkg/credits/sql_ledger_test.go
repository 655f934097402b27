package credits

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountRows(balance, reserved, earned, spent int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"agent_did", "balance", "reserved", "earned", "spent", "created_at", "updated_at"}).
		AddRow("did:ainp:alice", balance, reserved, earned, spent, now, now)
}

func TestSQLLedger_Reserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at FROM credit_accounts WHERE agent_did = $1 FOR UPDATE`)).
		WithArgs("did:ainp:alice").
		WillReturnRows(accountRows(1000, 0, 0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM credit_transactions ORDER BY created_at DESC LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WithArgs(sqlmock.AnyArg(), "did:ainp:alice", string(TxReserve), int64(300), "intent-1", "", "", sqlmock.AnyArg(), GenesisHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE credit_accounts`)).
		WithArgs(int64(1000), int64(300), int64(0), int64(0), sqlmock.AnyArg(), "did:ainp:alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.Reserve(ctx, "did:ainp:alice", 300, "intent-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_ReserveInsufficientRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("did:ainp:alice").
		WillReturnRows(accountRows(50, 40, 0, 0))
	mock.ExpectRollback()

	err = l.Reserve(context.Background(), "did:ainp:alice", 20, "intent-1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_ReleaseLogsSpendRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("did:ainp:alice").
		WillReturnRows(accountRows(1000, 300, 0, 0))
	// release row
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM credit_transactions`)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("abc"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WithArgs(sqlmock.AnyArg(), "did:ainp:alice", string(TxRelease), int64(300), "intent-1", "", "", sqlmock.AnyArg(), "abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// spend row, chained to the release row just written
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM credit_transactions`)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("def"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_transactions`)).
		WithArgs(sqlmock.AnyArg(), "did:ainp:alice", string(TxSpend), int64(300), "intent-1", "", "", sqlmock.AnyArg(), "def", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE credit_accounts`)).
		WithArgs(int64(700), int64(0), int64(0), int64(300), sqlmock.AnyArg(), "did:ainp:alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, l.Release(context.Background(), "did:ainp:alice", 300, 300, "intent-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_GetAccountMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT agent_did`)).
		WithArgs("did:ainp:ghost").
		WillReturnRows(sqlmock.NewRows([]string{"agent_did", "balance", "reserved", "earned", "spent", "created_at", "updated_at"}))

	acc, err := l.GetAccount(context.Background(), "did:ainp:ghost")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestSQLLedger_CreateAccountIdempotentInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (agent_did) DO NOTHING`)).
		WithArgs("did:ainp:alice", int64(500), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0)) // already existed
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT agent_did`)).
		WithArgs("did:ainp:alice").
		WillReturnRows(accountRows(1234, 0, 0, 0))

	acc, err := l.CreateAccount(context.Background(), "did:ainp:alice", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), acc.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}
