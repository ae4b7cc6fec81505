package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func setupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBLogger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_logs").WillReturnResult(sqlmock.NewResult(0, 0))

		logger, err := NewDBLogger(db)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		logger, err := NewDBLogger(nil)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_logs").WillReturnError(errors.New("table creation failed"))

		logger, err := NewDBLogger(db)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "failed to ensure audit_logs table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBLogger_Log(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		event := NewEvent(context.Background(), EventTypeGrantView, EventStatusSuccess, "admin")
		event.SubjectID = "alice"
		event.TargetID = "bob"

		mock.ExpectExec("INSERT INTO audit_logs").
			WithArgs(event.ID, event.Timestamp, "permission.grant_view", "success",
				"admin", "alice", "bob", "", "", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, logger.Log(context.Background(), event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))

		err := logger.Log(context.Background(), NewEvent(context.Background(), EventTypeAgentCreate, EventStatusSuccess, "admin"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit log")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unmarshalable metadata", func(t *testing.T) {
		logger := &DBLogger{}
		event := NewEvent(context.Background(), EventTypeAgentCreate, EventStatusSuccess, "admin")
		event.Metadata["bad"] = make(chan int)

		err := logger.Log(context.Background(), event)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to marshal metadata")
	})
}

func TestDBLogger_Search_QueryError(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	logger := &DBLogger{db: db}
	mock.ExpectQuery("SELECT (.+) FROM audit_logs").WillReturnError(errors.New("connection reset"))

	_, err := logger.Search(context.Background(), SearchFilter{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to search audit logs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_SQLite(t *testing.T) {
	ctx := context.Background()
	db := setupSQLiteDB(t)

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*AuditEvent{
		{ID: "e1", Timestamp: base, EventType: EventTypeGrantView, Status: EventStatusSuccess, ActorID: "admin", SubjectID: "alice", TargetID: "bob"},
		{ID: "e2", Timestamp: base.Add(time.Minute), EventType: EventTypeAssignManager, Status: EventStatusSuccess, ActorID: "admin", SubjectID: "dave", TargetID: "carol"},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), EventType: EventTypeGrantView, Status: EventStatusDenied, ActorID: "alice", SubjectID: "alice", TargetID: "bob",
			ErrorMessage: "forbidden", Metadata: map[string]interface{}{"reason": "not admin"}},
	}
	for _, e := range events {
		require.NoError(t, logger.Log(ctx, e))
	}

	t.Run("all newest first", func(t *testing.T) {
		got, err := logger.Search(ctx, SearchFilter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "e3", got[0].ID)
		assert.Equal(t, "e1", got[2].ID)
		assert.True(t, got[2].Timestamp.Equal(base))
	})

	t.Run("by subject and type", func(t *testing.T) {
		got, err := logger.Search(ctx, SearchFilter{
			SubjectID:  "alice",
			EventTypes: []EventType{EventTypeGrantView, EventTypeSetGrants},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("by status keeps metadata", func(t *testing.T) {
		denied := EventStatusDenied
		got, err := logger.Search(ctx, SearchFilter{Status: &denied})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "forbidden", got[0].ErrorMessage)
		assert.Equal(t, "not admin", got[0].Metadata["reason"])
	})

	t.Run("time range and pagination", func(t *testing.T) {
		start := base.Add(30 * time.Second)
		got, err := logger.Search(ctx, SearchFilter{StartTime: &start, ActorID: "admin"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e2", got[0].ID)

		page, err := logger.Search(ctx, SearchFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "e2", page[0].ID)
	})

	assert.NoError(t, logger.Close())
}
