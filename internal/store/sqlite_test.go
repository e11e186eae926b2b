// ABOUTME: SQLite-specific tests for schema creation, reopening and timestamp encoding
// ABOUTME: Behaviour shared with other backends lives in store_test.go

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "allocator.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateOperator(ctx, &Operator{ID: "op-1", TenantID: "tenant-a"}))
	require.NoError(t, s.Close())

	// Schema creation and migrations are idempotent
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	op, err := s.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", op.TenantID)
}

func TestSQLiteStore_PragmasApplied(t *testing.T) {
	s := setupTestStore(t)

	var fk int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStore_AssigneeInvariantEnforced(t *testing.T) {
	s := setupTestStore(t)
	f := seed(t, s)
	queuedConversation(t, s, f, "conv-1", baseTime)

	// The CHECK constraint rejects an ALLOCATED row without an assignee
	_, err := s.DB().Exec(`UPDATE conversations SET state = 'ALLOCATED' WHERE id = 'conv-1'`)
	assert.Error(t, err)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	whole := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fraction := whole.Add(500 * time.Millisecond)

	assert.Less(t, formatTime(whole), formatTime(fraction))

	parsed, err := parseTime(formatTime(fraction))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(fraction))

	local := time.FixedZone("UTC+2", 2*60*60)
	assert.Equal(t, formatTime(whole), formatTime(whole.In(local)))
}

func TestSQLiteStore_Ping(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ping.db"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))
}
