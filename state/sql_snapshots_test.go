package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

func setupSnapshotDB(t *testing.T) *SQLSnapshots {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，限制为单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewSQLSnapshots(db, zaptest.NewLogger(t))
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestSQLSnapshots_SaveGetLatest(t *testing.T) {
	ctx := context.Background()
	s := setupSnapshotDB(t)

	_, err := s.Latest(ctx)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	older := &Snapshot{
		ID: "snap-1", TakenAt: base, LogSeq: 4, Patterns: []string{"*"},
		Values: map[string]*Entry{"a": {Key: "a", Value: []byte(`1`), Version: 1}},
	}
	newer := &Snapshot{
		ID: "snap-2", TakenAt: base.Add(time.Minute), LogSeq: 9, Patterns: []string{"*"},
		Values: map[string]*Entry{
			"a": {Key: "a", Value: []byte(`2`), Version: 2},
			"b": {Key: "b", Value: []byte(`"x"`), Version: 1, UpdatedBy: "node-1"},
		},
	}
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))
	assert.Error(t, s.Save(ctx, older), "duplicate id")

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.ID)
	assert.Equal(t, int64(9), latest.LogSeq)
	assert.Equal(t, []string{"a", "b"}, latest.Keys)
	assert.Equal(t, "node-1", latest.Values["b"].UpdatedBy)
	assert.JSONEq(t, `2`, string(latest.Values["a"].Value))

	got, err := s.Get(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, got.Patterns)
	assert.True(t, base.Equal(got.TakenAt))

	_, err = s.Get(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "snap-2", infos[0].ID)
	assert.Equal(t, 2, infos[0].KeyCount)
}

func TestSQLSnapshots_Prune(t *testing.T) {
	ctx := context.Background()
	s := setupSnapshotDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, s.Save(ctx, &Snapshot{ID: id, TakenAt: base.Add(time.Duration(i) * time.Hour), Values: map[string]*Entry{}}))
	}

	removed, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "s4", infos[0].ID)
	assert.Equal(t, "s3", infos[1].ID)

	removed, err = s.Prune(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// 进程与共享存储全部丢失后，仅凭 SQL 快照恢复
func TestRehydrate_FromSQLSnapshotIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	snaps := setupSnapshotDB(t)

	m := newTestManager(t, store.NewMemory(""), WithSnapshotStore(snaps))
	_, err := m.Set(ctx, "agents:1", map[string]string{"status": "idle"}, 0)
	require.NoError(t, err)
	_, err = m.Set(ctx, "agents:1", map[string]string{"status": "busy"}, 1)
	require.NoError(t, err)
	_, err = m.TakeSnapshot(ctx)
	require.NoError(t, err)

	fresh := newTestManager(t, store.NewMemory(""), WithSnapshotStore(snaps))
	report, err := fresh.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)

	got, err := fresh.Get(ctx, "agents:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	var v map[string]string
	require.NoError(t, got.Decode(&v))
	assert.Equal(t, "busy", v["status"])
}

func TestSQLSnapshots_QueryErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s := NewSQLSnapshots(db, nil)

	mock.ExpectQuery(`SELECT .* FROM "state_snapshots"`).WillReturnError(errors.New("connection refused"))
	_, err = s.Latest(context.Background())
	require.Error(t, err)
	assert.False(t, types.IsErrorCode(err, types.ErrNotFound))
	assert.Contains(t, err.Error(), "connection refused")

	mock.ExpectQuery(`SELECT .* FROM "state_snapshots"`).WillReturnError(errors.New("timeout"))
	_, err = s.Prune(context.Background(), 1)
	assert.ErrorContains(t, err, "timeout")

	assert.NoError(t, mock.ExpectationsWereMet())
}
