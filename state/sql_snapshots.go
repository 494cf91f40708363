package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/whodaniel/fuse-sub035/types"
)

// snapshotRecord is the state_snapshots row. The schema is owned by the
// migrations; AutoMigrate is only used for tests and local sqlite files.
type snapshotRecord struct {
	ID       string    `gorm:"primaryKey;size:64"`
	TakenAt  time.Time `gorm:"not null;index:idx_state_snapshots_taken_at"`
	LogSeq   int64     `gorm:"not null;default:0;index:idx_state_snapshots_log_seq"`
	KeyCount int       `gorm:"not null;default:0"`
	Patterns string    `gorm:"type:text"`
	Data     string    `gorm:"type:text;not null"`
}

func (snapshotRecord) TableName() string { return "state_snapshots" }

// SQLSnapshots keeps snapshots in a relational database through GORM.
type SQLSnapshots struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLSnapshots creates a snapshot store over db.
func NewSQLSnapshots(db *gorm.DB, logger *zap.Logger) *SQLSnapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLSnapshots{db: db, logger: logger.With(zap.String("component", "sql_snapshots"))}
}

// AutoMigrate creates the snapshot table when it does not exist.
func (s *SQLSnapshots) AutoMigrate() error {
	if err := s.db.AutoMigrate(&snapshotRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate snapshots: %w", err)
	}
	return nil
}

func (s *SQLSnapshots) Save(ctx context.Context, snap *Snapshot) error {
	values, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("encode snapshot values: %w", err)
	}
	patterns, err := json.Marshal(snap.Patterns)
	if err != nil {
		return fmt.Errorf("encode snapshot patterns: %w", err)
	}
	rec := snapshotRecord{
		ID:       snap.ID,
		TakenAt:  snap.TakenAt,
		LogSeq:   snap.LogSeq,
		KeyCount: len(snap.Values),
		Patterns: string(patterns),
		Data:     string(values),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLSnapshots) Latest(ctx context.Context) (*Snapshot, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Order("taken_at DESC").Order("log_seq DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "no snapshot available")
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	return rec.toSnapshot()
}

func (s *SQLSnapshots) Get(ctx context.Context, id string) (*Snapshot, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s: %w", id, err)
	}
	return rec.toSnapshot()
}

func (s *SQLSnapshots) List(ctx context.Context) ([]SnapshotInfo, error) {
	var recs []snapshotRecord
	err := s.db.WithContext(ctx).
		Select("id", "taken_at", "log_seq", "key_count").
		Order("taken_at DESC").Order("log_seq DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]SnapshotInfo, len(recs))
	for i, r := range recs {
		out[i] = SnapshotInfo{ID: r.ID, TakenAt: r.TakenAt, LogSeq: r.LogSeq, KeyCount: r.KeyCount}
	}
	return out, nil
}

func (s *SQLSnapshots) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&snapshotRecord{}).
		Order("taken_at DESC").Order("log_seq DESC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("select snapshots: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}
	stale := ids[keep:]
	res := s.db.WithContext(ctx).Where("id IN ?", stale).Delete(&snapshotRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete stale snapshots: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r snapshotRecord) toSnapshot() (*Snapshot, error) {
	snap := &Snapshot{ID: r.ID, TakenAt: r.TakenAt, LogSeq: r.LogSeq}
	if err := json.Unmarshal([]byte(r.Data), &snap.Values); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", r.ID, err)
	}
	if r.Patterns != "" {
		if err := json.Unmarshal([]byte(r.Patterns), &snap.Patterns); err != nil {
			return nil, fmt.Errorf("decode snapshot %s patterns: %w", r.ID, err)
		}
	}
	snap.Keys = sortedKeys(snap.Values)
	return snap, nil
}
