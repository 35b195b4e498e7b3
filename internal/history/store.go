// Package history persists one row per tunnel session.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlitegorm "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReasonDaemonRestarted is recorded on sessions that were still open when a
// previous daemon run ended without closing them.
const ReasonDaemonRestarted = "daemon restarted"

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("paqetd: session record not found")

// Record is one tunnel session from launch to exit.
type Record struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Role       string     `gorm:"size:16" json:"role"`
	Interface  string     `gorm:"size:64" json:"interface"`
	Remote     string     `gorm:"size:255" json:"remote"`
	ConfigPath string     `json:"config_path"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalState string     `gorm:"size:16" json:"final_state,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitSignal string     `gorm:"size:16" json:"exit_signal,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// TableName pins the table name.
func (Record) TableName() string { return "sessions" }

// Store persists session records.
type Store interface {
	// Save inserts or replaces rec by ID.
	Save(ctx context.Context, rec *Record) error
	// Get returns the record with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
	// Prune deletes finished records that started before cutoff, always
	// keeping the newest keep records. It returns the number deleted.
	Prune(ctx context.Context, cutoff time.Time, keep int) (int64, error)
	Close() error
}

// SQLStore is a Store backed by SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path string, debug bool) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	gormLogger := logger.Discard
	if debug {
		gormLogger = logger.Default
	}
	db, err := gorm.Open(sqlitegorm.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	s := &SQLStore{db: db}
	n, err := s.closeOrphans(time.Now())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("close orphaned sessions: %w", err)
	}
	if n > 0 {
		slog.Info("closed sessions left open by a previous run", "count", n)
	}
	return s, nil
}

// closeOrphans ends every record without an end time. Only one daemon owns
// the database, so such rows belong to a run that is gone.
func (s *SQLStore) closeOrphans(now time.Time) (int64, error) {
	res := s.db.Model(&Record{}).Where("ended_at IS NULL").Updates(map[string]any{
		"ended_at":    now.UTC(),
		"final_state": "failed",
		"reason":      ReasonDaemonRestarted,
	})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return errors.New("history: record has no id")
	}
	// Times are stored as text; keep one zone so ordering holds.
	rec.StartedAt = rec.StartedAt.UTC()
	if rec.EndedAt != nil {
		ended := rec.EndedAt.UTC()
		rec.EndedAt = &ended
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	db := s.db.WithContext(ctx)
	q := db.Where("ended_at IS NOT NULL AND started_at < ?", cutoff.UTC())
	if keep > 0 {
		newest := db.Model(&Record{}).Select("id").Order("started_at DESC").Limit(keep)
		q = q.Where("id NOT IN (?)", newest)
	}
	res := q.Delete(&Record{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// noopStore discards everything. It is used when history is disabled.
type noopStore struct{}

// Noop returns a Store that keeps nothing.
func Noop() Store { return noopStore{} }

func (noopStore) Save(context.Context, *Record) error { return nil }
func (noopStore) Get(context.Context, string) (*Record, error) {
	return nil, ErrNotFound
}
func (noopStore) List(context.Context, int) ([]Record, error) { return nil, nil }
func (noopStore) Prune(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}
func (noopStore) Close() error { return nil }
