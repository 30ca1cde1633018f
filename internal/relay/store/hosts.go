package store

import (
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaywire/atrelay/internal/relay/models"
)

// hostRow is the gorm model backing relay.db's hosts table, matching
// spec.md §6's schema exactly: host TEXT PRIMARY KEY, cursor INTEGER NOT
// NULL, latest TEXT NOT NULL.
type hostRow struct {
	Host   string `gorm:"column:host;primaryKey"`
	Cursor int64  `gorm:"column:cursor;not null"`
	Latest string `gorm:"column:latest;not null"`
}

func (hostRow) TableName() string { return "hosts" }

// HostStore persists HostRecord snapshots to relay.db, following the
// teacher's own gorm+sqlite relational layer (cmd/relayered/relay.MigrateDatabase).
type HostStore struct {
	db *gorm.DB
}

// OpenHostStore opens (migrating if needed) relay.db under dataDir.
func OpenHostStore(dataDir string) (*HostStore, error) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(dataDir, "relay.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open relay.db: %w", err)
	}
	if err := db.AutoMigrate(&hostRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate hosts table: %w", err)
	}
	return &HostStore{db: db}, nil
}

// LoadAll returns every persisted host record, keyed by hostname.
func (s *HostStore) LoadAll() (map[string]models.HostRecord, error) {
	var rows []hostRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load hosts: %w", err)
	}
	out := make(map[string]models.HostRecord, len(rows))
	for _, r := range rows {
		rec := models.HostRecord{LastSeq: uint64(r.Cursor)}
		if t, err := time.Parse(time.RFC3339Nano, r.Latest); err == nil {
			rec.LastTime = t.UnixMicro()
		}
		out[r.Host] = rec
	}
	return out, nil
}

// PersistAll upserts every host record whose LastTime is non-zero in a
// single transaction, matching rsky-relay's manager.rs persist():
// "INSERT ... ON CONFLICT(host) DO UPDATE SET cursor=excluded.cursor,
// latest=excluded.latest".
func (s *HostStore) PersistAll(hosts map[string]models.HostRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for host, rec := range hosts {
			if rec.LastTime == 0 {
				continue
			}
			row := hostRow{
				Host:   host,
				Cursor: int64(rec.LastSeq),
				Latest: time.UnixMicro(rec.LastTime).UTC().Format(time.RFC3339Nano),
			}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("store: upsert host %s: %w", host, err)
			}
		}
		return nil
	})
}

// Close releases the underlying sql.DB handle.
func (s *HostStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
