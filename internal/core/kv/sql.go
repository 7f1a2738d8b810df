package kv

import (
	"context"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// Entry is one stored key. Values are kept as their JSON encoding.
type Entry struct {
	Namespace string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;column:entry_key;size:255"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// SQLStore persists entries in a relational database through gorm.
type SQLStore struct {
	db *gorm.DB
	// Serializes read-modify-write operations from this process; row locks
	// cover other processes on engines that support them.
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the SQLite database at filename.
func OpenSQLite(filename string, debug bool) (*SQLStore, error) {
	return openSQL(sqlite.Open(filename), debug)
}

// OpenPostgres connects to the Postgres instance described by dataSource.
func OpenPostgres(dataSource string, debug bool) (*SQLStore, error) {
	return openSQL(postgres.Open(dataSource), debug)
}

func openSQL(dialector gorm.Dialector, debug bool) (*SQLStore, error) {
	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to database")
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an already opened database, migrating the entries table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, errors.Wrap(err, "error auto migrating db")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, namespace, key string) (doc.Value, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", namespace, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "error reading %s/%s", namespace, key)
	}
	return decode(entry.Value)
}

func (s *SQLStore) Put(ctx context.Context, namespace, key string, value doc.Value, mode PutMode) error {
	encoded, err := encode(value)
	if err != nil {
		return err
	}
	entry := &Entry{Namespace: namespace, Key: key, Value: encoded}

	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.db.WithContext(ctx)
	switch mode {
	case Add:
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if result.Error != nil {
			return errors.Wrapf(result.Error, "error adding %s/%s", namespace, key)
		}
		if result.RowsAffected == 0 {
			return ErrExists
		}
	case Replace:
		result := db.Model(&Entry{}).
			Where("namespace = ? AND entry_key = ?", namespace, key).
			Updates(map[string]interface{}{"value": encoded, "updated_at": time.Now()})
		if result.Error != nil {
			return errors.Wrapf(result.Error, "error replacing %s/%s", namespace, key)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
	case Append:
		return db.Transaction(func(tx *gorm.DB) error {
			return s.appendTx(tx, entry, value)
		})
	default:
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(entry).Error
		if err != nil {
			return errors.Wrapf(err, "error setting %s/%s", namespace, key)
		}
	}
	return nil
}

func (s *SQLStore) appendTx(tx *gorm.DB, entry *Entry, value doc.Value) error {
	var existing Entry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("namespace = ? AND entry_key = ?", entry.Namespace, entry.Key).
		First(&existing).Error

	present := true
	var current doc.Value
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		present = false
	case err != nil:
		return errors.Wrapf(err, "error reading %s/%s", entry.Namespace, entry.Key)
	default:
		if current, err = decode(existing.Value); err != nil {
			return errors.Wrapf(err, "error decoding %s/%s", entry.Namespace, entry.Key)
		}
	}

	normalized, err := doc.Normalize(value)
	if err != nil {
		return err
	}
	l, err := appendValue(current, present, normalized)
	if err != nil {
		return err
	}
	if entry.Value, err = encode(l); err != nil {
		return err
	}
	if !present {
		return tx.Create(entry).Error
	}
	return tx.Model(&Entry{}).
		Where("namespace = ? AND entry_key = ?", entry.Namespace, entry.Key).
		Updates(map[string]interface{}{"value": entry.Value, "updated_at": time.Now()}).Error
}

func (s *SQLStore) Delete(ctx context.Context, namespace, key string) error {
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", namespace, key).
		Delete(&Entry{}).Error
	return errors.Wrapf(err, "error deleting %s/%s", namespace, key)
}

func (s *SQLStore) Close() error {
	database, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "error while getting current connection")
	}
	return errors.Wrap(database.Close(), "error while closing database connection")
}
