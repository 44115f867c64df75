package applier

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/goedderz/go-replication"
)

func scanJSON(value interface{}, out any) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported type for json column: %T", value)
	}
	return json.Unmarshal(bytes, out)
}

// configDB stores an ApplierConfig as a JSON column.
type configDB replication.ApplierConfig

func (c configDB) Value() (driver.Value, error) {
	return json.Marshal(replication.ApplierConfig(c))
}

func (c *configDB) Scan(value interface{}) error {
	return scanJSON(value, (*replication.ApplierConfig)(c))
}

// lastErrorDB stores an optional LastError as a nullable JSON column.
type lastErrorDB struct {
	err *replication.LastError
}

func (l lastErrorDB) Value() (driver.Value, error) {
	if l.err == nil {
		return nil, nil
	}
	b, err := json.Marshal(l.err)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *lastErrorDB) Scan(value interface{}) error {
	if value == nil {
		l.err = nil
		return nil
	}
	l.err = &replication.LastError{}
	return scanJSON(value, l.err)
}

type CollectionRecord struct {
	Database string `gorm:"column:database_name;primaryKey"`
	Name     string `gorm:"column:name;primaryKey"`
}

func (CollectionRecord) TableName() string {
	return "collections"
}

type DocumentRecord struct {
	Database   string `gorm:"column:database_name;primaryKey"`
	Collection string `gorm:"column:collection;primaryKey"`
	Key        string `gorm:"column:doc_key;primaryKey"`
	Data       []byte `gorm:"column:data;not null"`
}

func (DocumentRecord) TableName() string {
	return "documents"
}

type ApplierConfigRecord struct {
	Target    string   `gorm:"column:target;primaryKey"`
	Config    configDB `gorm:"column:config;not null"`
	UpdatedAt time.Time
}

func (ApplierConfigRecord) TableName() string {
	return "applier_configs"
}

// ApplierStateRecord is the durable progress of one applier. Ticks are
// stored as signed 64-bit integers; replication.MaxTick keeps them in range.
type ApplierStateRecord struct {
	Target          string      `gorm:"column:target;primaryKey"`
	Phase           string      `gorm:"column:phase;not null"`
	LastAppliedTick int64       `gorm:"column:last_applied_tick;not null;default:0"`
	HasStartingTick bool        `gorm:"column:has_starting_tick;not null;default:false"`
	BarrierID       string      `gorm:"column:barrier_id"`
	LastError       lastErrorDB `gorm:"column:last_error;type:text"`
	UpdatedAt       time.Time
}

func (ApplierStateRecord) TableName() string {
	return "applier_states"
}

// GormStore implements replication.Storage using a database backend
type GormStore struct {
	db *gorm.DB
}

var _ replication.Storage = (*GormStore)(nil)

// NewGormStoreWithDialector creates a new database-backed store with a custom dialector
func NewGormStoreWithDialector(dialector gorm.Dialector, logger *slog.Logger) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: slogGorm.New(
			slogGorm.WithHandler(logger.With("component", "store").Handler()),
			slogGorm.WithTraceAll(),
			slogGorm.SetLogLevel(slogGorm.DefaultLogType, slog.LevelDebug),
			slogGorm.SetLogLevel(slogGorm.SlowQueryLogType, slog.LevelWarn),
			slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelError),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&CollectionRecord{}, &DocumentRecord{}, &ApplierConfigRecord{}, &ApplierStateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{
		db: db,
	}, nil
}

func NewGormStoreWithSqlite(dbPath string, logger *slog.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(
		sqlite.Open(dbPath+"?mode=rwc&cache=shared&_journal_mode=WAL"),
		logger,
	)
}

// NewGormStoreWithPostgres opens dsn as given. An applied tick is durable
// once ApplyEntry returns, unless the DSN itself relaxes synchronous_commit.
func NewGormStoreWithPostgres(dsn string, logger *slog.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(
		postgres.Open(dsn),
		logger,
	)
}

// NewGormStore picks the driver from the URL scheme: sqlite://path?opts or
// postgres://...
func NewGormStore(dbURL string, logger *slog.Logger) (*GormStore, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if !strings.Contains(path, "?") {
			return NewGormStoreWithSqlite(path, logger)
		}
		return NewGormStoreWithDialector(sqlite.Open(path), logger)
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return NewGormStoreWithPostgres(dbURL, logger)
	}
	return nil, fmt.Errorf("%w: unsupported database URL %q", replication.ErrInvalidConfig, dbURL)
}

func ensureCollection(tx *gorm.DB, database, collection string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&CollectionRecord{Database: database, Name: collection}).Error
}

var documentConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "database_name"}, {Name: "collection"}, {Name: "doc_key"}},
	DoUpdates: clause.AssignmentColumns([]string{"data"}),
}

// executeEntry runs a single operation inside tx.
func executeEntry(tx *gorm.DB, entry *replication.LogEntry) error {
	switch entry.Kind {
	case replication.OpInsert:
		if len(entry.Payload) == 0 {
			return fmt.Errorf("%w: insert of %s/%s without payload", replication.ErrApply, entry.Collection, entry.Key)
		}
		if err := ensureCollection(tx, entry.Database, entry.Collection); err != nil {
			return err
		}
		return tx.Clauses(documentConflict).Create(&DocumentRecord{
			Database:   entry.Database,
			Collection: entry.Collection,
			Key:        entry.Key,
			Data:       entry.Payload,
		}).Error
	case replication.OpRemove:
		return tx.Where("database_name = ? AND collection = ? AND doc_key = ?", entry.Database, entry.Collection, entry.Key).
			Delete(&DocumentRecord{}).Error
	case replication.OpCreateCollection:
		return ensureCollection(tx, entry.Database, entry.Collection)
	case replication.OpDropCollection:
		if err := tx.Where("database_name = ? AND collection = ?", entry.Database, entry.Collection).
			Delete(&DocumentRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("database_name = ? AND name = ?", entry.Database, entry.Collection).
			Delete(&CollectionRecord{}).Error
	case replication.OpTruncate:
		return tx.Where("database_name = ? AND collection = ?", entry.Database, entry.Collection).
			Delete(&DocumentRecord{}).Error
	case replication.OpBegin, replication.OpCommit, replication.OpAbort:
		return nil
	}
	return fmt.Errorf("%w: unsupported operation %q", replication.ErrApply, entry.Kind)
}

// ApplyEntry implements replication.Storage
func (s *GormStore) ApplyEntry(ctx context.Context, target string, entry *replication.LogEntry, execute bool) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st ApplierStateRecord
		result := tx.Where("target = ?", target).Take(&st)
		if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return result.Error
		}
		if result.Error == nil && st.HasStartingTick && replication.Tick(st.LastAppliedTick) >= entry.Tick {
			return nil
		}

		if execute {
			if err := executeEntry(tx, entry); err != nil {
				return err
			}
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "target"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_applied_tick", "has_starting_tick", "updated_at"}),
		}).Create(&ApplierStateRecord{
			Target:          target,
			Phase:           string(replication.PhaseRunning),
			LastAppliedTick: int64(entry.Tick),
			HasStartingTick: true,
		}).Error; err != nil {
			return fmt.Errorf("failed to record tick: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// TruncateCollection implements replication.Storage
func (s *GormStore) TruncateCollection(ctx context.Context, database, collection string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureCollection(tx, database, collection); err != nil {
			return err
		}
		return tx.Where("database_name = ? AND collection = ?", database, collection).
			Delete(&DocumentRecord{}).Error
	})
}

// InsertDocuments implements replication.Storage
func (s *GormStore) InsertDocuments(ctx context.Context, database, collection string, docs []replication.Document) error {
	if len(docs) == 0 {
		return nil
	}
	recs := make([]DocumentRecord, len(docs))
	for i, d := range docs {
		recs[i] = DocumentRecord{Database: database, Collection: collection, Key: d.Key, Data: d.Data}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureCollection(tx, database, collection); err != nil {
			return err
		}
		return tx.Clauses(documentConflict).CreateInBatches(recs, 200).Error
	})
}

// DropDatabase implements replication.Storage
func (s *GormStore) DropDatabase(ctx context.Context, database string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("database_name = ?", database).Delete(&DocumentRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("database_name = ?", database).Delete(&CollectionRecord{}).Error
	})
}

func (s *GormStore) ListDatabases(ctx context.Context) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&CollectionRecord{}).
		Distinct("database_name").Order("database_name").Pluck("database_name", &out).Error
	return out, err
}

func (s *GormStore) ListCollections(ctx context.Context, database string) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&CollectionRecord{}).
		Where("database_name = ?", database).Order("name").Pluck("name", &out).Error
	return out, err
}

func (s *GormStore) ListDocuments(ctx context.Context, database, collection string) ([]replication.Document, error) {
	var recs []DocumentRecord
	err := s.db.WithContext(ctx).
		Where("database_name = ? AND collection = ?", database, collection).
		Order("doc_key").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	out := make([]replication.Document, len(recs))
	for i, r := range recs {
		out[i] = replication.Document{Key: r.Key, Data: r.Data}
	}
	return out, nil
}

func (s *GormStore) LoadConfig(ctx context.Context, target string) (replication.ApplierConfig, error) {
	var rec ApplierConfigRecord
	result := s.db.WithContext(ctx).Where("target = ?", target).Take(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return replication.ApplierConfig{}, replication.ErrNotFound
	}
	if result.Error != nil {
		return replication.ApplierConfig{}, fmt.Errorf("database error: %w", result.Error)
	}
	return replication.ApplierConfig(rec.Config), nil
}

func (s *GormStore) SaveConfig(ctx context.Context, target string, cfg replication.ApplierConfig) error {
	// upsert
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&ApplierConfigRecord{
		Target: target,
		Config: configDB(cfg),
	}).Error
}

func (s *GormStore) LoadState(ctx context.Context, target string) (replication.PersistedState, error) {
	var rec ApplierStateRecord
	result := s.db.WithContext(ctx).Where("target = ?", target).Take(&rec)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return replication.PersistedState{}, replication.ErrNotFound
	}
	if result.Error != nil {
		return replication.PersistedState{}, fmt.Errorf("database error: %w", result.Error)
	}
	return replication.PersistedState{
		Phase:           replication.Phase(rec.Phase),
		LastAppliedTick: replication.Tick(rec.LastAppliedTick),
		HasStartingTick: rec.HasStartingTick,
		BarrierID:       rec.BarrierID,
		LastError:       rec.LastError.err,
	}, nil
}

func (s *GormStore) SaveState(ctx context.Context, target string, st replication.PersistedState) error {
	// upsert
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&ApplierStateRecord{
		Target:          target,
		Phase:           string(st.Phase),
		LastAppliedTick: int64(st.LastAppliedTick),
		HasStartingTick: st.HasStartingTick,
		BarrierID:       st.BarrierID,
		LastError:       lastErrorDB{err: st.LastError},
	}).Error
}

func (s *GormStore) ListTargets(ctx context.Context) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&ApplierConfigRecord{}).Order("target").Pluck("target", &out).Error
	return out, err
}

func (s *GormStore) Forget(ctx context.Context, target string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target = ?", target).Delete(&ApplierConfigRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("target = ?", target).Delete(&ApplierStateRecord{}).Error
	})
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
