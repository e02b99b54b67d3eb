package disco

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultMessageListLimit = 50
	maxMessageListLimit     = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DBI defines the interface for database writes. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database wraps a gorm connection. When concurrent writes are disabled
// (sqlite), writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance. If log is nil,
// the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// lock acquires the write lock if needed, and returns a context with the
// default operation timeout if ctx doesn't already have a deadline. The
// returned func must be called when the operation completes.
func (d *database) lock(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.lock(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	ctx, done := d.lock(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	ctx, done := d.lock(ctx)
	defer done()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and runs migrations, logging at warn level.
// This is used by the `init` command, before the bot itself is configured.
//
// Parameters:
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// openDB opens the configured database, applies sqlite connection limits
// and pragmas, and runs migrations.
func openDB(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	handler := newLogHandler(cfg.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, cfg.DatabaseSlowThreshold)
	db, err := getDB(cfg.DatabaseType, cfg.Database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}

	if cfg.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	err := txn.Migrator().AutoMigrate(
		&DiscordMessage{},
		&InteractionLog{},
	)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// saveMessage records a received message. Messages already saved (ex:
// a replayed dispatch after resuming) are ignored.
func saveMessage(ctx context.Context, db DBI, m DiscordMessage) error {
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if err := tx.Unscoped().Model(&DiscordMessage{}).
				Where("message_id = ?", m.MessageID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			return tx.Create(&m).Error
		},
	)
}

// deleteMessages removes saved messages with the given IDs. Unknown IDs
// are ignored.
func deleteMessages(
	ctx context.Context,
	db DBI,
	channelID string,
	messageIDs ...string,
) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	return db.Delete(
		ctx,
		&DiscordMessage{},
		"channel_id = ? AND message_id IN ?",
		channelID,
		messageIDs,
	)
}

// listMessages returns the most recently saved messages, newest first,
// optionally filtered by channel.
func listMessages(
	ctx context.Context,
	db *gorm.DB,
	channelID string,
	limit int,
) ([]DiscordMessage, error) {
	switch {
	case limit <= 0:
		limit = defaultMessageListLimit
	case limit > maxMessageListLimit:
		limit = maxMessageListLimit
	}
	q := db.WithContext(ctx).Model(&DiscordMessage{}).Order("id desc").Limit(limit)
	if channelID != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	var messages []DiscordMessage
	err := q.Find(&messages).Error
	return messages, err
}
