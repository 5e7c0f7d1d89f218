package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists directory records using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRow struct {
	ExternalID    string `gorm:"column:external_id;primaryKey"`
	DisplayName   string `gorm:"column:display_name;not null;default:''"`
	Email         string `gorm:"column:email;not null;default:''"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (userRow) TableName() string {
	return "users"
}

// NewDatabaseUserStore constructs a GORM-backed directory from a
// postgres:// or sqlite:// URL.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRow{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByExternalID locates a record by the provider subject id.
func (store *DatabaseUserStore) FindByExternalID(ctx context.Context, externalID string) (UserRecord, error) {
	var row userRow
	err := store.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return UserRecord{}, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, err)
	}
	return UserRecord{
		ExternalID:  row.ExternalID,
		DisplayName: row.DisplayName,
		Email:       row.Email,
	}, nil
}

// Insert writes a new record. The primary key on external_id makes the
// check-and-insert a single statement; duplicates surface as
// ErrUserAlreadyExists via the translated driver error.
func (store *DatabaseUserStore) Insert(ctx context.Context, record UserRecord) error {
	if record.ExternalID == "" {
		return fmt.Errorf("user_store.insert.%s: %w", store.driverLabel, ErrUserEmptyExternalID)
	}
	row := userRow{
		ExternalID:    record.ExternalID,
		DisplayName:   record.DisplayName,
		Email:         record.Email,
		CreatedAtUnix: time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user_store.insert.%s: %w", store.driverLabel, ErrUserAlreadyExists)
		}
		return fmt.Errorf("user_store.insert.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	if dsn, ok := stripSQLiteScheme(databaseURL); ok {
		if strings.TrimSpace(dsn) == "" {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", errSQLiteEmptyPath)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	}
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

// stripSQLiteScheme peels the sqlite:// prefix and hands the remainder to the
// driver untouched. SQLite DSNs such as file:name?mode=memory&cache=shared
// are not valid URLs (url.Parse reads ":name" as a port), so they must never
// reach url.Parse.
func stripSQLiteScheme(databaseURL string) (string, bool) {
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if len(databaseURL) >= len(prefix) && strings.EqualFold(databaseURL[:len(prefix)], prefix) {
			return databaseURL[len(prefix):], true
		}
	}
	return "", false
}
