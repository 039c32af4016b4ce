// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConnect_SQLite(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	cfg := &Config{
		Type:       "sqlite",
		SQLitePath: dbPath,
		LogLevel:   logger.Silent,
	}

	db, err := Connect(cfg)
	require.NoError(t, err)
	require.NotNil(t, db)

	err = Ping(db)
	assert.NoError(t, err)

	err = Close(db)
	assert.NoError(t, err)
}

func TestConnect_InvalidType(t *testing.T) {
	cfg := &Config{
		Type:     "mysql",
		LogLevel: logger.Silent,
	}

	db, err := Connect(cfg)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestEnsureSQLiteDir(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "subdir", "another", "test.db")

	err := ensureSQLiteDir(dbPath)
	require.NoError(t, err)

	dir := filepath.Dir(dbPath)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMigrate(t *testing.T) {
	tempDir := t.TempDir()
	cfg := &Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(tempDir, "test.db"),
		LogLevel:   logger.Silent,
	}

	db, err := Connect(cfg)
	require.NoError(t, err)
	defer Close(db) //nolint:errcheck

	err = Migrate(db)
	require.NoError(t, err)

	for _, table := range []string{"session_locks", "versioned_resources", "lock_history"} {
		assert.True(t, db.Migrator().HasTable(table), "expected table %s", table)
	}
}

func TestDropAllTables(t *testing.T) {
	tempDir := t.TempDir()
	cfg := &Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(tempDir, "test.db"),
		LogLevel:   logger.Silent,
	}

	db, err := Connect(cfg)
	require.NoError(t, err)
	defer Close(db) //nolint:errcheck

	require.NoError(t, Migrate(db))

	err = DropAllTables(db)
	require.NoError(t, err)

	for _, table := range []string{"session_locks", "versioned_resources", "lock_history"} {
		assert.False(t, db.Migrator().HasTable(table), "expected table %s to be dropped", table)
	}
}

func TestSessionLock_IsExpired(t *testing.T) {
	now := time.Now()

	live := &SessionLock{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, live.IsExpired(now))

	expired := &SessionLock{ExpiresAt: now.Add(-time.Second)}
	assert.True(t, expired.IsExpired(now))

	boundary := &SessionLock{ExpiresAt: now}
	assert.True(t, boundary.IsExpired(now))
}

func TestMigrate_WriteLeaseUniquePerResource(t *testing.T) {
	tempDir := t.TempDir()
	cfg := &Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(tempDir, "test.db"),
		LogLevel:   logger.Silent,
	}

	db, err := Connect(cfg)
	require.NoError(t, err)
	defer Close(db) //nolint:errcheck

	require.NoError(t, Migrate(db))

	now := time.Now()
	first := &SessionLock{
		Token:          "token-1",
		ResourceID:     "session-1",
		HolderID:       "employee-1",
		LockType:       LockTypeWrite,
		TTLSeconds:     60,
		AcquiredAt:     now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Minute),
	}
	require.NoError(t, db.Create(first).Error)

	// Second write lease on the same resource must violate the partial
	// unique index, whatever the holder, and surface as the translated
	// duplicate-key error the lock manager matches on.
	second := &SessionLock{
		Token:          "token-2",
		ResourceID:     "session-1",
		HolderID:       "manager-1",
		LockType:       LockTypeWrite,
		TTLSeconds:     60,
		AcquiredAt:     now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Minute),
	}
	assert.ErrorIs(t, db.Create(second).Error, gorm.ErrDuplicatedKey)

	// A read lease from another holder is allowed at the schema level.
	read := &SessionLock{
		Token:          "token-3",
		ResourceID:     "session-1",
		HolderID:       "hr-1",
		LockType:       LockTypeRead,
		TTLSeconds:     60,
		AcquiredAt:     now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Minute),
	}
	assert.NoError(t, db.Create(read).Error)
}
