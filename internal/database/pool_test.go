package database

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestConfigureAppliesLimits(t *testing.T) {
	db := openTestDB(t)

	err := Configure(db, PoolConfig{
		MaxIdleConns:    3,
		MaxOpenConns:    7,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	require.NoError(t, err)

	stats, err := Stats(db)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.MaxOpenConnections)
}

func TestConfigureDefaultsZeroFields(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, Configure(db, PoolConfig{}))

	stats, err := Stats(db)
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, stats.MaxOpenConnections)
}

func TestConfigureNilDB(t *testing.T) {
	assert.Error(t, Configure(nil, PoolConfig{}))
}
