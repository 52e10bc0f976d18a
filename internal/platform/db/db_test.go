package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type widget struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := Open(context.Background(), ":memory:", Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { Close(conn, nil) })
	require.NoError(t, conn.AutoMigrate(&widget{}))
	return conn
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://user:pw@host/db", Options{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "pw")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	conn := openMemory(t)
	boom := errors.New("boom")

	err := WithTx(context.Background(), conn, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&widget{Name: "a"}).Error)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&widget{}).Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, WithTx(context.Background(), conn, func(tx *gorm.DB) error {
		return tx.Create(&widget{Name: "b"}).Error
	}))
	require.NoError(t, conn.Model(&widget{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIsUniqueViolation(t *testing.T) {
	conn := openMemory(t)
	require.NoError(t, conn.Create(&widget{Name: "dup"}).Error)
	err := conn.Create(&widget{Name: "dup"}).Error
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}
