package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMigrationsDir = "../../migrations"

func TestOpenWithMigrations(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{
		MigrationsDir: testMigrationsDir,
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.InsertBottle(context.Background(), "sess:BTL_00001", nil, "sess", nil, StatusPass)
	assert.NoError(t, err)
}

func TestMigrateVersionAfterUp(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{
		MigrationsDir: testMigrationsDir,
	})
	require.NoError(t, err)
	defer s.Close()

	version, dirty, err := s.MigrateVersion(context.Background(), testMigrationsDir)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{
		MigrationsDir: testMigrationsDir,
	})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.MigrateUp(context.Background(), testMigrationsDir))
}
