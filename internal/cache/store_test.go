package cache

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the behavior every Store shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "CN=a 01:02", []byte("first"), time.Hour))
	v, err := s.Get(ctx, "CN=a 01:02")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	require.NoError(t, s.Put(ctx, "CN=a 01:02", []byte("second"), time.Hour))
	v, err = s.Get(ctx, "CN=a 01:02")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestU_FileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	storeContract(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files should not be left behind")
	assert.Equal(t, ".cbor", filepath.Ext(entries[0].Name()))
}

func TestU_FileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestU_BoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)

	storeContract(t, s)
	require.NoError(t, s.Close())

	// Entries survive reopening.
	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(context.Background(), "CN=a 01:02")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)
}

func TestU_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "ocsp:")
	defer s.Close()

	storeContract(t, s)
	assert.True(t, mr.Exists("ocsp:CN=a 01:02"))
}

func TestU_RedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := DialRedisStore(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(context.Background(), "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestU_SQLStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewSQLStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(sqlCreateTable)).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(ctx))

	mock.ExpectQuery(regexp.QuoteMeta(sqlSelect)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"entry"}))
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta(sqlUpsert)).
		WithArgs("k", []byte("v")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(sqlSelect)).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"entry"}).AddRow([]byte("v")))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	mock.ExpectClose()
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Open Tests
// =============================================================================

func TestU_Open(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, BackendConfig{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, BackendConfig{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, BackendConfig{Backend: BackendFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, BackendConfig{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, BackendConfig{Backend: BackendRedis, Addr: mr.Addr(), KeyPrefix: "x:"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())
}

func TestU_BackendConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg     BackendConfig
		wantErr bool
	}{
		{BackendConfig{}, false},
		{BackendConfig{Backend: BackendMemory}, false},
		{BackendConfig{Backend: BackendFile}, true},
		{BackendConfig{Backend: BackendBolt}, true},
		{BackendConfig{Backend: BackendRedis}, true},
		{BackendConfig{Backend: BackendPostgres}, true},
		{BackendConfig{Backend: BackendPostgres, DSN: "postgres://localhost/ocsp"}, false},
		{BackendConfig{Backend: "memcached"}, true},
	}

	for _, tc := range tests {
		err := tc.cfg.Validate()
		if tc.wantErr {
			assert.Error(t, err, "backend %q", tc.cfg.Backend)
		} else {
			assert.NoError(t, err, "backend %q", tc.cfg.Backend)
		}
	}
}
