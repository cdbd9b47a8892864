package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "explicit url wins",
			cfg:  Config{URL: "postgres://a:b@h:1/d", Host: "ignored"},
			want: "postgres://a:b@h:1/d",
		},
		{
			name: "built from fields",
			cfg:  Config{Host: "db", Port: 5432, Database: "dosing", Username: "engine", Password: "s3cr3t", SSLMode: "require"},
			want: "postgres://engine:s3cr3t@db:5432/dosing?sslmode=require",
		},
		{
			name: "ssl mode defaults to disable",
			cfg:  Config{Host: "localhost", Port: 5432, Database: "dosing", Username: "postgres"},
			want: "postgres://postgres:@localhost:5432/dosing?sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(domain.DatabaseConfig{
		Host:            "db",
		Port:            5432,
		MaxOpenConns:    4,
		MaxIdleConns:    8,
		ConnMaxLifetime: time.Hour,
	}, "")

	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Equal(t, int32(4), cfg.MinConns, "min conns never exceed max conns")
	assert.Equal(t, time.Hour, cfg.MaxConnLife)

	assert.Equal(t, int32(10), ConfigFrom(domain.DatabaseConfig{}, "").MaxConns)
}

func TestDatabaseConnectionAndMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := NewMigrationRunner(dsn, "", logger)
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
	require.NoError(t, runner.Up(), "re-running is a no-op")
	require.NoError(t, runner.Close())

	db, err := NewConnection(ctx, Config{URL: dsn, MaxConns: 5, MinConns: 1}, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))
	assert.Positive(t, db.Stats().TotalConns())

	store, err := history.NewPostgresStore(db.SQL())
	require.NoError(t, err)

	id, err := history.SaveResult(ctx, store, &domain.CalculationResult{
		ItemID:         "bpc-157",
		CatalogVersion: "test",
		FinalDose:      150,
		Unit:           "mcg",
	}, map[string]any{"item_id": "bpc-157"}, "test")
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 150.0, got.FinalDose)
	var stored domain.CalculationResult
	require.NoError(t, json.Unmarshal(got.Result, &stored))
	assert.Equal(t, "bpc-157", stored.ItemID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
