// Package storage holds shared persistence helpers used by the Postgres-backed
// repositories: traced query execution and the integration-test container setup.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExecuteAndTrace wraps a store operation in a client span, recording any
// error on the span before returning it. Every repository method funnels its
// queries through this so traces carry the same attribute shape everywhere.
func ExecuteAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(
		ctx,
		spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	err := operation(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

const (
	testPostgresImage = "postgres:17-alpine"
	testPostgresUser  = "scanhive"
	testPostgresPass  = "scanhive"
	testPostgresDB    = "scanhive_test"
)

// SetupTestContainer starts a throwaway Postgres, applies the repo's
// migrations, and hands back a ready pool. The cleanup closes the pool's
// stdlib bridge and terminates the container.
func SetupTestContainer(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        testPostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     testPostgresUser,
			"POSTGRES_PASSWORD": testPostgresPass,
			"POSTGRES_DB":       testPostgresDB,
		},
		WaitingFor: wait.ForSQL("5432/tcp", "postgres", func(host string, port nat.Port) string {
			return testDSN(host, port.Port())
		}),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, testDSN("localhost", port.Port()))
	require.NoError(t, err)

	// golang-migrate wants a database/sql handle, so bridge the pool
	// through the stdlib adapter just for the migration run.
	db := stdlib.OpenDBFromPool(pool)
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	require.NoError(t, err)

	migrations, err := migrate.NewWithDatabaseInstance(migrationsSourceURL(), "postgres", driver)
	require.NoError(t, err)
	require.NoError(t, migrations.Up())

	cleanup := func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func testDSN(host, port string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testPostgresUser, testPostgresPass, host, port, testPostgresDB)
}

// migrationsSourceURL locates db/migrations relative to this file so tests
// pass regardless of the package they run from.
func migrationsSourceURL() string {
	_, currentFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(currentFile), "..", "..", "..")
	return fmt.Sprintf("file://%s", filepath.Join(projectRoot, "db", "migrations"))
}

func NoOpTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }
