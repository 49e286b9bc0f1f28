// Package testutil starts throwaway database containers for integration
// tests. Containers are only started when STEPFLOW_INTEGRATION=1; tests
// are skipped otherwise.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv enables container-backed tests when set to "1".
const IntegrationEnv = "STEPFLOW_INTEGRATION"

// RequireIntegration skips t unless integration tests are enabled.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run container-backed tests", IntegrationEnv)
	}
}

// StartPostgresContainer starts PostgreSQL and returns a pgx DSN. The
// caller must import the pgx stdlib driver.
func StartPostgresContainer(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://stepflow:stepflow@%s:%s/stepflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "stepflow",
			"POSTGRES_PASSWORD": "stepflow",
			"POSTGRES_DB":       "stepflow_test",
		}),
	)
	testcontainers.CleanupContainer(t, postgresC)
	require.NoError(t, err)

	endpoint, err := postgresC.Endpoint(ctx, "")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://stepflow:stepflow@%s/stepflow_test?sslmode=disable", endpoint)
}

// StartMySQLContainer starts MySQL 8 and returns a go-sql-driver DSN. The
// caller must import the mysql driver.
func StartMySQLContainer(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	dsn := func(host, port string) string {
		return fmt.Sprintf("stepflow:stepflow@tcp(%s:%s)/stepflow_test?clientFoundRows=true", host, port)
	}

	mysqlC, err := testcontainers.Run(
		ctx, "mysql:8.4",
		testcontainers.WithExposedPorts("3306/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("3306/tcp"),
				wait.ForSQL("3306/tcp", "mysql", func(host string, port nat.Port) string {
					return dsn(host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"MYSQL_ROOT_PASSWORD": "root",
			"MYSQL_USER":          "stepflow",
			"MYSQL_PASSWORD":      "stepflow",
			"MYSQL_DATABASE":      "stepflow_test",
		}),
	)
	testcontainers.CleanupContainer(t, mysqlC)
	require.NoError(t, err)

	host, err := mysqlC.Host(ctx)
	require.NoError(t, err)
	port, err := mysqlC.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	return dsn(host, port.Port())
}

// StartRedisContainer starts Redis and returns its host:port address.
func StartRedisContainer(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	redisC, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	testcontainers.CleanupContainer(t, redisC)
	require.NoError(t, err)

	endpoint, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}
