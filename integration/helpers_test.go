//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/internal/testutil"
	"github.com/meigma/unthin/statuscache"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
func getRegistry(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		Env:          map[string]string{"REGISTRY_STORAGE_DELETE_ENABLED": "true"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Postgres Container Setup ---

var (
	postgresOnce sync.Once
	postgresDSN  string
	postgresErr  error

	migrateOnce sync.Once
	migrateErr  error
)

// getPostgres returns the DSN of the shared PostgreSQL server.
func getPostgres(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	postgresOnce.Do(func() {
		postgresDSN, postgresErr = startPostgresContainer(context.Background())
	})
	if postgresErr != nil {
		tb.Fatalf("start postgres container: %v", postgresErr)
	}
	return postgresDSN
}

func startPostgresContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "unthin",
			"POSTGRES_PASSWORD": "unthin",
			"POSTGRES_DB":       "unthin",
		},
		// The server restarts once after initdb; wait for the second start.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve postgres host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve postgres port: %w", err)
	}
	return fmt.Sprintf("postgres://unthin:unthin@%s:%s/unthin?sslmode=disable", host, port.Port()), nil
}

func skipWithoutDocker(tb testing.TB) {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
}

// openPostgresCache opens the shared database, migrating it on first use.
// Tests isolate themselves by validation key.
func openPostgresCache(tb testing.TB) (*statuscache.Cache, *sql.DB) {
	tb.Helper()
	db, err := statuscache.Open(statuscache.Postgres, getPostgres(tb))
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })
	migrateOnce.Do(func() {
		migrateErr = statuscache.Migrate(context.Background(), db, statuscache.Postgres, nil)
	})
	require.NoError(tb, migrateErr)

	c, err := statuscache.New(db, statuscache.Postgres)
	require.NoError(tb, err)
	return c, db
}

// --- Test Data Helpers ---

// artifact is a dependency together with its content.
type artifact struct {
	dep  dependency.Dependency
	body string
}

func newArtifact(group, name, version, body string) artifact {
	return artifact{
		dep: dependency.Dependency{
			FileName:       name + "-" + version + ".jar",
			Destination:    "lib",
			Type:           "jar",
			IvyCoordinates: group + ":" + name + ":" + version,
			SHA1:           testutil.SHA1Hex(body),
		},
		body: body,
	}
}

// serveArtifacts starts a repository serving arts at their coordinate paths.
func serveArtifacts(tb testing.TB, arts ...artifact) *httptest.Server {
	tb.Helper()
	bodies := make(map[string]string, len(arts))
	for _, a := range arts {
		p, err := a.dep.CoordinatePath()
		require.NoError(tb, err)
		bodies["/"+p] = a.body
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	tb.Cleanup(srv.Close)
	return srv
}
