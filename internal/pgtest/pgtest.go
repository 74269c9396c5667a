// Package pgtest hands integration tests a postgres pool: the database named by
// AUTOWITHDRAW_TEST_POSTGRES_DSN when set, otherwise a throwaway docker container.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// Image is pinned by digest so schema tests do not drift with upstream tags.
	Image = "postgres@sha256:4327b9fd295502f326f44153a1045a7170ddbfffed1c3829798328556cfd09e2"

	EnvDSN = "AUTOWITHDRAW_TEST_POSTGRES_DSN"

	startTimeout = time.Minute
	readyTimeout = 20 * time.Second
)

// Start returns a context bounded by the test's setup budget and a ready pool. Each call on the
// docker path gets its own container; on the DSN path callers share the database and must
// tolerate existing rows. Everything is torn down with t.Cleanup.
func Start(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	t.Cleanup(cancel)

	dsn := strings.TrimSpace(os.Getenv(EnvDSN))
	if dsn == "" {
		dsn = container(t, ctx)
	}
	pool := waitReady(t, ctx, dsn)
	t.Cleanup(pool.Close)
	return ctx, pool
}

// container starts postgres on an ephemeral loopback port and returns its DSN.
func container(t *testing.T, ctx context.Context) string {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not available and %s unset", EnvDSN)
	}

	id := docker(t, ctx, "run", "--rm", "-d",
		"-e", "POSTGRES_USER=autowithdraw",
		"-e", "POSTGRES_PASSWORD=autowithdraw",
		"-e", "POSTGRES_DB=autowithdraw",
		"-p", "127.0.0.1::5432",
		Image,
	)
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", id).Run() })

	// "docker port" prints one line per binding, e.g. "127.0.0.1:49153".
	addr, _, _ := strings.Cut(docker(t, ctx, "port", id, "5432/tcp"), "\n")
	if addr == "" {
		t.Fatalf("docker port %s: no binding", id)
	}
	return fmt.Sprintf("postgres://autowithdraw:autowithdraw@%s/autowithdraw?sslmode=disable", strings.TrimSpace(addr))
}

func docker(t *testing.T, ctx context.Context, args ...string) string {
	t.Helper()

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("docker %s: %v: %s", args[0], err, out)
	}
	return strings.TrimSpace(string(out))
}

func waitReady(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.MaxConns = 4

	var lastErr error
	for deadline := time.Now().Add(readyTimeout); time.Now().Before(deadline); time.Sleep(250 * time.Millisecond) {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		pool, err := pgxpool.NewWithConfig(pctx, cfg)
		if err == nil {
			if err = pool.Ping(pctx); err == nil {
				cancel()
				return pool
			}
			pool.Close()
		}
		cancel()
		lastErr = err
	}
	t.Fatalf("postgres not ready after %s: %v", readyTimeout, lastErr)
	return nil
}
