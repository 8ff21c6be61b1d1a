//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// PostgreSQL container settings for Test.Postgres.
const (
	postgresImage     = "docker.io/library/postgres:16-alpine"
	postgresContainer = "ledger-test-postgres"
	postgresPort      = "55432"
	postgresPassword  = "ledger"
	postgresDSNEnv    = "LEDGER_TEST_POSTGRES_DSN"
)

// containerRuntime returns "podman" or "docker" if a working runtime
// is available, or "" if neither is usable. It checks both that the
// binary exists on PATH and that it can connect to its daemon/machine.
func containerRuntime() string {
	for _, name := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(name); err != nil {
			continue
		}
		if exec.Command(name, "info").Run() != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %s found on PATH but not usable (is the daemon/machine running?)\n", name)
			continue
		}
		return name
	}
	return ""
}

// startPostgres runs a PostgreSQL container and waits until it accepts
// connections. It returns the DSN of the server.
func startPostgres(rt string) (string, error) {
	stopPostgres(rt)
	fmt.Fprintln(os.Stderr, "Starting PostgreSQL container...")
	cmd := exec.Command(rt, "run", "-d", "--rm",
		"--name", postgresContainer,
		"-e", "POSTGRES_PASSWORD="+postgresPassword,
		"-p", postgresPort+":5432",
		postgresImage)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("starting postgres: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if exec.Command(rt, "exec", postgresContainer, "pg_isready", "-U", "postgres").Run() == nil {
			return fmt.Sprintf("postgres://postgres:%s@localhost:%s/postgres?sslmode=disable", postgresPassword, postgresPort), nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	stopPostgres(rt)
	return "", fmt.Errorf("postgres did not become ready")
}

// stopPostgres removes the container. Errors are ignored because the
// container may not exist.
func stopPostgres(rt string) {
	_ = exec.Command(rt, "rm", "-f", postgresContainer).Run()
}
