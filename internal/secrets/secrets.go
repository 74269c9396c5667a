// Package secrets resolves credentials such as the wallet API token and the postgres DSN. A
// secret key is an env var name, a file path, or a Secrets Manager id depending on the driver.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	DriverEnv  = "env"
	DriverFile = "file"
	DriverAWS  = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New returns the provider for driver. An empty driver means env.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return Env{}, nil
	case DriverFile:
		return File{}, nil
	case DriverAWS:
		return NewAWS(ctx)
	}
	return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
}

// Optional resolves key through p. A blank key means the secret is not configured and yields "".
func Optional(ctx context.Context, p Provider, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", nil
	}
	return p.Get(ctx, key)
}

// Env reads secrets from environment variables.
type Env struct{}

func (Env) Get(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	return nonEmpty(os.Getenv(name), "env "+name)
}

// File reads a secret from a mounted file, such as a kubernetes or docker secret. Surrounding
// whitespace, including the trailing newline most tools write, is dropped.
type File struct{}

func (File) Get(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty secret path", ErrInvalidConfig)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	return nonEmpty(string(b), "file "+path)
}

func nonEmpty(v, where string) (string, error) {
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, where)
	}
	return v, nil
}
