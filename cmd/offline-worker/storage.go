package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/infracollect/offline-worker/cache"
)

// openStorage returns the configured storage and a function releasing it.
func openStorage(ctx context.Context, s storageSettings) (cache.Storage, func() error, error) {
	noop := func() error { return nil }

	switch s.Driver {
	case "", "memory":
		return cache.NewMemoryStorage(), noop, nil

	case "filesystem":
		dir := s.Path
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(homeDir, ".offline-worker", "cache")
		}
		return cache.NewFilesystemStorage(dir), noop, nil

	case "sqlite":
		storage, err := cache.OpenSQLiteStorage(s.Path)
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil

	case "redis":
		storage, err := cache.OpenRedisStorage(ctx, s.RedisURL, s.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return storage, storage.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", s.Driver)
	}
}
